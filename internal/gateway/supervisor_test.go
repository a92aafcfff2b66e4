package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwconfig "github.com/crystaldolphin/pingbridge/internal/config/gateway"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

func TestSupervisor_Delay(t *testing.T) {
	s := NewSupervisor(gwconfig.DefaultGatewayConfig(), newFakeClock())

	want := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		40: 30 * time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, s.Delay(n), "n=%d", n)
	}
}

func TestSupervisor_ExhaustsAndResets(t *testing.T) {
	clock := newFakeClock()
	s := NewSupervisor(gwconfig.DefaultGatewayConfig(), clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		errc := make(chan error, 1)
		go func() { errc <- s.Wait(ctx) }()
		clock.awaitAndAdvance(t, s.Delay(i))
		require.NoError(t, <-errc)
	}
	assert.ErrorIs(t, s.Wait(ctx), schema.ErrReconnectExhausted)

	s.Reset()
	assert.Equal(t, 0, s.Attempts())
	errc := make(chan error, 1)
	go func() { errc <- s.Wait(ctx) }()
	clock.awaitAndAdvance(t, 2*time.Second)
	require.NoError(t, <-errc)
}

func TestSupervisor_WaitHonoursContext(t *testing.T) {
	s := NewSupervisor(gwconfig.DefaultGatewayConfig(), newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.Canceled)
}
