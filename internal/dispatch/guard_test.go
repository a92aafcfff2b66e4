package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	g := newGuard(schema.PlatformSlack, GuardConfig{BreakerFailures: 2, BreakerTimeout: time.Minute})
	calls := 0
	fail := func() (schema.BridgeMessageIDs, error) {
		calls++
		return schema.BridgeMessageIDs{}, schema.NewAdapterError(schema.PlatformSlack, "send", http.StatusBadGateway, "", nil)
	}

	for i := 0; i < 2; i++ {
		_, err := g.do(context.Background(), fail)
		assert.ErrorIs(t, err, schema.ErrTransient)
	}
	_, err := g.do(context.Background(), fail)
	assert.ErrorIs(t, err, schema.ErrTransient)
	assert.Equal(t, 2, calls, "open breaker must not reach the platform")
}

func TestGuard_ClientErrorsDoNotTrip(t *testing.T) {
	g := newGuard(schema.PlatformDiscord, GuardConfig{BreakerFailures: 1, BreakerTimeout: time.Minute})
	notFound := func() (schema.BridgeMessageIDs, error) {
		return schema.BridgeMessageIDs{}, schema.NewAdapterError(schema.PlatformDiscord, "delete", http.StatusNotFound, "", nil)
	}
	for i := 0; i < 3; i++ {
		_, err := g.do(context.Background(), notFound)
		assert.ErrorIs(t, err, schema.ErrNotFound)
	}
}

func TestGuard_RateLimitHonoursContext(t *testing.T) {
	g := newGuard(schema.PlatformTelegram, GuardConfig{RatePerSecond: 0.001, RateBurst: 1})
	ok := func() (schema.BridgeMessageIDs, error) { return schema.BridgeMessageIDs{}, nil }

	_, err := g.do(context.Background(), ok)
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.do(ctx, ok)
	assert.ErrorIs(t, err, schema.ErrRateLimited)
}

func TestCountsAsSuccess(t *testing.T) {
	assert.True(t, countsAsSuccess(nil))
	assert.True(t, countsAsSuccess(context.Canceled))
	assert.True(t, countsAsSuccess(schema.NewAdapterError(schema.PlatformSlack, "x", 400, "", nil)))
	assert.False(t, countsAsSuccess(schema.NewAdapterError(schema.PlatformSlack, "x", 429, "", nil)))
	assert.False(t, countsAsSuccess(errors.New("dial tcp: timeout")))
}
