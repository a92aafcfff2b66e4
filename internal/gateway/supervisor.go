package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gwconfig "github.com/crystaldolphin/pingbridge/internal/config/gateway"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Supervisor schedules reconnect attempts with capped exponential backoff and
// fails stop once MaxAttempts consecutive attempts have been used.
type Supervisor struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	clock       Clock

	mu       sync.Mutex
	attempts int
}

func NewSupervisor(cfg gwconfig.GatewayConfig, clock Clock) *Supervisor {
	if clock == nil {
		clock = RealClock
	}
	return &Supervisor{
		base:        time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		max:         time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		maxAttempts: cfg.MaxAttempts,
		clock:       clock,
	}
}

// Delay returns min(base * 2^n, max).
func (s *Supervisor) Delay(n int) time.Duration {
	d := s.base
	for i := 0; i < n && d < s.max; i++ {
		d *= 2
	}
	if d > s.max {
		d = s.max
	}
	return d
}

// Wait consumes one attempt and sleeps for its delay. It is the only place a
// reconnect is scheduled.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()

	if n > s.maxAttempts {
		return fmt.Errorf("after %d attempts: %w", s.maxAttempts, schema.ErrReconnectExhausted)
	}
	d := s.Delay(n)
	slog.Info("discord gateway: reconnecting", "attempt", n, "delay", d)

	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the attempt counter after a successful READY or RESUMED.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
