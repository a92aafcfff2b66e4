package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// GuardConfig bounds calls into one adapter.
type GuardConfig struct {
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	RatePerSecond   float64
	RateBurst       int
}

// guard wraps one adapter with a circuit breaker and a rate limiter so a
// platform outage fails fast instead of stalling every fan-out.
type guard struct {
	breaker *gobreaker.CircuitBreaker[schema.BridgeMessageIDs]
	limiter *rate.Limiter
}

func newGuard(p schema.Platform, cfg GuardConfig) *guard {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	g := &guard{
		breaker: gobreaker.NewCircuitBreaker[schema.BridgeMessageIDs](gobreaker.Settings{
			Name:        "bridge:" + string(p),
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("dispatch: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: countsAsSuccess,
		}),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// countsAsSuccess keeps client errors from tripping the breaker; only
// transport failures, 5xx and 429 indicate the platform is unhealthy.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ae *schema.AdapterError
	if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 && ae.Status != 429 {
		return true
	}
	return false
}

func (g *guard) do(ctx context.Context, fn func() (schema.BridgeMessageIDs, error)) (schema.BridgeMessageIDs, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return schema.BridgeMessageIDs{}, fmt.Errorf("%w: %v", schema.ErrRateLimited, err)
		}
	}
	ids, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ids, fmt.Errorf("%w: %v", schema.ErrTransient, err)
	}
	return ids, err
}
