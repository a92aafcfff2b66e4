package gateway

import (
	"errors"
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// GatewayConfig tunes the Discord Gateway connection and its reconnect
// supervisor.
type GatewayConfig struct {
	BaseDelayMs           int `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMs            int `json:"maxDelayMs" yaml:"maxDelayMs"`
	MaxAttempts           int `json:"maxAttempts" yaml:"maxAttempts"`
	InvalidSessionDelayMs int `json:"invalidSessionDelayMs" yaml:"invalidSessionDelayMs"`
	HandshakeTimeoutMs    int `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BaseDelayMs:           1000,
		MaxDelayMs:            30000,
		MaxAttempts:           5,
		InvalidSessionDelayMs: 5000,
		HandshakeTimeoutMs:    10000,
	}
}

// Validate rejects reconnect settings that would make the first dropped
// connection fatal or reconnect in a tight loop.
func (c GatewayConfig) Validate() error {
	var errs []error
	if c.BaseDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("gateway: baseDelayMs must be positive: %w", schema.ErrConfig))
	}
	if c.MaxDelayMs < c.BaseDelayMs {
		errs = append(errs, fmt.Errorf("gateway: maxDelayMs must be at least baseDelayMs: %w", schema.ErrConfig))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("gateway: maxAttempts must be positive: %w", schema.ErrConfig))
	}
	if c.InvalidSessionDelayMs < 0 || c.HandshakeTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("gateway: delays must not be negative: %w", schema.ErrConfig))
	}
	return errors.Join(errs...)
}
