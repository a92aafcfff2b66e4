// Package config defines the configuration schema for pingbridge.
//
// Files are JSON with camelCase keys; a .yaml or .yml extension switches the
// loader to YAML with the same keys.
package config

import (
	"errors"
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/config/gateway"
)

// ServerConfig is the HTTP listener for inbound platform webhooks.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{Host: "0.0.0.0", Port: 18790}
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

func defaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

// DispatchConfig bounds outbound platform calls.
type DispatchConfig struct {
	HTTPTimeoutSeconds int `json:"httpTimeoutSeconds" yaml:"httpTimeoutSeconds"`
	// BreakerFailures consecutive failures open an adapter's circuit.
	BreakerFailures int `json:"breakerFailures" yaml:"breakerFailures"`
	// BreakerTimeoutSeconds is how long an open circuit stays open.
	BreakerTimeoutSeconds int `json:"breakerTimeoutSeconds" yaml:"breakerTimeoutSeconds"`
	// RatePerSecond and RateBurst bound calls per adapter; 0 disables.
	RatePerSecond float64 `json:"ratePerSecond" yaml:"ratePerSecond"`
	RateBurst     int     `json:"rateBurst" yaml:"rateBurst"`
	QueueSize     int     `json:"queueSize" yaml:"queueSize"`
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		HTTPTimeoutSeconds:    30,
		BreakerFailures:       5,
		BreakerTimeoutSeconds: 30,
		RatePerSecond:         5,
		RateBurst:             10,
		QueueSize:             100,
	}
}

// MonitorConfig schedules the gateway health check.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

func defaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Enabled: true, Schedule: "@every 1m"}
}

// Config is the root configuration object, loaded from ~/.pingbridge/config.json.
type Config struct {
	Server   ServerConfig                    `json:"server" yaml:"server"`
	Log      LogConfig                       `json:"log" yaml:"log"`
	Gateway  gateway.GatewayConfig           `json:"gateway" yaml:"gateway"`
	Dispatch DispatchConfig                  `json:"dispatch" yaml:"dispatch"`
	Monitor  MonitorConfig                   `json:"monitor" yaml:"monitor"`
	Projects map[string]bridge.ProjectConfig `json:"projects" yaml:"projects"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() Config {
	return Config{
		Server:   defaultServerConfig(),
		Log:      defaultLogConfig(),
		Gateway:  gateway.DefaultGatewayConfig(),
		Dispatch: defaultDispatchConfig(),
		Monitor:  defaultMonitorConfig(),
		Projects: map[string]bridge.ProjectConfig{},
	}
}

// Validate checks every project and reports all problems at once.
func (c *Config) Validate() error {
	errs := []error{c.Gateway.Validate()}
	for id, p := range c.Projects {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
