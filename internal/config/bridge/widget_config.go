package bridge

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// WidgetConfig connects a project to its chat widget backend. The backend
// posts widget events to EventsPath; domain events go back to CallbackURL
// when it is set.
type WidgetConfig struct {
	EventsPath string `json:"eventsPath" yaml:"eventsPath"`
	// Secret is the bearer token the backend must send. Empty disables the check.
	Secret         string `json:"secret,omitempty" yaml:"secret,omitempty"`
	CallbackURL    string `json:"callbackUrl,omitempty" yaml:"callbackUrl,omitempty"`
	CallbackSecret string `json:"callbackSecret,omitempty" yaml:"callbackSecret,omitempty"` // HMAC-SHA256 key
	// CallbackEvents limits the forwarded event types; empty forwards all.
	CallbackEvents []string `json:"callbackEvents,omitempty" yaml:"callbackEvents,omitempty"`
}

func DefaultWidgetConfig() WidgetConfig {
	return WidgetConfig{EventsPath: "/widget/events"}
}

func (c *WidgetConfig) Validate() error {
	if c.CallbackURL == "" {
		return nil
	}
	u, err := url.Parse(c.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("widget: callbackUrl %q must be an http(s) URL: %w", c.CallbackURL, schema.ErrConfig)
	}
	return nil
}

// Forwards reports whether events of type t go to the callback.
func (c *WidgetConfig) Forwards(t string) bool {
	if c.CallbackURL == "" {
		return false
	}
	return len(c.CallbackEvents) == 0 || slices.Contains(c.CallbackEvents, t)
}
