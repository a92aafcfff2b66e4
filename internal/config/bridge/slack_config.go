package bridge

import (
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// SlackConfig configures the Slack bridge. Operator replies arrive through
// Socket Mode when AppToken is set, otherwise through the Events API
// endpoint at EventsPath.
type SlackConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Mode          string `json:"mode" yaml:"mode"`
	BotToken      string `json:"botToken" yaml:"botToken"`
	AppToken      string `json:"appToken,omitempty" yaml:"appToken,omitempty"`
	ChannelID     string `json:"channelId" yaml:"channelId"`
	WebhookURL    string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	SigningSecret string `json:"signingSecret,omitempty" yaml:"signingSecret,omitempty"`
	EventsPath    string `json:"eventsPath" yaml:"eventsPath"`
	APIURL        string `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty"`
	ReadEmoji     string `json:"readEmoji" yaml:"readEmoji"`
}

func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Mode:       string(schema.ModeBot),
		EventsPath: "/slack/events",
		ReadEmoji:  "white_check_mark",
	}
}

// SocketMode reports whether inbound events use Socket Mode.
func (c *SlackConfig) SocketMode() bool { return c.AppToken != "" }

func (c *SlackConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch schema.Mode(c.Mode) {
	case schema.ModeBot:
		if c.BotToken == "" || c.ChannelID == "" {
			return fmt.Errorf("slack: botToken and channelId are required in bot mode: %w", schema.ErrConfig)
		}
	case schema.ModeWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("slack: webhookUrl is required in webhook mode: %w", schema.ErrConfig)
		}
	default:
		return fmt.Errorf("slack: unknown mode %q: %w", c.Mode, schema.ErrConfig)
	}
	return nil
}
