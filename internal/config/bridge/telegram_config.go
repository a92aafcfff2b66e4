package bridge

import (
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Telegram inbound transports.
const (
	InboundPolling = "polling"
	InboundWebhook = "webhook"
)

// TelegramConfig configures the Telegram bridge. ChatID must be a forum
// supergroup; every session gets its own topic.
type TelegramConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	BotToken      string `json:"botToken" yaml:"botToken"`
	ChatID        int64  `json:"chatId" yaml:"chatId"`
	APIEndpoint   string `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
	Inbound       string `json:"inbound" yaml:"inbound"`
	WebhookPath   string `json:"webhookPath" yaml:"webhookPath"`
	WebhookSecret string `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	PollTimeout   int    `json:"pollTimeout" yaml:"pollTimeout"` // seconds
}

func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		Inbound:     InboundPolling,
		WebhookPath: "/telegram/webhook",
		PollTimeout: 30,
	}
}

func (c *TelegramConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BotToken == "" {
		return fmt.Errorf("telegram: botToken is required: %w", schema.ErrConfig)
	}
	if c.ChatID == 0 {
		return fmt.Errorf("telegram: chatId is required: %w", schema.ErrConfig)
	}
	switch c.Inbound {
	case InboundPolling, InboundWebhook:
	default:
		return fmt.Errorf("telegram: unknown inbound %q: %w", c.Inbound, schema.ErrConfig)
	}
	return nil
}
