package bridge

import (
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// DiscordConfig configures the Discord bridge.
type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Mode       string `json:"mode" yaml:"mode"`
	BotToken   string `json:"botToken" yaml:"botToken"`
	ChannelID  string `json:"channelId" yaml:"channelId"`
	WebhookURL string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	GatewayURL string `json:"gatewayUrl" yaml:"gatewayUrl"`
	Intents    int    `json:"intents" yaml:"intents"`
	// AllowedBotIDs are bot authors whose messages count as operator replies.
	AllowedBotIDs []string `json:"allowedBotIds" yaml:"allowedBotIds"`
	// ThreadArchiveMinutes is the auto-archive duration of session threads.
	ThreadArchiveMinutes int `json:"threadArchiveMinutes" yaml:"threadArchiveMinutes"`
}

func DefaultDiscordConfig() DiscordConfig {
	return DiscordConfig{
		Mode:                 string(schema.ModeBot),
		GatewayURL:           "wss://gateway.discord.gg/?v=10&encoding=json",
		Intents:              33281, // GUILDS + GUILD_MESSAGES + MESSAGE_CONTENT
		AllowedBotIDs:        []string{},
		ThreadArchiveMinutes: 1440,
	}
}

func (c *DiscordConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch schema.Mode(c.Mode) {
	case schema.ModeBot:
		if c.BotToken == "" || c.ChannelID == "" {
			return fmt.Errorf("discord: botToken and channelId are required in bot mode: %w", schema.ErrConfig)
		}
	case schema.ModeWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("discord: webhookUrl is required in webhook mode: %w", schema.ErrConfig)
		}
	default:
		return fmt.Errorf("discord: unknown mode %q: %w", c.Mode, schema.ErrConfig)
	}
	return nil
}
