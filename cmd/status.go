package cmd

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pingbridge configuration status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}

	fmt.Printf("%s pingbridge Status\n\n", logo)

	_, statErr := os.Stat(cfgPath)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", cfgPath, cfgMark)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}
	fmt.Printf("Listen:    %s\n", cfg.Server.Addr())
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Problems:  %v\n", err)
	}
	fmt.Println()

	if len(cfg.Projects) == 0 {
		fmt.Println("No projects configured.")
		return nil
	}
	for _, id := range sortedKeys(cfg.Projects) {
		p := cfg.Projects[id]
		fmt.Printf("Project %s:\n", id)
		printBridge("Telegram", p.Telegram.Enabled, p.Telegram.BotToken != "", telegramDetail(p.Telegram))
		printBridge("Discord", p.Discord.Enabled, discordReady(p.Discord), p.Discord.Mode)
		printBridge("Slack", p.Slack.Enabled, slackReady(p.Slack), slackDetail(p.Slack))
	}
	return nil
}

func printBridge(label string, enabled, ready bool, detail string) {
	switch {
	case !enabled:
		fmt.Printf("  %-10s (disabled)\n", label)
	case ready:
		fmt.Printf("  %-10s ✓ %s\n", label, detail)
	default:
		fmt.Printf("  %-10s ✗ %s (credentials missing)\n", label, detail)
	}
}

func telegramDetail(c bridge.TelegramConfig) string {
	if c.Inbound == bridge.InboundWebhook {
		return "bot, webhook " + c.WebhookPath
	}
	return "bot, polling"
}

func discordReady(c bridge.DiscordConfig) bool {
	if schema.Mode(c.Mode) == schema.ModeWebhook {
		return c.WebhookURL != ""
	}
	return c.BotToken != "" && c.ChannelID != ""
}

func slackReady(c bridge.SlackConfig) bool {
	if schema.Mode(c.Mode) == schema.ModeWebhook {
		return c.WebhookURL != ""
	}
	return c.BotToken != "" && c.ChannelID != ""
}

func slackDetail(c bridge.SlackConfig) string {
	switch {
	case schema.Mode(c.Mode) == schema.ModeWebhook:
		return "webhook"
	case c.SocketMode():
		return "bot, socket mode"
	}
	return "bot, events " + c.EventsPath
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
