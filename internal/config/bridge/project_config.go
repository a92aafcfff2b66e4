// Package bridge holds per-project platform settings.
package bridge

import "errors"

// ProjectConfig groups the platform bridges of one widget project.
type ProjectConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Widget   WidgetConfig   `json:"widget" yaml:"widget"`
}

func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Telegram: DefaultTelegramConfig(),
		Discord:  DefaultDiscordConfig(),
		Slack:    DefaultSlackConfig(),
		Widget:   DefaultWidgetConfig(),
	}
}

// Validate checks every enabled bridge and joins the failures.
func (p *ProjectConfig) Validate() error {
	return errors.Join(p.Telegram.Validate(), p.Discord.Validate(), p.Slack.Validate(), p.Widget.Validate())
}

// EnabledBridges lists the enabled platform names.
func (p *ProjectConfig) EnabledBridges() []string {
	var out []string
	if p.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if p.Discord.Enabled {
		out = append(out, "discord")
	}
	if p.Slack.Enabled {
		out = append(out, "slack")
	}
	return out
}
