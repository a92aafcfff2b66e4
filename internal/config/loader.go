package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// ConfigPath returns the default configuration file path: ~/.pingbridge/config.json.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

// DataDir returns the pingbridge data directory: ~/.pingbridge.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pingbridge"
	}
	return filepath.Join(home, ".pingbridge")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads and parses the config file at path.
// If path is empty, ConfigPath() is used. A missing file yields DefaultConfig().
// A file that does not parse is a schema.ErrConfig error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w: %w", path, schema.ErrConfig, err)
	}

	cfg.applyProjectDefaults()
	return &cfg, nil
}

// applyProjectDefaults fills fields a project file left empty. Map values are
// decoded into zero structs, so DefaultConfig cannot seed them.
func (c *Config) applyProjectDefaults() {
	if c.Projects == nil {
		c.Projects = map[string]bridge.ProjectConfig{}
	}
	def := bridge.DefaultProjectConfig()
	for id, p := range c.Projects {
		if p.Telegram.Inbound == "" {
			p.Telegram.Inbound = def.Telegram.Inbound
		}
		if p.Telegram.WebhookPath == "" {
			p.Telegram.WebhookPath = def.Telegram.WebhookPath
		}
		if p.Telegram.PollTimeout == 0 {
			p.Telegram.PollTimeout = def.Telegram.PollTimeout
		}
		if p.Discord.Mode == "" {
			p.Discord.Mode = def.Discord.Mode
		}
		if p.Discord.GatewayURL == "" {
			p.Discord.GatewayURL = def.Discord.GatewayURL
		}
		if p.Discord.Intents == 0 {
			p.Discord.Intents = def.Discord.Intents
		}
		if p.Discord.ThreadArchiveMinutes == 0 {
			p.Discord.ThreadArchiveMinutes = def.Discord.ThreadArchiveMinutes
		}
		if p.Slack.Mode == "" {
			p.Slack.Mode = def.Slack.Mode
		}
		if p.Slack.EventsPath == "" {
			p.Slack.EventsPath = def.Slack.EventsPath
		}
		if p.Slack.ReadEmoji == "" {
			p.Slack.ReadEmoji = def.Slack.ReadEmoji
		}
		if p.Widget.EventsPath == "" {
			p.Widget.EventsPath = def.Widget.EventsPath
		}
		c.Projects[id] = p
	}
}

// Save writes cfg to path as indented JSON, or YAML for .yaml/.yml paths.
// If path is empty, ConfigPath() is used.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		// Append a trailing newline for POSIX compliance.
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
