package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
	"github.com/crystaldolphin/pingbridge/internal/session"
)

func webhookConfig() *config.Config {
	cfg := config.DefaultConfig()
	pc := bridge.DefaultProjectConfig()
	pc.Slack.Enabled = true
	pc.Slack.Mode = string(schema.ModeWebhook)
	pc.Slack.WebhookURL = "https://hooks.slack.com/services/T/B/X"
	cfg.Projects["shop"] = pc
	return &cfg
}

func TestNew_WiresServices(t *testing.T) {
	store := session.NewMemoryStore()
	c, err := New(webhookConfig(), WithStorage(store))
	require.NoError(t, err)
	t.Cleanup(c.Manager().Close)

	assert.Same(t, store, c.Storage())
	assert.NotNil(t, c.Events())
	assert.NotNil(t, c.Monitor())
	assert.Equal(t, []string{"shop"}, c.Manager().ProjectIDs())
	assert.Empty(t, c.Registry().Statuses())
}

func TestNew_DefaultsToMemoryStore(t *testing.T) {
	c, err := New(webhookConfig())
	require.NoError(t, err)
	t.Cleanup(c.Manager().Close)
	assert.IsType(t, &session.MemoryStore{}, c.Storage())
}

func TestNew_BadBridgeFails(t *testing.T) {
	cfg := webhookConfig()
	pc := cfg.Projects["shop"]
	pc.Slack.WebhookURL = "not a url"
	cfg.Projects["shop"] = pc

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrConfig)
}
