package bridges

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/dispatch"
	"github.com/crystaldolphin/pingbridge/internal/gateway"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Project is one widget project with its adapters, dispatcher and inbound
// paths.
type Project struct {
	ID         string
	Dispatcher *dispatch.Dispatcher

	cfg       bridge.ProjectConfig
	operators *bus.OperatorBus
	telegram  *TelegramInbound
	slack     *SlackInbound
	widget    *WidgetInbound
}

// Manager owns every configured project.
type Manager struct {
	cfg       *config.Config
	registry  *gateway.Registry
	projects  map[string]*Project
	client    *http.Client
	forwarder *EventForwarder
}

type ManagerOption func(*Manager)

// WithHTTPClient replaces the client used for platform REST calls.
func WithHTTPClient(c *http.Client) ManagerOption { return func(m *Manager) { m.client = c } }

// NewManager builds the adapters of every project. Construction fails on the
// first misconfigured bridge so bad credentials surface at startup.
func NewManager(cfg *config.Config, store schema.Storage, events *bus.EventBus, registry *gateway.Registry, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		projects: make(map[string]*Project, len(cfg.Projects)),
	}
	for _, o := range opts {
		o(m)
	}
	timeout := time.Duration(cfg.Dispatch.HTTPTimeoutSeconds) * time.Second
	if m.client == nil {
		m.client = newHTTPClient(timeout)
	}

	for _, id := range sortedProjectIDs(cfg.Projects) {
		p, err := m.buildProject(id, cfg.Projects[id], store, events)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}
		m.projects[id] = p
	}
	m.forwarder = NewEventForwarder(cfg.Projects, m.client)
	return m, nil
}

func (m *Manager) buildProject(id string, pc bridge.ProjectConfig, store schema.Storage, events *bus.EventBus) (*Project, error) {
	p := &Project{ID: id, cfg: pc, operators: bus.NewOperatorBus(m.cfg.Dispatch.QueueSize)}
	var adapters []schema.Adapter

	if pc.Telegram.Enabled {
		client := m.client
		if pc.Telegram.Inbound == bridge.InboundPolling {
			// Long polls must outlive the poll timeout.
			c := *m.client
			c.Timeout += time.Duration(pc.Telegram.PollTimeout) * time.Second
			client = &c
		}
		tg, err := NewTelegramAdapter(&p.cfg.Telegram, client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, tg)
		p.telegram = NewTelegramInbound(&p.cfg.Telegram, tg, p.operators)
	}
	if pc.Discord.Enabled {
		dc, err := NewDiscordAdapter(&p.cfg.Discord, m.client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, dc)
	}
	if pc.Slack.Enabled {
		sl, err := NewSlackAdapter(&p.cfg.Slack, m.client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, sl)
		if sl.Mode() == schema.ModeBot {
			p.slack = NewSlackInbound(&p.cfg.Slack, sl, p.operators)
		}
	}

	p.Dispatcher = dispatch.New(dispatch.Options{
		ProjectID: id,
		Adapters:  adapters,
		Storage:   store,
		Events:    events,
		Guard: dispatch.GuardConfig{
			BreakerFailures: uint32(m.cfg.Dispatch.BreakerFailures),
			BreakerTimeout:  time.Duration(m.cfg.Dispatch.BreakerTimeoutSeconds) * time.Second,
			RatePerSecond:   m.cfg.Dispatch.RatePerSecond,
			RateBurst:       m.cfg.Dispatch.RateBurst,
		},
	})
	p.widget = NewWidgetInbound(&p.cfg.Widget, p.Dispatcher)
	slog.Info("bridges: project ready", "project", id, "bridges", pc.EnabledBridges())
	return p, nil
}

// Project returns the project by id.
func (m *Manager) Project(id string) (*Project, bool) {
	p, ok := m.projects[id]
	return p, ok
}

// Dispatcher returns the project's dispatcher, the entry point for widget
// events.
func (m *Manager) Dispatcher(projectID string) (*dispatch.Dispatcher, bool) {
	p, ok := m.projects[projectID]
	if !ok {
		return nil, false
	}
	return p.Dispatcher, true
}

// ProjectIDs lists projects in a stable order.
func (m *Manager) ProjectIDs() []string {
	ids := make([]string, 0, len(m.projects))
	for id := range m.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForwardEvents posts domain events from events to the widget backends
// that configured a callback. It returns the unsubscribe func.
func (m *Manager) ForwardEvents(events *bus.EventBus) func() {
	return m.forwarder.Attach(events)
}

// Mount registers the webhook endpoints and the widget events endpoint on
// mux and returns their patterns. Each project gets its own path:
// <configured path>/<project id>.
func (m *Manager) Mount(mux *http.ServeMux) []string {
	var routes []string
	for _, id := range m.ProjectIDs() {
		p := m.projects[id]
		if p.telegram != nil && p.cfg.Telegram.Inbound == bridge.InboundWebhook {
			pattern := "POST " + p.cfg.Telegram.WebhookPath + "/" + id
			mux.Handle(pattern, p.telegram)
			routes = append(routes, pattern)
		}
		if p.slack != nil && !p.cfg.Slack.SocketMode() {
			pattern := "POST " + p.cfg.Slack.EventsPath + "/" + id
			mux.Handle(pattern, p.slack)
			routes = append(routes, pattern)
		}
		pattern := "POST " + p.cfg.Widget.EventsPath + "/" + id
		mux.Handle(pattern, p.widget)
		routes = append(routes, pattern)
	}
	return routes
}

// Run starts the dispatch loops, the polling and socket clients and the
// Discord gateway connections. It blocks until ctx is done, then tears
// everything down.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.ProjectIDs() {
		p := m.projects[id]
		g.Go(func() error { return p.Dispatcher.Run(ctx, p.operators.Subscribe()) })

		if p.telegram != nil && p.cfg.Telegram.Inbound == bridge.InboundPolling {
			g.Go(func() error { return p.telegram.Poll(ctx) })
		}
		if p.slack != nil && p.cfg.Slack.SocketMode() {
			g.Go(func() error { return p.slack.RunSocketMode(ctx) })
		}
		if p.cfg.Discord.Enabled && schema.Mode(p.cfg.Discord.Mode) == schema.ModeBot {
			if _, err := m.registry.Start(ctx, id, p.cfg.Discord, p.operators); err != nil {
				slog.Error("bridges: discord gateway not started", "project", id, "error", err)
			}
		}
	}
	err := g.Wait()
	m.Close()
	return err
}

// Close stops gateway connections and drains the dispatchers.
func (m *Manager) Close() {
	m.registry.StopAll()
	for _, p := range m.projects {
		p.Dispatcher.Close()
	}
}

// Statuses reports the gateway state of each project with a Discord bot.
func (m *Manager) Statuses() map[string]gateway.Status {
	return m.registry.Statuses()
}

func sortedProjectIDs(projects map[string]bridge.ProjectConfig) []string {
	ids := make([]string, 0, len(projects))
	for id := range projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
