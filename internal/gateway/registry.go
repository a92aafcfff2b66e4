package gateway

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	gwconfig "github.com/crystaldolphin/pingbridge/internal/config/gateway"
)

// Registry owns at most one gateway connection per project.
type Registry struct {
	cfg    gwconfig.GatewayConfig
	dialer Dialer
	clock  Clock

	mu    sync.Mutex
	conns map[string]*Connection
}

type RegistryOption func(*Registry)

func WithDialer(d Dialer) RegistryOption { return func(r *Registry) { r.dialer = d } }
func WithClock(c Clock) RegistryOption   { return func(r *Registry) { r.clock = c } }

func NewRegistry(cfg gwconfig.GatewayConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:    cfg,
		dialer: WebsocketDialer{HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond},
		clock:  RealClock,
		conns:  make(map[string]*Connection),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start connects projectID's bot to the gateway. An existing connection for
// the project is closed first.
func (r *Registry) Start(ctx context.Context, projectID string, dc bridge.DiscordConfig, sink Sink) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[projectID]; ok {
		delete(r.conns, projectID)
		old.Close()
	}

	conn := NewConnection(Options{
		Token:               dc.BotToken,
		GatewayURL:          dc.GatewayURL,
		Intents:             dc.Intents,
		AllowedBotIDs:       dc.AllowedBotIDs,
		InvalidSessionDelay: time.Duration(r.cfg.InvalidSessionDelayMs) * time.Millisecond,
		Dialer:              r.dialer,
		Clock:               r.clock,
		Supervisor:          NewSupervisor(r.cfg, r.clock),
		Sink:                sink,
	})
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	r.conns[projectID] = conn
	return conn, nil
}

// Stop closes the project's connection, if any.
func (r *Registry) Stop(projectID string) {
	r.mu.Lock()
	conn, ok := r.conns[projectID]
	delete(r.conns, projectID)
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// StopAll closes every connection.
func (r *Registry) StopAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

func (r *Registry) Get(projectID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[projectID]
	return c, ok
}

// Statuses snapshots every connection by project id.
func (r *Registry) Statuses() map[string]Status {
	r.mu.Lock()
	conns := maps.Clone(r.conns)
	r.mu.Unlock()

	out := make(map[string]Status, len(conns))
	for id, c := range conns {
		out[id] = c.Status()
	}
	return out
}
