// Package dependency wires the pingbridge services using go.uber.org/dig.
package dependency

import (
	"go.uber.org/dig"

	"github.com/crystaldolphin/pingbridge/internal/bridges"
	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/gateway"
	"github.com/crystaldolphin/pingbridge/internal/monitor"
	"github.com/crystaldolphin/pingbridge/internal/schema"
	"github.com/crystaldolphin/pingbridge/internal/session"
)

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg      *config.Config
	store    schema.Storage
	events   *bus.EventBus
	registry *gateway.Registry
	manager  *bridges.Manager
	monitor  *monitor.Service
}

func (c *Container) Config() *config.Config      { return c.cfg }
func (c *Container) Storage() schema.Storage     { return c.store }
func (c *Container) Events() *bus.EventBus       { return c.events }
func (c *Container) Registry() *gateway.Registry { return c.registry }
func (c *Container) Manager() *bridges.Manager   { return c.manager }
func (c *Container) Monitor() *monitor.Service   { return c.monitor }

// Option overrides a default provider, mostly for tests.
type Option func(*options)

type options struct {
	store   schema.Storage
	gwOpts  []gateway.RegistryOption
	mgrOpts []bridges.ManagerOption
}

// WithStorage replaces the in-memory store.
func WithStorage(s schema.Storage) Option { return func(o *options) { o.store = s } }

// WithGatewayOptions passes options to the gateway registry.
func WithGatewayOptions(opts ...gateway.RegistryOption) Option {
	return func(o *options) { o.gwOpts = append(o.gwOpts, opts...) }
}

// WithManagerOptions passes options to the bridge manager.
func WithManagerOptions(opts ...bridges.ManagerOption) Option {
	return func(o *options) { o.mgrOpts = append(o.mgrOpts, opts...) }
}

// New builds and wires all services from cfg. Platform credentials are
// checked here, so a bad token fails before anything starts listening.
func New(cfg *config.Config, opts ...Option) (*Container, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	d := dig.New()
	if err := d.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := d.Provide(func() schema.Storage { return newStorage(o.store) }); err != nil {
		return nil, err
	}
	if err := d.Provide(bus.NewEventBus); err != nil {
		return nil, err
	}
	if err := d.Provide(func(cfg *config.Config) *gateway.Registry {
		return gateway.NewRegistry(cfg.Gateway, o.gwOpts...)
	}); err != nil {
		return nil, err
	}
	if err := d.Provide(func(cfg *config.Config, store schema.Storage, events *bus.EventBus, reg *gateway.Registry) (*bridges.Manager, error) {
		return newManager(cfg, store, events, reg, o.mgrOpts)
	}); err != nil {
		return nil, err
	}
	if err := d.Provide(newMonitor); err != nil {
		return nil, err
	}

	var result *Container
	err := d.Invoke(func(
		store schema.Storage,
		events *bus.EventBus,
		registry *gateway.Registry,
		manager *bridges.Manager,
		mon *monitor.Service,
	) {
		result = &Container{
			cfg:      cfg,
			store:    store,
			events:   events,
			registry: registry,
			manager:  manager,
			monitor:  mon,
		}
	})
	return result, err
}

func newStorage(override schema.Storage) schema.Storage {
	if override != nil {
		return override
	}
	return session.NewMemoryStore()
}

func newManager(cfg *config.Config, store schema.Storage, events *bus.EventBus, reg *gateway.Registry, opts []bridges.ManagerOption) (*bridges.Manager, error) {
	return bridges.NewManager(cfg, store, events, reg, opts...)
}

func newMonitor(cfg *config.Config, reg *gateway.Registry) *monitor.Service {
	return monitor.NewService(reg, cfg.Monitor.Schedule)
}
