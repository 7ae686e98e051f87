// Package dependency wires core tidewatch services using go.uber.org/dig.
package dependency

import (
	"path/filepath"

	"go.uber.org/dig"

	"github.com/tidewatch/tidewatch/internal/bus"
	"github.com/tidewatch/tidewatch/internal/config"
	"github.com/tidewatch/tidewatch/internal/gateway"
	"github.com/tidewatch/tidewatch/internal/session"
	"github.com/tidewatch/tidewatch/internal/subagent"
)

// Container holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	events   *bus.AgentEventBus
	sessions *session.Store
	gw       *gateway.Client
	registry *subagent.Registry
}

func (c *Container) Events() *bus.AgentEventBus   { return c.events }
func (c *Container) Sessions() *session.Store     { return c.sessions }
func (c *Container) Gateway() *gateway.Client     { return c.gw }
func (c *Container) Registry() *subagent.Registry { return c.registry }

// sessionLookup adapts the JSONL store to the registry's orphan-check view.
type sessionLookup struct{ store *session.Store }

func (l sessionLookup) Entry(key string) (*subagent.SessionEntry, error) {
	e, err := l.store.Entry(key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	return &subagent.SessionEntry{Key: e.Key, SessionID: e.SessionID}, nil
}

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	if err := d.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := d.Provide(newEventBus); err != nil {
		return nil, err
	}
	if err := d.Provide(newSessionStore); err != nil {
		return nil, err
	}
	if err := d.Provide(newGatewayClient); err != nil {
		return nil, err
	}
	if err := d.Provide(newRegistry); err != nil {
		return nil, err
	}

	var result *Container
	err := d.Invoke(func(
		events *bus.AgentEventBus,
		sessions *session.Store,
		gw *gateway.Client,
		registry *subagent.Registry,
	) {
		result = &Container{
			events:   events,
			sessions: sessions,
			gw:       gw,
			registry: registry,
		}
	})
	return result, err
}

func newEventBus() *bus.AgentEventBus {
	return bus.NewAgentEventBus()
}

func newSessionStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(cfg.WorkspacePath())
}

func newGatewayClient(cfg *config.Config) *gateway.Client {
	return gateway.NewClient(cfg.Gateway.URL)
}

func newRegistry(cfg *config.Config, gw *gateway.Client, sessions *session.Store) *subagent.Registry {
	storePath := filepath.Join(config.DataDir(), "subagents", "runs.json")
	return subagent.NewRegistry(subagent.Options{
		StorePath: storePath,
		Waiter:    gw,
		Deleter:   gw,
		Announcer: gw,
		Sessions:  sessionLookup{store: sessions},
		Settings:  cfg,
	})
}
