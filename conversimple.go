// Package conversimple provides a high-level façade over the SDK runtime:
// configuration loading, agent registration, and the dispatcher that binds
// registered agents to live conversations on the hosted platform. Most
// applications interact with this package by:
//  1. Creating a Client via New() with a Config (or config.Load for YAML)
//  2. Registering one or more agents with RegisterAgent
//  3. Calling Run, which connects the control plane and serves conversations
//     until the context is cancelled
//
// The façade delegates orchestration to dispatcher.Dispatcher while keeping
// setup ergonomics concise. Defaults are safe for local development; production
// deployments supply real credentials and a structured logger.
package conversimple

import (
	"context"
	"log/slog"
	"time"

	"github.com/conversimple/conversimple-go/audit"
	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/dispatcher"
	"github.com/conversimple/conversimple-go/eventbus"
	"github.com/conversimple/conversimple-go/logging"
	"github.com/conversimple/conversimple-go/tracing"
)

// Version is the SDK release version.
const Version = "0.3.0"

// Client aggregates the runtime's moving parts behind one entry point.
type Client struct {
	cfg      *config.Config
	registry *core.AgentRegistry
	bus      *eventbus.Bus
	audit    *audit.Store
	logger   *slog.Logger

	dispatcher *dispatcher.Dispatcher
	closers    []func()
}

// New builds a Client from the given configuration. A nil config uses
// defaults, which still require CONVERSIMPLE_API_KEY in the environment.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		registry: core.NewAgentRegistry(logger),
		bus:      eventbus.New(logger),
		logger:   logger,
	}
	c.closers = append(c.closers, func() { _ = closeLog() })

	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			c.close()
			return nil, err
		}
		c.audit = store
		c.closers = append(c.closers, func() { _ = store.Close() })
	}

	c.dispatcher = dispatcher.New(dispatcher.Options{
		Config:   cfg,
		Registry: c.registry,
		Bus:      c.bus,
		Audit:    c.audit,
		Logger:   logger,
	})
	return c, nil
}

// RegisterAgent binds an agent factory to a platform agent ID. The factory is
// invoked once per conversation assigned to that agent.
func (c *Client) RegisterAgent(agentID string, factory core.AgentFactory) error {
	return c.registry.Register(core.AgentDescriptor{ID: agentID, Factory: factory})
}

// Subscribe attaches a handler for runtime events (connection, session, and
// tool call lifecycle). Returns an unsubscribe func.
func (c *Client) Subscribe(t core.EventType, h core.EventHandler) func() {
	return c.bus.Subscribe(t, h)
}

// Logger returns the client's structured logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Run connects to the platform and serves conversations until ctx is
// cancelled, then tears everything down.
func (c *Client) Run(ctx context.Context) error {
	shutdownTracing, err := tracing.Setup(ctx, c.cfg.Tracer)
	if err != nil {
		c.close()
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := c.dispatcher.Start(ctx); err != nil {
		c.close()
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = c.dispatcher.Stop(stopCtx)
	c.close()
	return err
}

func (c *Client) close() {
	c.bus.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}
