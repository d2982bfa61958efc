// Package dispatcher owns the control-plane connection and translates
// conversation lifecycle events into agent session lifecycles. It enforces
// at most one live session per conversation and isolates every session
// failure from its siblings and from the control plane.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/conversimple/conversimple-go/agent"
	"github.com/conversimple/conversimple-go/audit"
	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/logging"
	"github.com/conversimple/conversimple-go/platform"
)

// defaultStopTimeout bounds a single session's teardown.
const defaultStopTimeout = 10 * time.Second

// Conn is the slice of platform.Connection the dispatcher uses.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(event string, payload any) error
	SetMessageHandler(platform.MessageHandler)
	SetConnectionHandler(platform.ConnectionHandler)
	State() platform.State
}

// Session is the supervised per-conversation unit of work.
type Session interface {
	Start(ctx context.Context, conversationID string) error
	Stop(ctx context.Context) error
}

// SessionFactory builds a session for one conversation's agent instance.
type SessionFactory func(agentID string, impl core.Agent) (Session, error)

// Options configures a Dispatcher.
type Options struct {
	Config   *config.Config
	Registry *core.AgentRegistry
	Bus      core.EventBus // optional
	Audit    *audit.Store  // optional
	Logger   *slog.Logger

	// ControlConn overrides control-plane connection construction (tests).
	ControlConn Conn
	// NewSession overrides session construction (tests).
	NewSession SessionFactory
}

// session tracks one live conversation. The supervising goroutine closes
// done when the agent's startup task terminates, successfully or not.
type session struct {
	id             string // ULID, unique per session incarnation
	conversationID string
	agentID        string
	runtime        Session
	cancel         context.CancelFunc
	done           chan struct{}
}

// Dispatcher is the session orchestrator.
type Dispatcher struct {
	registry   *core.AgentRegistry
	conn       Conn
	bus        core.EventBus
	audit      *audit.Store
	logger     *slog.Logger
	newSession SessionFactory

	mu       sync.Mutex
	sessions map[string]*session
	runCtx   context.Context
	started  bool
	stopping bool
}

// New creates a Dispatcher. The control-plane connection is constructed from
// the config unless overridden.
func New(opts Options) *Dispatcher {
	logger := logging.OrDiscard(opts.Logger)

	d := &Dispatcher{
		registry:   opts.Registry,
		conn:       opts.ControlConn,
		bus:        opts.Bus,
		audit:      opts.Audit,
		logger:     logger,
		newSession: opts.NewSession,
		sessions:   make(map[string]*session),
	}

	if d.conn == nil {
		d.conn = platform.New(platform.OptionsFromConfig(opts.Config.Platform), opts.Bus, logger)
	}
	if d.newSession == nil {
		d.newSession = func(agentID string, impl core.Agent) (Session, error) {
			return agent.NewRuntime(impl, agent.Options{
				AgentID:  agentID,
				Platform: platform.OptionsFromConfig(opts.Config.Platform),
				Tools:    opts.Config.Tools,
				Bus:      opts.Bus,
				Audit:    opts.Audit,
				Logger:   logger,
			})
		}
	}
	return d
}

// Start establishes the control-plane connection. Safe to call once; the
// observable effect is a single Connected state.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.runCtx = ctx
	d.mu.Unlock()

	d.conn.SetMessageHandler(d.handleControlEvent)
	d.conn.SetConnectionHandler(d.handleConnectionEvent)

	d.logger.Info("starting dispatcher", "agents", d.registry.IDs())
	return core.WrapOp("Dispatcher.Start", d.conn.Connect(ctx))
}

// Stop stops all active sessions concurrently — one session's failure never
// blocks another's teardown — then disconnects the control plane. Returns
// after every supervising task has completed or been cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	// Gate new sessions: a conversation_ready racing the sweep below must
	// not repopulate the table after Stop returns.
	d.stopping = true
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher", "sessions", len(ids))

	var wg sync.WaitGroup
	for _, conversationID := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// A session already removed by a concurrent conversation_ended
			// is not an error here.
			_ = d.endSession(ctx, id, audit.SessionEnded)
		}(conversationID)
	}
	wg.Wait()

	return core.WrapOp("Dispatcher.Stop", d.conn.Disconnect())
}

// SessionCount returns the number of live sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// HasSession reports whether a conversation has a live session.
func (d *Dispatcher) HasSession(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[conversationID]
	return ok
}

// handleControlEvent routes inbound control-plane frames. Malformed frames
// are dropped with a warning; they never affect session state or the
// connection.
func (d *Dispatcher) handleControlEvent(event string, payload json.RawMessage) {
	ev, err := platform.DecodeControl(platform.Frame{Event: event, Payload: payload})
	if err != nil {
		d.logger.Warn("malformed control event dropped", "event", event, "error", err)
		return
	}

	switch ev := ev.(type) {
	case platform.ConversationReady:
		d.handleConversationReady(ev)

	case platform.ConversationLifecycle:
		if ev.Event != platform.LifecycleConversationEnded || ev.ConversationID == "" {
			d.logger.Debug("lifecycle event ignored", "event", ev.Event)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		defer cancel()
		if err := d.endSession(ctx, ev.ConversationID, audit.SessionEnded); err != nil {
			d.logger.Debug("no session for ended conversation",
				"conversation_id", ev.ConversationID)
		}

	case platform.ConnectionWarning:
		d.logger.Warn("platform connection warning", "message", ev.Message)
		d.publish(core.EventConnectionWarning, "", map[string]string{"message": ev.Message})

	case platform.ConfigUpdate:
		d.logger.Debug("config update ignored")

	case platform.Unknown:
		d.logger.Debug("unknown control event ignored", "event", ev.Event)
	}
}

func (d *Dispatcher) handleConversationReady(ev platform.ConversationReady) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		d.logger.Info("dispatcher stopping, conversation ignored",
			"conversation_id", ev.ConversationID)
		return
	}
	if _, exists := d.sessions[ev.ConversationID]; exists {
		d.mu.Unlock()
		d.logger.Info("conversation already has an active session",
			"conversation_id", ev.ConversationID)
		return
	}

	desc, ok := d.registry.Get(ev.AgentID)
	if !ok {
		d.mu.Unlock()
		d.logger.Error("no agent registered for conversation",
			"agent_id", ev.AgentID, "conversation_id", ev.ConversationID)
		return
	}

	impl, err := desc.Factory()
	if err != nil {
		d.mu.Unlock()
		d.logger.Error("agent factory failed",
			"agent_id", ev.AgentID, "conversation_id", ev.ConversationID, "error", err)
		return
	}

	runtime, err := d.newSession(ev.AgentID, impl)
	if err != nil {
		d.mu.Unlock()
		d.logger.Error("session construction failed",
			"agent_id", ev.AgentID, "conversation_id", ev.ConversationID, "error", err)
		return
	}

	sessCtx, cancel := context.WithCancel(d.runCtx)
	s := &session{
		id:             ulid.Make().String(),
		conversationID: ev.ConversationID,
		agentID:        ev.AgentID,
		runtime:        runtime,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	d.sessions[ev.ConversationID] = s
	d.mu.Unlock()

	if d.audit != nil {
		if aerr := d.audit.RecordSessionStart(context.Background(), s.id, ev.ConversationID, ev.AgentID); aerr != nil {
			d.logger.Warn("audit write failed", "error", aerr)
		}
	}

	go d.supervise(sessCtx, s)
}

// supervise runs one session's startup task. A startup failure removes the
// session entry so the conversation is never stuck "has a session"; the
// failure is logged, not re-raised.
func (d *Dispatcher) supervise(ctx context.Context, s *session) {
	defer close(s.done)

	d.logger.Info("starting agent session",
		"session_id", s.id, "agent_id", s.agentID, "conversation_id", s.conversationID)

	if err := s.runtime.Start(ctx, s.conversationID); err != nil {
		d.logger.Error("agent session failed to start",
			"session_id", s.id, "agent_id", s.agentID, "conversation_id", s.conversationID, "error", err)

		d.mu.Lock()
		if cur, ok := d.sessions[s.conversationID]; ok && cur == s {
			delete(d.sessions, s.conversationID)
		}
		d.mu.Unlock()

		if d.audit != nil {
			if aerr := d.audit.RecordSessionEnd(context.Background(), s.conversationID, audit.SessionFailed); aerr != nil {
				d.logger.Warn("audit write failed", "error", aerr)
			}
		}
		d.publish(core.EventSessionFailed, s.conversationID, map[string]string{
			"session_id": s.id,
			"agent_id":   s.agentID,
			"error":      err.Error(),
		})
		return
	}

	d.publish(core.EventSessionStarted, s.conversationID, map[string]string{
		"session_id": s.id,
		"agent_id":   s.agentID,
	})
}

// endSession removes and tears down one session. Stop errors are caught and
// logged, never propagated; only a missing session is reported, as
// ErrSessionNotFound. The supervising task is cancelled and awaited.
func (d *Dispatcher) endSession(ctx context.Context, conversationID, status string) error {
	d.mu.Lock()
	s, ok := d.sessions[conversationID]
	if ok {
		delete(d.sessions, conversationID)
	}
	d.mu.Unlock()

	if !ok {
		return core.NewDomainError("Dispatcher.endSession", core.ErrSessionNotFound, conversationID)
	}

	d.logger.Info("stopping agent session",
		"session_id", s.id, "agent_id", s.agentID, "conversation_id", conversationID)

	if err := s.runtime.Stop(ctx); err != nil {
		d.logger.Error("error stopping agent session",
			"agent_id", s.agentID, "conversation_id", conversationID, "error", err)
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		d.logger.Warn("session supervising task did not finish before deadline",
			"conversation_id", conversationID)
	}

	if d.audit != nil {
		if aerr := d.audit.RecordSessionEnd(context.Background(), conversationID, status); aerr != nil {
			d.logger.Warn("audit write failed", "error", aerr)
		}
	}
	d.publish(core.EventSessionEnded, conversationID, map[string]string{
		"session_id": s.id,
		"agent_id":   s.agentID,
	})
	return nil
}

func (d *Dispatcher) handleConnectionEvent(event platform.ConnectionEvent, err error) {
	switch event {
	case platform.ConnConnected:
		d.logger.Info("control plane connected")
	case platform.ConnDisconnected:
		d.logger.Info("control plane disconnected", "error", err)
	case platform.ConnError:
		d.logger.Warn("control plane connection error", "error", err)
	case platform.ConnPermanentError:
		// Terminal: operator intervention (credential rotation) required.
		d.logger.Error("control plane permanently failed", "error", err)
	}
}

func (d *Dispatcher) publish(t core.EventType, conversationID string, payload any) {
	if d.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	d.bus.Publish(context.Background(), core.Event{
		Type:           t,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        raw,
	})
}
