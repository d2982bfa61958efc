// Package agent runs one conversation's agent instance: its own platform
// connection, its immutable tool registry, and the tool_call serving loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conversimple/conversimple-go/audit"
	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/logging"
	"github.com/conversimple/conversimple-go/platform"
	"github.com/conversimple/conversimple-go/tool"
)

// Conn is the slice of platform.Connection the runtime uses. Satisfied by
// *platform.Connection; narrowed for testability.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(event string, payload any) error
	SetMessageHandler(platform.MessageHandler)
	SetConnectionHandler(platform.ConnectionHandler)
	State() platform.State
}

// ConnFactory builds the session-plane connection for a conversation.
type ConnFactory func(conversationID string) Conn

// Options configures a Runtime.
type Options struct {
	AgentID  string
	Platform platform.Options
	Tools    config.ToolsConfig
	Bus      core.EventBus   // optional
	Audit    *audit.Store    // optional
	Logger   *slog.Logger
	// Dial overrides session connection construction (tests).
	Dial ConnFactory
}

// Runtime supervises a single conversation's agent instance. Created by the
// dispatcher per conversation_ready event; the tool table is built here,
// once, from the agent's registrations.
type Runtime struct {
	impl     core.Agent
	agentID  string
	registry *tool.Registry
	bus      core.EventBus
	audit    *audit.Store
	logger   *slog.Logger
	limiter  *rate.Limiter
	dial     ConnFactory

	mu             sync.Mutex
	conversationID string
	conn           Conn
	cancel         context.CancelFunc
	ctx            context.Context
	started        bool
	stopped        bool

	calls sync.WaitGroup
}

// NewRuntime constructs the runtime and builds the agent's tool table.
// Registration failures (duplicate names, invalid params) surface here, not
// at call time.
func NewRuntime(impl core.Agent, opts Options) (*Runtime, error) {
	logger := logging.OrDiscard(opts.Logger).With("agent_id", opts.AgentID)

	registry := tool.NewRegistry(opts.Tools, logger)
	if err := impl.RegisterTools(registry); err != nil {
		return nil, core.WrapOp("Runtime: register tools", err)
	}

	var limiter *rate.Limiter
	if opts.Tools.RateLimitPerMin > 0 {
		limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(opts.Tools.RateLimitPerMin)),
			opts.Tools.RateBurst,
		)
	}

	rt := &Runtime{
		impl:     impl,
		agentID:  opts.AgentID,
		registry: registry,
		bus:      opts.Bus,
		audit:    opts.Audit,
		logger:   logger,
		limiter:  limiter,
		dial:     opts.Dial,
	}
	if rt.dial == nil {
		platformOpts := opts.Platform
		bus := opts.Bus
		rt.dial = func(conversationID string) Conn {
			po := platformOpts
			po.ConversationID = conversationID
			return platform.New(po, bus, logger)
		}
	}
	return rt, nil
}

// Registry exposes the built tool table (capability advertisement, tests).
func (rt *Runtime) Registry() *tool.Registry { return rt.registry }

// Start opens the per-conversation connection, advertises the agent's tools,
// and begins serving tool calls. Blocks until the connection is established
// or fails.
func (rt *Runtime) Start(ctx context.Context, conversationID string) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return core.NewDomainError("Runtime.Start", core.ErrSessionDuplicate, conversationID)
	}
	rt.started = true
	rt.conversationID = conversationID
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	rt.conn = rt.dial(conversationID)
	conn := rt.conn
	runCtx := rt.ctx
	cancel := rt.cancel
	rt.mu.Unlock()

	conn.SetMessageHandler(rt.handleMessage)
	conn.SetConnectionHandler(rt.handleConnectionEvent)

	if err := conn.Connect(runCtx); err != nil {
		rt.abortStart(cancel, conn)
		return core.WrapOp("Runtime.Start", err)
	}

	if err := conn.Send(platform.EventToolsRegister, platform.ToolsRegisterPayload{
		ConversationID: conversationID,
		AgentID:        rt.agentID,
		Tools:          rt.registry.Schemas(),
	}); err != nil {
		rt.abortStart(cancel, conn)
		return core.WrapOp("Runtime.Start: advertise tools", err)
	}

	rt.logger.Info("agent session started",
		"conversation_id", conversationID,
		"tools", rt.registry.Len(),
	)

	if l, ok := rt.impl.(core.ConversationListener); ok {
		l.OnConversationStarted(conversationID)
	}
	return nil
}

// abortStart releases everything a failed Start acquired after dialing. The
// connection may hold a live socket and its pump goroutines even when a later
// step failed, so it must be torn down here; Stop is never called for a
// session that failed to start.
func (rt *Runtime) abortStart(cancel context.CancelFunc, conn Conn) {
	rt.mu.Lock()
	rt.stopped = true
	rt.mu.Unlock()

	cancel()
	if err := conn.Disconnect(); err != nil {
		rt.logger.Warn("disconnect after failed start", "error", err)
	}
}

// Stop tears the session down: cancels in-flight tool calls, waits for them
// to drain (bounded by ctx), fires the ended callback, and disconnects.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started || rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	cancel := rt.cancel
	conn := rt.conn
	conversationID := rt.conversationID
	rt.mu.Unlock()

	cancel()

	drained := make(chan struct{})
	go func() {
		rt.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		rt.logger.Warn("stopping with tool calls still in flight", "conversation_id", conversationID)
	}

	if l, ok := rt.impl.(core.ConversationListener); ok {
		l.OnConversationEnded(conversationID)
	}

	err := conn.Disconnect()
	rt.logger.Info("agent session stopped", "conversation_id", conversationID)
	return err
}

// ConversationID returns the conversation this runtime serves.
func (rt *Runtime) ConversationID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.conversationID
}

func (rt *Runtime) handleMessage(event string, payload json.RawMessage) {
	switch event {
	case platform.EventToolCall:
		call, err := platform.DecodeToolCall(payload)
		if err != nil {
			rt.logger.Warn("malformed tool_call dropped", "error", err)
			return
		}
		rt.mu.Lock()
		runCtx := rt.ctx
		stopped := rt.stopped
		rt.mu.Unlock()
		if stopped {
			return
		}
		// Tool handlers run off the read loop so a slow handler cannot
		// stall inbound traffic; results flow back through the FIFO
		// send queue.
		rt.calls.Add(1)
		go rt.serveCall(runCtx, call)

	case platform.EventConversationLifecycle, platform.EventConfigUpdate:
		rt.logger.Debug("session event ignored", "event", event)

	default:
		rt.logger.Debug("unknown session event", "event", event)
	}
}

func (rt *Runtime) serveCall(ctx context.Context, call core.ToolCall) {
	defer rt.calls.Done()

	if rt.limiter != nil {
		if err := rt.limiter.Wait(ctx); err != nil {
			rt.sendResult(core.ToolFailure(call.CallID, core.CodeToolExecution, "session stopping"), call.ToolName)
			return
		}
	}

	if o, ok := rt.impl.(core.ToolObserver); ok {
		o.OnToolCalled(call)
	}
	rt.publishToolEvent(core.EventToolCallStarted, call.ToolName, call.CallID, true)

	started := time.Now()
	result := rt.registry.Execute(ctx, call)

	rt.publishToolEvent(core.EventToolCallCompleted, call.ToolName, call.CallID, result.Succeeded())
	if rt.audit != nil {
		rec := audit.ToolCallRecord{
			ConversationID: rt.ConversationID(),
			AgentID:        rt.agentID,
			CallID:         call.CallID,
			ToolName:       call.ToolName,
			Succeeded:      result.Succeeded(),
			Duration:       time.Since(started),
		}
		if result.Err != nil {
			rec.Detail = result.Err.Message
		}
		if err := rt.audit.RecordToolCall(ctx, rec); err != nil {
			rt.logger.Warn("audit write failed", "error", err)
		}
	}

	if o, ok := rt.impl.(core.ToolObserver); ok {
		o.OnToolCompleted(result)
	}

	rt.sendResult(result, call.ToolName)
}

func (rt *Runtime) sendResult(result core.ToolResult, toolName string) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	payload := platform.ToolResultPayload{
		CallID:   result.CallID,
		ToolName: toolName,
		Result:   result.Value,
		Error:    result.Err,
	}
	if err := conn.Send(platform.EventToolResult, payload); err != nil {
		rt.logger.Warn("failed to send tool result", "call_id", result.CallID, "error", err)
	}
}

func (rt *Runtime) handleConnectionEvent(event platform.ConnectionEvent, err error) {
	switch event {
	case platform.ConnPermanentError:
		rt.logger.Error("session connection permanently failed", "error", err)
		if l, ok := rt.impl.(core.ErrorListener); ok {
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			l.OnError(core.ErrorCodeOf(err), msg)
		}
	case platform.ConnError:
		rt.logger.Warn("session connection error", "error", err)
	case platform.ConnConnected, platform.ConnDisconnected:
		rt.logger.Debug("session connection state", "event", string(event))
	}
}

func (rt *Runtime) publishToolEvent(t core.EventType, toolName, callID string, ok bool) {
	if rt.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"tool":    toolName,
		"call_id": callID,
		"ok":      ok,
	})
	if err != nil {
		return
	}
	rt.bus.Publish(context.Background(), core.Event{
		Type:           t,
		Timestamp:      time.Now(),
		ConversationID: rt.ConversationID(),
		Payload:        payload,
	})
}

// String implements fmt.Stringer for log readability.
func (rt *Runtime) String() string {
	return fmt.Sprintf("runtime(%s/%s)", rt.agentID, rt.ConversationID())
}
