package core

import (
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ToolRegistrar is the registration surface handed to an Agent during startup.
// It is implemented by the tool registry.
type ToolRegistrar interface {
	// Register adds a tool definition. Registration fails on a duplicate name.
	Register(def ToolDefinition) error
}

// ToolDefinition declares a single tool exposed by an agent.
type ToolDefinition struct {
	Name        string
	Description string
	// Async marks handlers that suspend (network calls, timers). Async
	// handlers receive a cancellable context tied to the session.
	Async   bool
	Params  []Param
	Handler ToolHandler
}

// Agent is implemented by developer-authored conversational agents.
// RegisterTools is called exactly once, at session construction time; the
// resulting tool table is immutable for the lifetime of the session.
type Agent interface {
	RegisterTools(reg ToolRegistrar) error
}

// ConversationListener is optionally implemented by agents that want
// lifecycle callbacks.
type ConversationListener interface {
	OnConversationStarted(conversationID string)
	OnConversationEnded(conversationID string)
}

// ErrorListener is optionally implemented by agents that want error
// notifications, including circuit breaker trips.
type ErrorListener interface {
	OnError(code ErrorCode, message string)
}

// ToolObserver is optionally implemented by agents that want to observe tool
// invocations on their session.
type ToolObserver interface {
	OnToolCalled(call ToolCall)
	OnToolCompleted(result ToolResult)
}

// AgentFactory constructs a fresh agent instance for one conversation.
type AgentFactory func() (Agent, error)

// AgentDescriptor maps an agent identifier to its constructor. Immutable
// once registered.
type AgentDescriptor struct {
	ID      string
	Factory AgentFactory
}

// AgentRegistry is an explicit lookup table from agent id to descriptor,
// built at startup. It replaces the directory-scanning discovery of earlier
// SDKs with static registration.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentDescriptor
	logger *slog.Logger
}

// NewAgentRegistry creates an empty agent registry.
func NewAgentRegistry(logger *slog.Logger) *AgentRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AgentRegistry{
		agents: make(map[string]AgentDescriptor),
		logger: logger,
	}
}

// Register adds a descriptor. The first registration for an id wins; a later
// duplicate is rejected with ErrAgentDuplicate and logged.
func (r *AgentRegistry) Register(d AgentDescriptor) error {
	if d.ID == "" {
		return NewDomainError("AgentRegistry.Register", ErrAgentNotFound, "empty agent id")
	}
	if d.Factory == nil {
		return NewDomainError("AgentRegistry.Register", ErrAgentNotFound, "nil factory for "+d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[d.ID]; exists {
		r.logger.Warn("duplicate agent registration ignored", "agent_id", d.ID)
		return NewDomainError("AgentRegistry.Register", ErrAgentDuplicate, d.ID)
	}

	r.agents[d.ID] = d
	r.logger.Info("agent registered", "agent_id", d.ID)
	return nil
}

// Get retrieves a descriptor by agent id.
func (r *AgentRegistry) Get(agentID string) (AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	return d, ok
}

// IDs returns the registered agent ids in sorted order.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
