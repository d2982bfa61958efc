package platform

import (
	"encoding/json"

	"github.com/conversimple/conversimple-go/core"
)

// Wire-level event names exchanged with the platform.
const (
	EventConversationReady     = "conversation_ready"
	EventConversationLifecycle = "conversation_lifecycle"
	EventConnectionWarning     = "connection_warning"
	EventConfigUpdate          = "config_update"
	EventToolCall              = "tool_call"
	EventToolResult            = "tool_result"
	EventToolsRegister         = "tools_register"
	EventError                 = "error"

	// LifecycleConversationEnded is the conversation_lifecycle sub-event that
	// terminates a session.
	LifecycleConversationEnded = "conversation_ended"
)

// Frame is the envelope exchanged with the platform over the WebSocket.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ControlEvent is the decoded, tagged form of an inbound control-plane frame.
// Unrecognized events decode to Unknown rather than failing, for forward
// compatibility.
type ControlEvent interface {
	controlEvent()
}

// ConversationReady announces a new conversation that needs an agent.
type ConversationReady struct {
	ConversationID string          `json:"conversation_id"`
	AgentID        string          `json:"agent_id"`
	Raw            json.RawMessage `json:"-"`
}

// ConversationLifecycle carries conversation state transitions.
type ConversationLifecycle struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

// ConnectionWarning is an advisory message from the platform.
type ConnectionWarning struct {
	Message string `json:"message"`
}

// ConfigUpdate carries platform-side configuration changes. The orchestrator
// ignores it.
type ConfigUpdate struct {
	Raw json.RawMessage `json:"-"`
}

// PlatformError is an error event delivered on an established connection.
// Permanent codes trip the circuit breaker.
type PlatformError struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// Unknown wraps an unrecognized event with its raw payload.
type Unknown struct {
	Event string
	Raw   json.RawMessage
}

func (ConversationReady) controlEvent()     {}
func (ConversationLifecycle) controlEvent() {}
func (ConnectionWarning) controlEvent()     {}
func (ConfigUpdate) controlEvent()          {}
func (PlatformError) controlEvent()         {}
func (Unknown) controlEvent()               {}

// DecodeControl converts a frame into its tagged variant. A frame whose
// payload cannot be decoded, or a conversation_ready missing its required
// identifiers, yields core.ErrProtocol; callers drop such frames with a
// warning and keep the connection alive.
func DecodeControl(f Frame) (ControlEvent, error) {
	switch f.Event {
	case EventConversationReady:
		var ev ConversationReady
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, err.Error())
		}
		if ev.ConversationID == "" {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, "conversation_ready missing conversation_id")
		}
		if ev.AgentID == "" {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, "conversation_ready missing agent_id")
		}
		ev.Raw = f.Payload
		return ev, nil

	case EventConversationLifecycle:
		var ev ConversationLifecycle
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, err.Error())
		}
		return ev, nil

	case EventConnectionWarning:
		var ev ConnectionWarning
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, err.Error())
		}
		return ev, nil

	case EventConfigUpdate:
		return ConfigUpdate{Raw: f.Payload}, nil

	case EventError:
		var ev PlatformError
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return nil, core.NewDomainError("DecodeControl", core.ErrProtocol, err.Error())
		}
		return ev, nil

	default:
		return Unknown{Event: f.Event, Raw: f.Payload}, nil
	}
}

// ToolsRegisterPayload advertises a session's callable tools to the platform.
type ToolsRegisterPayload struct {
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	Tools          []core.ToolSchema `json:"tools"`
}

// ToolResultPayload is the outbound tool_result event payload.
type ToolResultPayload struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Result   any             `json:"result,omitempty"`
	Error    *core.ToolError `json:"error,omitempty"`
}

// DecodeToolCall parses a tool_call payload. Missing identifiers yield
// core.ErrProtocol.
func DecodeToolCall(payload json.RawMessage) (core.ToolCall, error) {
	var call core.ToolCall
	if err := json.Unmarshal(payload, &call); err != nil {
		return core.ToolCall{}, core.NewDomainError("DecodeToolCall", core.ErrProtocol, err.Error())
	}
	if call.CallID == "" || call.ToolName == "" {
		return core.ToolCall{}, core.NewDomainError("DecodeToolCall", core.ErrProtocol, "tool_call missing call_id or tool_name")
	}
	return call, nil
}
