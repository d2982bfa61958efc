package core

import (
	"context"
	"encoding/json"
)

// ParamType is the JSON-schema type category of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
	// ParamAny is the fallback for unannotated or unsupported parameter types.
	// It places no type constraint on the argument.
	ParamAny ParamType = "any"
)

// Param declares a single tool parameter. A parameter is required iff it has
// no default value.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
	HasDefault  bool      `json:"-"`
}

// Required reports whether the parameter must be supplied by the caller.
func (p Param) Required() bool { return !p.HasDefault }

// ToolHandler executes a tool call. Arguments are bound by parameter name.
// Handlers declared asynchronous should honor ctx cancellation.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolSchema is the public projection of a registered tool, advertised to the
// platform for function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the platform's request to invoke a tool on a conversation.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolError describes a failed tool call.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ToolResult is the outcome of executing a tool call. Exactly one of Value
// and Err is meaningful: Err == nil means success.
type ToolResult struct {
	CallID string     `json:"call_id"`
	Value  any        `json:"result,omitempty"`
	Err    *ToolError `json:"error,omitempty"`
}

// Succeeded reports whether the call completed without error.
func (r ToolResult) Succeeded() bool { return r.Err == nil }

// ToolSuccess builds a successful result.
func ToolSuccess(callID string, value any) ToolResult {
	return ToolResult{CallID: callID, Value: value}
}

// ToolFailure builds a failed result.
func ToolFailure(callID string, code ErrorCode, message string) ToolResult {
	return ToolResult{CallID: callID, Err: &ToolError{Code: code, Message: message}}
}
