// Package tool implements the per-agent tool registry: schema derivation
// from declared tool definitions, argument validation, and fault-isolated
// execution. A registry is built once at agent construction time and is
// immutable once the session starts serving calls.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/logging"
	"github.com/conversimple/conversimple-go/tracing"
)

// entry is one registered tool with its derived artifacts.
type entry struct {
	def      core.ToolDefinition
	schema   core.ToolSchema
	compiled *jsonschema.Schema
	breaker  *gobreaker.CircuitBreaker[any]
}

// Registry holds an agent's tools. It implements core.ToolRegistrar.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]*entry
	cfg    config.ToolsConfig
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(cfg config.ToolsConfig, logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
	}
}

// Register adds a tool definition. Registration is rejected on a duplicate
// name, a nil handler, or an invalid parameter list. A schema that fails to
// compile for validation is logged and the tool registered unvalidated.
func (r *Registry) Register(def core.ToolDefinition) error {
	if def.Name == "" {
		return core.NewDomainError("Registry.Register", core.ErrToolNotFound, "empty tool name")
	}
	if def.Handler == nil {
		return core.NewDomainError("Registry.Register", core.ErrToolFailure, "nil handler for "+def.Name)
	}

	schema, err := Schema(def)
	if err != nil {
		return core.WrapOp("Registry.Register", err)
	}

	e := &entry{def: def, schema: schema}

	if r.cfg.Validation {
		compiled, cerr := compileSchema(def.Name, schema.Parameters)
		if cerr != nil {
			r.logger.Warn("schema validation disabled for tool", "tool", def.Name, "error", cerr)
		} else {
			e.compiled = compiled
		}
	}
	if r.cfg.Breaker.Enabled {
		e.breaker = newBreaker(def.Name, r.cfg.Breaker, r.logger)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return core.NewDomainError("Registry.Register", core.ErrToolDuplicate, def.Name)
	}
	r.tools[def.Name] = e
	r.order = append(r.order, def.Name)

	r.logger.Debug("tool registered", "tool", def.Name, "async", def.Async, "params", len(def.Params))
	return nil
}

// Schemas returns the public projections of all tools in registration order.
// This is the capability list advertised to the platform.
func (r *Registry) Schemas() []core.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].schema)
	}
	return out
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []core.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute looks up and runs a tool call, returning a structured result. It
// never panics and never propagates a handler failure: unknown names map to
// TOOL_NOT_FOUND, everything the handler does wrong maps to
// TOOL_EXECUTION_ERROR.
func (r *Registry) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	r.mu.RLock()
	e, ok := r.tools[call.ToolName]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("tool call for unknown tool", "tool", call.ToolName, "call_id", call.CallID)
		return core.ToolFailure(call.CallID, core.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", call.ToolName))
	}

	ctx, span := tracing.StartSpan(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		tracing.StringAttr("tool.name", call.ToolName),
		tracing.StringAttr("tool.call_id", call.CallID),
		tracing.BoolAttr("tool.async", e.def.Async),
	)

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		tracing.RecordError(span, err)
		return core.ToolFailure(call.CallID, core.CodeToolExecution, "invalid arguments: "+err.Error())
	}

	if e.compiled != nil {
		if verr := validateArgs(e.compiled, args); verr != nil {
			tracing.RecordError(span, verr)
			return core.ToolFailure(call.CallID, core.CodeToolExecution, "argument validation failed: "+verr.Error())
		}
	}

	applyDefaults(e.def.Params, args)

	if timeout := r.cfg.ExecTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var value any
	if e.breaker != nil {
		value, err = e.breaker.Execute(func() (any, error) {
			return safeInvoke(ctx, e.def.Handler, args)
		})
	} else {
		value, err = safeInvoke(ctx, e.def.Handler, args)
	}

	if err != nil {
		r.logger.Warn("tool execution failed", "tool", call.ToolName, "call_id", call.CallID, "error", err)
		tracing.RecordError(span, err)
		return core.ToolFailure(call.CallID, core.CodeToolExecution, err.Error())
	}

	tracing.SetOK(span)
	return core.ToolSuccess(call.CallID, value)
}

// safeInvoke runs a handler with panic containment. A panicking handler is
// reported as an execution error, not crashed through the registry boundary.
func safeInvoke(ctx context.Context, h core.ToolHandler, args map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = fmt.Errorf("tool handler panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// applyDefaults fills declared defaults for parameters the caller omitted.
// Runs after validation so a bad default can never mask a caller error.
func applyDefaults(params []core.Param, args map[string]any) {
	for _, p := range params {
		if !p.HasDefault {
			continue
		}
		if _, present := args[p.Name]; !present {
			args[p.Name] = p.Default
		}
	}
}
