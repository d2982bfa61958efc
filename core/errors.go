package core

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewDomainError to add operation context.
var (
	ErrNotConnected   = fmt.Errorf("not connected")
	ErrCircuitOpen    = fmt.Errorf("circuit open")
	ErrRetryExhausted = fmt.Errorf("retry budget exhausted")
	ErrProtocol       = fmt.Errorf("protocol error")

	// Permanent connection failures. Either trips the circuit breaker.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrCustomerSuspended = fmt.Errorf("customer suspended")

	// Registry errors.
	ErrToolNotFound   = fmt.Errorf("tool not found")
	ErrToolDuplicate  = fmt.Errorf("tool already registered")
	ErrToolFailure    = fmt.Errorf("tool execution failed")
	ErrAgentNotFound  = fmt.Errorf("agent not found")
	ErrAgentDuplicate = fmt.Errorf("agent already registered")

	// Session errors.
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionDuplicate = fmt.Errorf("session already active")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return core.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category. Codes for connection
// failures mirror the platform's wire-level error codes so that inbound
// error events map onto the same taxonomy.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	CodeProtocolError     ErrorCode = "PROTOCOL_ERROR"
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeCustomerSuspended ErrorCode = "CUSTOMER_SUSPENDED"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeToolExecution     ErrorCode = "TOOL_EXECUTION_ERROR"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionDuplicate  ErrorCode = "SESSION_DUPLICATE"
	CodeAgentStartup      ErrorCode = "AGENT_STARTUP_ERROR"
)

var codeMap = map[error]ErrorCode{
	ErrNotConnected:      CodeNotConnected,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrRetryExhausted:    CodeRetryExhausted,
	ErrProtocol:          CodeProtocolError,
	ErrAuthInvalid:       CodeAuthFailed,
	ErrCustomerSuspended: CodeCustomerSuspended,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolExecution,
	ErrAgentNotFound:     CodeAgentNotFound,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrSessionDuplicate:  CodeSessionDuplicate,
}

// ErrorCodeOf maps an error to its machine code. Unknown errors map to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	for sentinel, code := range codeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// IsPermanent reports whether err is a permanent connection failure that must
// trip the circuit breaker rather than be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuthInvalid) || errors.Is(err, ErrCustomerSuspended)
}
