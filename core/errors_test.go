package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError(t *testing.T) {
	err := NewDomainError("Connection.Send", ErrNotConnected, "tool_result")
	assert.Equal(t, "Connection.Send: tool_result: not connected", err.Error())
	assert.ErrorIs(t, err, ErrNotConnected)

	bare := NewDomainError("Registry.Register", ErrToolDuplicate, "")
	assert.Equal(t, "Registry.Register: tool already registered", bare.Error())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	wrapped := WrapOp("Runtime.Start", ErrSessionDuplicate)
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, ErrSessionDuplicate)
	assert.Contains(t, wrapped.Error(), "Runtime.Start")
}

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{ErrNotConnected, CodeNotConnected},
		{ErrCircuitOpen, CodeCircuitOpen},
		{ErrRetryExhausted, CodeRetryExhausted},
		{ErrProtocol, CodeProtocolError},
		{ErrAuthInvalid, CodeAuthFailed},
		{ErrCustomerSuspended, CodeCustomerSuspended},
		{ErrToolNotFound, CodeToolNotFound},
		{ErrSessionNotFound, CodeSessionNotFound},
		{NewDomainError("op", ErrAuthInvalid, "detail"), CodeAuthFailed},
		{fmt.Errorf("outer: %w", ErrCircuitOpen), CodeCircuitOpen},
		{errors.New("something else"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCodeOf(tc.err), "err=%v", tc.err)
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrAuthInvalid))
	assert.True(t, IsPermanent(ErrCustomerSuspended))
	assert.True(t, IsPermanent(NewDomainError("op", ErrAuthInvalid, "")))
	assert.False(t, IsPermanent(ErrNotConnected))
	assert.False(t, IsPermanent(ErrRetryExhausted))
	assert.False(t, IsPermanent(nil))
}
