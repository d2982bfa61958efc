package platform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversimple/conversimple-go/core"
)

func TestDecodeControlConversationReady(t *testing.T) {
	f := Frame{
		Event:   EventConversationReady,
		Payload: json.RawMessage(`{"conversation_id":"conv-1","agent_id":"weather-agent"}`),
	}

	ev, err := DecodeControl(f)
	require.NoError(t, err)

	ready, ok := ev.(ConversationReady)
	require.True(t, ok)
	assert.Equal(t, "conv-1", ready.ConversationID)
	assert.Equal(t, "weather-agent", ready.AgentID)
}

func TestDecodeControlConversationReadyMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing conversation_id", `{"agent_id":"a"}`},
		{"missing agent_id", `{"conversation_id":"c"}`},
		{"not json", `{{{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeControl(Frame{
				Event:   EventConversationReady,
				Payload: json.RawMessage(tc.payload),
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrProtocol)
		})
	}
}

func TestDecodeControlLifecycle(t *testing.T) {
	ev, err := DecodeControl(Frame{
		Event:   EventConversationLifecycle,
		Payload: json.RawMessage(`{"event":"conversation_ended","conversation_id":"conv-2"}`),
	})
	require.NoError(t, err)

	lc, ok := ev.(ConversationLifecycle)
	require.True(t, ok)
	assert.Equal(t, LifecycleConversationEnded, lc.Event)
	assert.Equal(t, "conv-2", lc.ConversationID)
}

func TestDecodeControlError(t *testing.T) {
	ev, err := DecodeControl(Frame{
		Event:   EventError,
		Payload: json.RawMessage(`{"code":"AUTH_FAILED","message":"bad key"}`),
	})
	require.NoError(t, err)

	pe, ok := ev.(PlatformError)
	require.True(t, ok)
	assert.Equal(t, core.CodeAuthFailed, pe.Code)
	assert.Equal(t, "bad key", pe.Message)
}

func TestDecodeControlUnknownEvent(t *testing.T) {
	ev, err := DecodeControl(Frame{Event: "telemetry_snapshot", Payload: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)

	u, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "telemetry_snapshot", u.Event)
}

func TestDecodeToolCall(t *testing.T) {
	call, err := DecodeToolCall(json.RawMessage(`{"call_id":"c1","tool_name":"get_weather","arguments":{"location":"Paris"}}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", call.CallID)
	assert.Equal(t, "get_weather", call.ToolName)

	_, err = DecodeToolCall(json.RawMessage(`{"tool_name":"get_weather"}`))
	assert.ErrorIs(t, err, core.ErrProtocol)

	_, err = DecodeToolCall(json.RawMessage(`not json`))
	assert.ErrorIs(t, err, core.ErrProtocol)
}
