package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversimple/conversimple-go/audit"
	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/platform"
)

type nopAgent struct{}

func (nopAgent) RegisterTools(core.ToolRegistrar) error { return nil }

// fakeControl stands in for the control-plane connection.
type fakeControl struct {
	mu           sync.Mutex
	msgHandler   platform.MessageHandler
	connHandler  platform.ConnectionHandler
	connectErr   error
	disconnected bool
}

func (f *fakeControl) Connect(context.Context) error { return f.connectErr }

func (f *fakeControl) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeControl) Send(string, any) error { return nil }

func (f *fakeControl) SetMessageHandler(h platform.MessageHandler) {
	f.mu.Lock()
	f.msgHandler = h
	f.mu.Unlock()
}

func (f *fakeControl) SetConnectionHandler(h platform.ConnectionHandler) {
	f.mu.Lock()
	f.connHandler = h
	f.mu.Unlock()
}

func (f *fakeControl) State() platform.State { return platform.StateConnected }

func (f *fakeControl) deliver(t *testing.T, event, payload string) {
	t.Helper()
	f.mu.Lock()
	h := f.msgHandler
	f.mu.Unlock()
	require.NotNil(t, h)
	h(event, json.RawMessage(payload))
}

func (f *fakeControl) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// fakeSession is a controllable session runtime.
type fakeSession struct {
	startErr error
	stopErr  error

	mu      sync.Mutex
	started string
	stopped bool
}

func (s *fakeSession) Start(_ context.Context, conversationID string) error {
	s.mu.Lock()
	s.started = conversationID
	s.mu.Unlock()
	return s.startErr
}

func (s *fakeSession) Stop(context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.stopErr
}

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeSession) startedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func newHarness(t *testing.T, agentIDs ...string) (*Dispatcher, *fakeControl, *[]*fakeSession) {
	t.Helper()

	registry := core.NewAgentRegistry(nil)
	for _, id := range agentIDs {
		require.NoError(t, registry.Register(core.AgentDescriptor{
			ID:      id,
			Factory: func() (core.Agent, error) { return nopAgent{}, nil },
		}))
	}

	conn := &fakeControl{}
	var created []*fakeSession
	var mu sync.Mutex

	d := New(Options{
		Config:      &config.Config{},
		Registry:    registry,
		ControlConn: conn,
		NewSession: func(string, core.Agent) (Session, error) {
			s := &fakeSession{}
			mu.Lock()
			created = append(created, s)
			mu.Unlock()
			return s, nil
		},
	})
	require.NoError(t, d.Start(context.Background()))
	return d, conn, &created
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConversationReadyStartsSession(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)

	waitFor(t, func() bool { return len(*created) == 1 && (*created)[0].startedID() == "conv-1" }, "session never started")
	assert.True(t, d.HasSession("conv-1"))
	assert.Equal(t, 1, d.SessionCount())
}

func TestDuplicateConversationReadyIsNoop(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 1 }, "first session missing")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.SessionCount())
	assert.Len(t, *created, 1)
}

func TestUnknownAgentCreatesNoSession(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"mystery-agent"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
	assert.Empty(t, *created)

	// The control channel still works afterwards.
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-2","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 1 }, "later session missing")
}

func TestMalformedControlEventsDropped(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationReady, `{"agent_id":"weather-agent"}`)
	conn.deliver(t, platform.EventConversationReady, `{{{`)
	conn.deliver(t, "totally_new_event", `{"x":1}`)
	conn.deliver(t, platform.EventConnectionWarning, `{"message":"maintenance soon"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
	assert.Empty(t, *created)
}

func TestStartupFailureRemovesSession(t *testing.T) {
	registry := core.NewAgentRegistry(nil)
	require.NoError(t, registry.Register(core.AgentDescriptor{
		ID:      "weather-agent",
		Factory: func() (core.Agent, error) { return nopAgent{}, nil },
	}))

	conn := &fakeControl{}
	d := New(Options{
		Config:      &config.Config{},
		Registry:    registry,
		ControlConn: conn,
		NewSession: func(string, core.Agent) (Session, error) {
			return &fakeSession{startErr: errors.New("websocket refused")}, nil
		},
	})
	require.NoError(t, d.Start(context.Background()))

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)

	waitFor(t, func() bool { return d.SessionCount() == 0 }, "failed session never removed")
	assert.False(t, d.HasSession("conv-1"))

	// The conversation is not stuck: a retry can start a fresh session.
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
}

func TestFactoryErrorCreatesNoSession(t *testing.T) {
	registry := core.NewAgentRegistry(nil)
	require.NoError(t, registry.Register(core.AgentDescriptor{
		ID:      "weather-agent",
		Factory: func() (core.Agent, error) { return nil, errors.New("missing credentials") },
	}))

	conn := &fakeControl{}
	d := New(Options{
		Config:      &config.Config{},
		Registry:    registry,
		ControlConn: conn,
		NewSession:  func(string, core.Agent) (Session, error) { t.Fatal("should not be called"); return nil, nil },
	})
	require.NoError(t, d.Start(context.Background()))

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
}

func TestConversationEndedStopsSession(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 1 }, "session missing")

	conn.deliver(t, platform.EventConversationLifecycle,
		`{"event":"conversation_ended","conversation_id":"conv-1"}`)

	waitFor(t, func() bool { return d.SessionCount() == 0 }, "session never removed")
	require.Len(t, *created, 1)
	assert.True(t, (*created)[0].isStopped())
}

func TestConversationEndedForUnknownConversation(t *testing.T) {
	d, conn, _ := newHarness(t, "weather-agent")

	conn.deliver(t, platform.EventConversationLifecycle,
		`{"event":"conversation_ended","conversation_id":"ghost"}`)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
}

func TestStopTearsDownAllSessions(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent", "booking-agent")

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-2","agent_id":"booking-agent"}`)
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-3","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 3 }, "sessions missing")

	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 0, d.SessionCount())
	for _, s := range *created {
		assert.True(t, s.isStopped())
	}
	assert.True(t, conn.isDisconnected())
}

func TestStopIsolatesSessionFailures(t *testing.T) {
	registry := core.NewAgentRegistry(nil)
	require.NoError(t, registry.Register(core.AgentDescriptor{
		ID:      "weather-agent",
		Factory: func() (core.Agent, error) { return nopAgent{}, nil },
	}))

	conn := &fakeControl{}
	var created []*fakeSession
	var mu sync.Mutex
	n := 0

	d := New(Options{
		Config:      &config.Config{},
		Registry:    registry,
		ControlConn: conn,
		NewSession: func(string, core.Agent) (Session, error) {
			mu.Lock()
			defer mu.Unlock()
			s := &fakeSession{}
			if n == 0 {
				s.stopErr = errors.New("teardown exploded")
			}
			n++
			created = append(created, s)
			return s, nil
		},
	})
	require.NoError(t, d.Start(context.Background()))

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-2","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 2 }, "sessions missing")

	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 0, d.SessionCount())
	mu.Lock()
	defer mu.Unlock()
	for _, s := range created {
		assert.True(t, s.isStopped())
	}
}

func TestConversationReadyAfterStopIsIgnored(t *testing.T) {
	d, conn, created := newHarness(t, "weather-agent")

	require.NoError(t, d.Stop(context.Background()))

	// A ready event racing the shutdown must not repopulate the table.
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-late","agent_id":"weather-agent"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.SessionCount())
	assert.Empty(t, *created)
}

func TestSessionGetsUniqueIdentifier(t *testing.T) {
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := core.NewAgentRegistry(nil)
	require.NoError(t, registry.Register(core.AgentDescriptor{
		ID:      "weather-agent",
		Factory: func() (core.Agent, error) { return nopAgent{}, nil },
	}))

	conn := &fakeControl{}
	d := New(Options{
		Config:      &config.Config{},
		Registry:    registry,
		ControlConn: conn,
		Audit:       store,
		NewSession:  func(string, core.Agent) (Session, error) { return &fakeSession{}, nil },
	})
	require.NoError(t, d.Start(context.Background()))

	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 1 }, "session missing")

	rec, err := store.Session(context.Background(), "conv-1")
	require.NoError(t, err)
	first := rec.SessionID
	assert.NotEmpty(t, first)

	// A restarted conversation gets a fresh identifier.
	conn.deliver(t, platform.EventConversationLifecycle,
		`{"event":"conversation_ended","conversation_id":"conv-1"}`)
	waitFor(t, func() bool { return d.SessionCount() == 0 }, "session never removed")
	conn.deliver(t, platform.EventConversationReady,
		`{"conversation_id":"conv-1","agent_id":"weather-agent"}`)
	waitFor(t, func() bool { return d.SessionCount() == 1 }, "restart missing")

	rec, err = store.Session(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SessionID)
	assert.NotEqual(t, first, rec.SessionID)
}

func TestEndSessionReportsUnknownConversation(t *testing.T) {
	d, _, _ := newHarness(t, "weather-agent")

	err := d.endSession(context.Background(), "ghost", "ended")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestDispatcherStartPropagatesConnectError(t *testing.T) {
	registry := core.NewAgentRegistry(nil)
	conn := &fakeControl{connectErr: core.NewDomainError("x", core.ErrRetryExhausted, "")}

	d := New(Options{Config: &config.Config{}, Registry: registry, ControlConn: conn})
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRetryExhausted)
}
