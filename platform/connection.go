// Package platform maintains the resilient WebSocket event channel to the
// Conversimple platform. One Connection serves one logical plane: the
// dispatcher's control plane, or a single conversation's session plane.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
	"github.com/conversimple/conversimple-go/logging"
)

// State is the connection lifecycle state. CircuitOpen is terminal: the only
// recovery is constructing a new Connection with fresh credentials.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoffWait
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoffWait:
		return "backoff_wait"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionEvent is a local lifecycle notification delivered to the
// connection handler. These are callbacks, not wire events.
type ConnectionEvent string

const (
	ConnConnected      ConnectionEvent = "connected"
	ConnDisconnected   ConnectionEvent = "disconnected"
	ConnError          ConnectionEvent = "error"
	ConnPermanentError ConnectionEvent = "permanent_error"
)

// MessageHandler receives inbound wire events. Handler invocations for one
// connection never overlap.
type MessageHandler func(event string, payload json.RawMessage)

// ConnectionHandler receives lifecycle notifications. Same serialization
// guarantee as MessageHandler.
type ConnectionHandler func(event ConnectionEvent, err error)

// Options configures a Connection.
type Options struct {
	URL    string
	APIKey string
	// CustomerID is derived from the API key when empty.
	CustomerID string
	// ConversationID scopes a session-plane connection; empty for the
	// control plane.
	ConversationID string

	// Backoff schedule for transient failures:
	// delay = min(BaseDelay * Multiplier^attempt, MaxBackoff).
	BaseDelay  time.Duration
	MaxBackoff time.Duration
	Multiplier float64
	// Jitter adds randomization to the schedule; off by default so the
	// delay sequence is deterministic and non-decreasing.
	Jitter float64

	// MaxAttempts caps consecutive transient failures; 0 means unbounded.
	MaxAttempts int
	// TotalRetryBudget caps the cumulative retry window; 0 means unbounded.
	TotalRetryBudget time.Duration

	SendBuffer  int
	DialTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = config.DefaultBaseDelay
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = config.DefaultMaxBackoff
	}
	if o.Multiplier <= 1 {
		o.Multiplier = config.DefaultMultiplier
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = config.DefaultSendBuffer
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.CustomerID == "" {
		o.CustomerID = DeriveCustomerID(o.APIKey)
	}
}

// OptionsFromConfig maps the YAML config onto connection options.
func OptionsFromConfig(pc config.PlatformConfig) Options {
	return Options{
		URL:              pc.URL,
		APIKey:           pc.APIKey,
		CustomerID:       pc.CustomerID,
		BaseDelay:        pc.Reconnect.BaseDelayDuration(),
		MaxBackoff:       pc.Reconnect.MaxBackoffDuration(),
		Multiplier:       pc.Reconnect.Multiplier,
		MaxAttempts:      pc.Reconnect.MaxAttempts,
		TotalRetryBudget: pc.Reconnect.TotalRetryBudget(),
		SendBuffer:       pc.SendBuffer,
	}
}

// socket bundles one physical WebSocket with its outbound queue. A Connection
// goes through many sockets across reconnects; each tears down exactly once.
type socket struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
}

func (s *socket) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.Close(code, reason)
	})
}

// Connection is a resilient, authenticated duplex event channel to the
// platform. Transient connect failures are retried with capped exponential
// backoff; permanent failures (credential rejection, suspended account) trip
// a one-way circuit breaker.
type Connection struct {
	opts   Options
	logger *slog.Logger
	bus    core.EventBus // optional

	mu    sync.Mutex
	state State
	sock  *socket

	handlerMu   sync.Mutex
	msgHandler  MessageHandler
	connHandler ConnectionHandler

	closed        atomic.Bool
	closeCh       chan struct{}
	permanentOnce sync.Once
	baseCtx       context.Context
	wg            sync.WaitGroup
}

// New creates a Connection. The bus may be nil.
func New(opts Options, bus core.EventBus, logger *slog.Logger) *Connection {
	opts.applyDefaults()
	return &Connection{
		opts:    opts,
		logger:  logging.OrDiscard(logger).With("plane", opts.shortPlane()),
		bus:     bus,
		state:   StateDisconnected,
		closeCh: make(chan struct{}),
		baseCtx: context.Background(),
	}
}

func (o Options) shortPlane() string {
	if o.ConversationID != "" {
		return "session/" + o.ConversationID
	}
	return "control"
}

// SetMessageHandler registers the inbound event callback. Must be set before
// Connect.
func (c *Connection) SetMessageHandler(h MessageHandler) {
	c.handlerMu.Lock()
	c.msgHandler = h
	c.handlerMu.Unlock()
}

// SetConnectionHandler registers the lifecycle callback. Must be set before
// Connect.
func (c *Connection) SetConnectionHandler(h ConnectionHandler) {
	c.handlerMu.Lock()
	c.connHandler = h
	c.handlerMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection, retrying transient failures with
// backoff. It returns nil once connected, or an error when the circuit
// breaker has tripped, the retry budget is exhausted, or ctx is cancelled.
// After a CircuitOpen trip, Connect fails immediately without touching the
// network.
func (c *Connection) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return core.NewDomainError("Connection.Connect", core.ErrNotConnected, "connection closed")
	}

	c.mu.Lock()
	switch c.state {
	case StateCircuitOpen:
		c.mu.Unlock()
		return core.NewDomainError("Connection.Connect", core.ErrCircuitOpen, "permanent failure, construct a new connection")
	case StateConnected, StateConnecting, StateBackoffWait:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.baseCtx = ctx
	return c.connectLoop(ctx)
}

// newBackoff builds the transient-failure delay schedule:
// min(BaseDelay * Multiplier^n, MaxBackoff), optionally jittered.
func newBackoff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.Multiplier = opts.Multiplier
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = opts.TotalRetryBudget
	bo.RandomizationFactor = opts.Jitter
	bo.Reset()
	return bo
}

func (c *Connection) connectLoop(ctx context.Context) error {
	bo := newBackoff(c.opts)

	attempts := 0
	for {
		if c.closed.Load() {
			return core.NewDomainError("Connection.Connect", core.ErrNotConnected, "connection closed")
		}
		if c.State() == StateCircuitOpen {
			return core.NewDomainError("Connection.Connect", core.ErrCircuitOpen, "")
		}

		c.setState(StateConnecting)
		err := c.dialOnce(ctx)
		if err != nil && c.closed.Load() {
			c.setState(StateDisconnected)
			return core.NewDomainError("Connection.Connect", core.ErrNotConnected, "closed during dial")
		}
		if err == nil {
			c.setState(StateConnected)
			c.logger.Info("platform connection established", "url", c.opts.URL)
			c.notify(ConnConnected, nil)
			c.publish(core.EventConnectionUp, nil)
			return nil
		}

		err = ClassifyConnect(err)
		if core.IsPermanent(err) {
			c.tripBreaker(err)
			return err
		}

		attempts++
		c.logger.Warn("connect attempt failed", "attempt", attempts, "error", err)
		c.notify(ConnError, err)

		if c.opts.MaxAttempts > 0 && attempts >= c.opts.MaxAttempts {
			c.setState(StateDisconnected)
			return core.NewDomainError("Connection.Connect", core.ErrRetryExhausted,
				fmt.Sprintf("gave up after %d attempts", attempts))
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateDisconnected)
			return core.NewDomainError("Connection.Connect", core.ErrRetryExhausted, "retry window elapsed")
		}

		c.setState(StateBackoffWait)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.closeCh:
			c.setState(StateDisconnected)
			return core.NewDomainError("Connection.Connect", core.ErrNotConnected, "closed during backoff")
		case <-time.After(delay):
		}
	}
}

func (c *Connection) dialOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.dialURL(), nil)
	if err != nil {
		return err
	}

	s := &socket{
		ws:     ws,
		sendCh: make(chan Frame, c.opts.SendBuffer),
		done:   make(chan struct{}),
	}

	// A Disconnect racing this dial must win: never install a socket on a
	// closed or tripped connection, or its pumps would outlive Disconnect.
	c.mu.Lock()
	if c.closed.Load() || c.state == StateCircuitOpen {
		c.mu.Unlock()
		s.shutdown(websocket.StatusNormalClosure, "client disconnect")
		return core.NewDomainError("Connection.Connect", core.ErrNotConnected, "closed during dial")
	}
	c.sock = s
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ctx, s)
	go c.writeLoop(s)
	return nil
}

func (c *Connection) dialURL() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	q.Set("api_key", c.opts.APIKey)
	q.Set("customer_id", c.opts.CustomerID)
	if c.opts.ConversationID != "" {
		q.Set("conversation_id", c.opts.ConversationID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Send enqueues a frame for FIFO transmission. Fails with ErrNotConnected
// when the connection is not in the Connected state.
func (c *Connection) Send(event string, payload any) error {
	c.mu.Lock()
	s := c.sock
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || s == nil {
		return core.NewDomainError("Connection.Send", core.ErrNotConnected, event)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return core.WrapOp("Connection.Send: marshal payload", err)
		}
		raw = data
	}

	select {
	case s.sendCh <- Frame{Event: event, Payload: raw}:
		return nil
	case <-s.done:
		return core.NewDomainError("Connection.Send", core.ErrNotConnected, event)
	}
}

// Disconnect is user-initiated: it cancels any pending retry, closes the
// socket, and guarantees no further callbacks fire.
func (c *Connection) Disconnect() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeCh)

	c.mu.Lock()
	s := c.sock
	c.sock = nil
	if c.state != StateCircuitOpen {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if s != nil {
		s.shutdown(websocket.StatusNormalClosure, "client disconnect")
	}
	c.wg.Wait()
	c.logger.Info("platform connection closed")
	return nil
}

func (c *Connection) readLoop(ctx context.Context, s *socket) {
	defer c.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(ctx, s.ws, &f); err != nil {
			c.handleSocketFailure(ctx, s, err)
			return
		}

		if f.Event == EventError {
			if c.handlePlatformError(s, f) {
				return
			}
			continue
		}

		c.handlerMu.Lock()
		if c.msgHandler != nil {
			c.msgHandler(f.Event, f.Payload)
		}
		c.handlerMu.Unlock()
	}
}

// handlePlatformError processes a wire-level error event. Returns true when
// the error was permanent and the read loop must exit.
func (c *Connection) handlePlatformError(s *socket, f Frame) bool {
	ev, err := DecodeControl(f)
	if err != nil {
		c.logger.Warn("malformed error event dropped", "error", err)
		return false
	}
	pe, ok := ev.(PlatformError)
	if !ok {
		return false
	}

	if perm := PermanentWireError(pe); perm != nil {
		c.detachSocket(s)
		s.shutdown(websocket.StatusPolicyViolation, "permanent error")
		c.tripBreaker(perm)
		return true
	}

	c.logger.Warn("platform error event", "code", string(pe.Code), "message", pe.Message)
	c.notify(ConnError, errors.New(pe.Message))
	return false
}

func (c *Connection) writeLoop(s *socket) {
	defer c.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, s.ws, f)
			cancel()
			if err != nil {
				c.handleSocketFailure(c.baseCtx, s, err)
				return
			}
		}
	}
}

// handleSocketFailure tears down a failed socket and, unless the failure was
// user-initiated or the circuit is open, schedules an automatic reconnect.
func (c *Connection) handleSocketFailure(ctx context.Context, s *socket, err error) {
	s.failOnce.Do(func() {
		if !c.detachSocket(s) {
			return // stale socket from a previous incarnation
		}
		s.shutdown(websocket.StatusAbnormalClosure, "read/write failure")

		if c.closed.Load() || c.State() == StateCircuitOpen {
			return
		}

		c.logger.Warn("connection lost", "error", err)
		c.setState(StateDisconnected)
		c.notify(ConnDisconnected, err)
		c.publish(core.EventConnectionDown, err)

		if ctx.Err() != nil {
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if rerr := c.connectLoop(ctx); rerr != nil {
				c.logger.Error("automatic reconnect gave up", "error", rerr)
			}
		}()
	})
}

// detachSocket removes s from the connection if it is the current socket.
// Returns false when s was already replaced.
func (c *Connection) detachSocket(s *socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != s {
		return false
	}
	c.sock = nil
	return true
}

// tripBreaker moves the connection into the terminal CircuitOpen state and
// surfaces permanent_error exactly once.
func (c *Connection) tripBreaker(err error) {
	c.mu.Lock()
	c.state = StateCircuitOpen
	s := c.sock
	c.sock = nil
	c.mu.Unlock()

	if s != nil {
		s.shutdown(websocket.StatusPolicyViolation, "permanent error")
	}

	c.permanentOnce.Do(func() {
		c.logger.Error("permanent connection failure, circuit open",
			"code", string(core.ErrorCodeOf(err)), "error", err)
		c.notify(ConnPermanentError, err)
		c.publish(core.EventConnectionPermanent, err)
	})
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	// CircuitOpen is one-way: nothing overrides it.
	if c.state != StateCircuitOpen {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Connection) notify(event ConnectionEvent, err error) {
	if c.closed.Load() && event != ConnDisconnected {
		return
	}
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.connHandler != nil {
		c.connHandler(event, err)
	}
}

func (c *Connection) publish(t core.EventType, err error) {
	if c.bus == nil {
		return
	}
	var payload json.RawMessage
	if err != nil {
		data, merr := json.Marshal(map[string]string{"message": err.Error()})
		if merr == nil {
			payload = data
		}
	}
	c.bus.Publish(context.Background(), core.Event{
		Type:           t,
		Timestamp:      time.Now(),
		ConversationID: c.opts.ConversationID,
		Payload:        payload,
	})
}
