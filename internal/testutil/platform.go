// Package testutil provides an in-process stand-in for the hosted platform's
// WebSocket endpoint, used by connection, runtime, and dispatcher tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/conversimple/conversimple-go/platform"
)

// Conn is one accepted client connection on the stub platform.
type Conn struct {
	Query url.Values

	ws     *websocket.Conn
	frames chan platform.Frame
	closed chan struct{}
	once   sync.Once
}

// Server is a stub platform endpoint. Each upgrade is recorded; tests push
// frames to clients and assert on frames received from them.
type Server struct {
	hs       *httptest.Server
	accepted chan *Conn

	mu     sync.Mutex
	reject int
}

// NewServer starts the stub. It is shut down via t.Cleanup.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{accepted: make(chan *Conn, 16)}
	s.hs = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.hs.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.reject
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		Query:  r.URL.Query(),
		ws:     ws,
		frames: make(chan platform.Frame, 64),
		closed: make(chan struct{}),
	}
	s.accepted <- c

	for {
		var f platform.Frame
		if err := wsjson.Read(context.Background(), ws, &f); err != nil {
			c.once.Do(func() { close(c.closed) })
			return
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

// URL returns the stub's ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

// Reject makes subsequent upgrade attempts fail with the given HTTP status.
// Pass 0 to accept again.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	s.reject = status
	s.mu.Unlock()
}

// Accepted exposes the upgrade stream for tests that must treat a connection
// as optional rather than required.
func (s *Server) Accepted() <-chan *Conn { return s.accepted }

// WaitConn blocks until a client connects.
func (s *Server) WaitConn(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no client connected in time")
		return nil
	}
}

// Send pushes a frame to the client.
func (c *Conn) Send(t *testing.T, event string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = data
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, platform.Frame{Event: event, Payload: raw}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// Expect reads the next frame from the client and asserts its event name.
func (c *Conn) Expect(t *testing.T, event string) platform.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		if f.Event != event {
			t.Fatalf("expected %q frame, got %q", event, f.Event)
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("no %q frame received in time", event)
		return platform.Frame{}
	}
}

// Drop abruptly closes the connection to simulate a socket failure.
func (c *Conn) Drop() {
	_ = c.ws.Close(websocket.StatusInternalError, "dropped")
}

// Closed is closed once the server side of the connection has gone away.
func (c *Conn) Closed() <-chan struct{} { return c.closed }
