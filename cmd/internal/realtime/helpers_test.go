package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// fakeConn records pushed envelopes. When full is set, pushes are dropped.
type fakeConn struct {
	id string

	mu   sync.Mutex
	envs []v1.Envelope
	full bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Push(env v1.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.envs = append(c.envs, env)
	return true
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *fakeConn) events() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Envelope(nil), c.envs...)
}

func (c *fakeConn) types() []string {
	var out []string
	for _, e := range c.events() {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, e := range c.events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.envs = nil
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(discardLogger(), NewInMemoryStore(), nil)
}

// connect registers a fake connection for userID.
func connect(t *testing.T, e *Engine, userID string) *fakeConn {
	t.Helper()
	c := newFakeConn("h-" + userID + "-" + NewHandleID())
	e.Presence.Register(userID, c)
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustOpenChat(t *testing.T, e *Engine, a, b string) Chat {
	t.Helper()
	c, _, err := e.Chats.Open(testCtx(t), a, b)
	if err != nil {
		t.Fatalf("open chat %s/%s: %v", a, b, err)
	}
	return c
}

func decodeEventPayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}
