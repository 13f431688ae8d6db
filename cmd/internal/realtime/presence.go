package realtime

import (
	"log/slog"
	"sync"

	v1 "pulse/contracts/realtime/v1"
)

// PushResult describes what happened to a best-effort push.
type PushResult uint8

const (
	// PushOffline means no live handle is registered for the user.
	PushOffline PushResult = iota
	// PushDelivered means the envelope was queued on the user's handle.
	PushDelivered
	// PushDropped means the handle exists but its queue was full or closing.
	PushDropped
)

func (r PushResult) String() string {
	switch r {
	case PushDelivered:
		return pushResultDelivered
	case PushDropped:
		return pushResultDropped
	default:
		return pushResultOffline
	}
}

// Presence is the connection registry: the authoritative userID -> live handle map.
//
// Concurrency guarantees:
//   - One entry per userID at any time; Register replaces (last writer wins).
//   - UnregisterByHandle only removes the entry if it still points at that handle,
//     so a late disconnect of a replaced connection never evicts the newer one.
//   - Push looks up under the read lock and enqueues outside it (never blocks).
type Presence struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	byUser   map[string]Conn
	byHandle map[string]string // handle id -> user id
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger, metrics *Metrics) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:      log,
		metrics:  metrics,
		byUser:   make(map[string]Conn),
		byHandle: make(map[string]string),
	}
}

// Register maps userID to conn and returns the superseded handle, if any.
func (p *Presence) Register(userID string, conn Conn) Conn {
	if p == nil || userID == "" || conn == nil {
		return nil
	}

	p.mu.Lock()
	prev := p.byUser[userID]
	if prev != nil && prev.ID() != conn.ID() {
		delete(p.byHandle, prev.ID())
	}
	if oldUser, ok := p.byHandle[conn.ID()]; ok && oldUser != userID {
		// A handle re-joining as another identity leaves its old mapping.
		if cur := p.byUser[oldUser]; cur != nil && cur.ID() == conn.ID() {
			delete(p.byUser, oldUser)
		}
	}
	p.byUser[userID] = conn
	p.byHandle[conn.ID()] = userID
	n := len(p.byUser)
	p.mu.Unlock()

	p.metrics.setConnected(n)

	if prev != nil && prev.ID() != conn.ID() {
		p.log.Info("presence.replace", "user_id", userID, "handle", conn.ID(), "replaced", prev.ID())
		return prev
	}
	p.log.Debug("presence.register", "user_id", userID, "handle", conn.ID())
	return nil
}

// UnregisterByUser drops the mapping for userID (explicit logout).
func (p *Presence) UnregisterByUser(userID string) {
	if p == nil || userID == "" {
		return
	}

	p.mu.Lock()
	if cur := p.byUser[userID]; cur != nil {
		delete(p.byHandle, cur.ID())
		delete(p.byUser, userID)
	}
	n := len(p.byUser)
	p.mu.Unlock()

	p.metrics.setConnected(n)
	p.log.Debug("presence.unregister.user", "user_id", userID)
}

// UnregisterByHandle drops whatever mapping points at conn.
// It reports whether a live mapping was removed.
func (p *Presence) UnregisterByHandle(conn Conn) bool {
	if p == nil || conn == nil {
		return false
	}

	removed := false

	p.mu.Lock()
	userID, ok := p.byHandle[conn.ID()]
	if ok {
		delete(p.byHandle, conn.ID())
		if cur := p.byUser[userID]; cur != nil && cur.ID() == conn.ID() {
			delete(p.byUser, userID)
			removed = true
		}
	}
	n := len(p.byUser)
	p.mu.Unlock()

	p.metrics.setConnected(n)
	if removed {
		p.log.Debug("presence.unregister.handle", "user_id", userID, "handle", conn.ID())
	}
	return removed
}

// Lookup returns the live handle for userID. Absent means offline, not an error.
func (p *Presence) Lookup(userID string) (Conn, bool) {
	if p == nil || userID == "" {
		return nil, false
	}
	p.mu.RLock()
	c, ok := p.byUser[userID]
	p.mu.RUnlock()
	return c, ok
}

// Online returns the number of connected users.
func (p *Presence) Online() int {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}

// Push delivers env to userID if connected. It is pure best effort.
func (p *Presence) Push(userID string, env v1.Envelope) PushResult {
	if p == nil {
		return PushOffline
	}
	conn, ok := p.Lookup(userID)
	if !ok {
		p.log.Debug("presence.push.offline", "user_id", userID, "event", env.Type)
		p.metrics.observePush(env.Type, pushResultOffline)
		return PushOffline
	}
	return p.pushConn(conn, userID, env)
}

func (p *Presence) pushConn(conn Conn, userID string, env v1.Envelope) PushResult {
	if !conn.Push(env) {
		p.log.Info("presence.push.dropped", "user_id", userID, "handle", conn.ID(), "event", env.Type)
		p.metrics.observePush(env.Type, pushResultDropped)
		return PushDropped
	}
	p.metrics.observePush(env.Type, pushResultDelivered)
	return PushDelivered
}
