package server

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ConnectionRegistry is the process-local source of truth for who is connected.
// At most one connection is stored per Key.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	store map[Key]*Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{store: make(map[Key]*Connection)}
}

// Register stores conn under its key. A connection already holding the key is
// closed as superseded and returned.
func (r *ConnectionRegistry) Register(conn *Connection) *Connection {
	key := conn.Identity.Key()

	r.mu.Lock()
	prev := r.store[key]
	r.store[key] = conn
	r.mu.Unlock()

	if prev == nil || prev == conn {
		return nil
	}
	slog.Info("Superseding connection", "key", key.String(), "old", prev.ID, "new", conn.ID)
	prev.Close(ReasonSuperseded)
	return prev
}

// Deregister removes conn only if it still owns its key, so a superseded
// connection's cleanup can never evict its replacement.
func (r *ConnectionRegistry) Deregister(conn *Connection) bool {
	key := conn.Identity.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store[key] != conn {
		return false
	}
	delete(r.store, key)
	return true
}

func (r *ConnectionRegistry) Lookup(key Key) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.store[key]
	return conn, ok
}

// List returns live connections ordered by key.
func (r *ConnectionRegistry) List() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.store))
	for _, conn := range r.store {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		return strings.Compare(a.Identity.Key().String(), b.Identity.Key().String())
	})
	return conns
}

// ListUser returns the live connections belonging to userID.
func (r *ConnectionRegistry) ListUser(userID string) []*Connection {
	var out []*Connection
	for _, conn := range r.List() {
		if conn.Identity.UserID == userID {
			out = append(out, conn)
		}
	}
	return out
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}
