package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pushrelay/pushrelay/internal/wire"
)

// Registry maps users to their live connections. It holds enqueue handles
// only; each connection's Run goroutine owns the connection state and
// unregisters itself on death.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[uuid.UUID]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[uuid.UUID]*Connection)}
}

// Register adds a connection under its user.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byUser[c.UserID]
	if !ok {
		conns = make(map[uuid.UUID]*Connection)
		r.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
}

// Unregister removes a connection. Authoritative on connection death.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byUser[c.UserID]
	if !ok {
		return
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(r.byUser, c.UserID)
	}
}

// Deliver enqueues a frame on every connection of the addressed users. Empty
// userIDs addresses everyone. build is called once per connection so each
// engine assigns its own message identity.
func (r *Registry) Deliver(userIDs []string, build func() *wire.Frame) {
	if len(userIDs) == 0 {
		r.Broadcast(build)
		return
	}
	r.mu.RLock()
	var targets []*Connection
	for _, userID := range userIDs {
		for _, c := range r.byUser[userID] {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(build())
	}
}

// Broadcast enqueues a frame on every live connection.
func (r *Registry) Broadcast(build func() *wire.Frame) {
	r.mu.RLock()
	var targets []*Connection
	for _, conns := range r.byUser {
		for _, c := range conns {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(build())
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}
