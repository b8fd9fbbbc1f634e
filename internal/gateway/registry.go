package gateway

import "github.com/brianly1003/wsgate/internal/sync"

type connKey struct {
	projectID string
	clientID  string
}

// registry tracks the live connection of every (project, client) pair.
type registry struct {
	conns map[connKey]*Conn
	mu    sync.RWMutex
}

func newRegistry() *registry {
	return &registry{conns: make(map[connKey]*Conn)}
}

// Register makes c the owner of its (project, client) pair and returns the
// connection it replaced, if any.
func (r *registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := connKey{c.projectID, c.clientID}
	prev := r.conns[key]
	r.conns[key] = c
	return prev
}

// Remove drops c if it still owns its pair.
func (r *registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := connKey{c.projectID, c.clientID}
	if r.conns[key] != c {
		return false
	}
	delete(r.conns, key)
	return true
}

// Get returns the connection owning the pair, or nil.
func (r *registry) Get(projectID, clientID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connKey{projectID, clientID}]
}

// Count returns the number of live connections.
func (r *registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Project returns the project's connections.
func (r *registry) Project(projectID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for key, c := range r.conns {
		if key.projectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

// All returns every live connection.
func (r *registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
