// Package registry holds the relay's presence state: which users are
// currently reachable and which public keys they have published.
package registry

import "sync"

// Peer is the outbound half of a live connection. Payloads enqueued here are
// written to the socket by that connection's writer goroutine. Enqueue must
// never block; it reports false when the connection is gone or backed up.
type Peer interface {
	Enqueue(payload []byte) bool
}

// ConnectionRegistry maps user ids to their live connections. A user id maps
// to at most one connection; registering again silently replaces the prior
// entry (last login wins, no signal to the displaced connection).
type ConnectionRegistry interface {
	Register(userID string, peer Peer)
	Lookup(userID string) (Peer, bool)
	Unregister(userID string)
}

// InMemoryConnections is a ConnectionRegistry backed by a map.
type InMemoryConnections struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewConnections builds an empty in-memory connection registry.
func NewConnections() *InMemoryConnections {
	return &InMemoryConnections{
		peers: make(map[string]Peer),
	}
}

// Register stores the connection for a user, replacing any existing entry.
func (r *InMemoryConnections) Register(userID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[userID] = peer
}

// Lookup fetches the connection for a user if one is registered.
func (r *InMemoryConnections) Lookup(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[userID]
	return peer, ok
}

// Unregister removes the entry for a user. No-op if absent.
func (r *InMemoryConnections) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, userID)
}
