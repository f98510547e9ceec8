package registry

import "sync"

// KeyDirectory stores the public-key material users have published. Entries
// are independent of connection and room lifecycle: publishing does not
// require being in a room, and nothing in the relay ever removes a key.
type KeyDirectory interface {
	Publish(userID, publicKey string)
	Get(userID string) (string, bool)
}

// InMemoryKeys is a KeyDirectory backed by a map.
type InMemoryKeys struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewKeys builds an empty in-memory key directory.
func NewKeys() *InMemoryKeys {
	return &InMemoryKeys{
		keys: make(map[string]string),
	}
}

// Publish upserts the key material for a user, overwriting any prior value.
func (d *InMemoryKeys) Publish(userID, publicKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[userID] = publicKey
}

// Get fetches the published key for a user.
func (d *InMemoryKeys) Get(userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[userID]
	return key, ok
}
