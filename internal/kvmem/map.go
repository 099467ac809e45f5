// Package kvmem implements the in-memory authoritative map that every read
// is served from and every applied write lands in.
//
// Grounded on the teacher's internal/store/store.go, which guards its map
// with a sync.RWMutex for multi-reader/single-writer access. Generalized
// from the teacher's vector-clocked Value (data, clock, tombstone,
// updated_at) down to a plain string value, since the consensus log
// already supplies the ordering Value.Clock existed to approximate.
package kvmem

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Map is a concurrency-safe string-to-string map with point-in-time
// snapshot support.
type Map struct {
	mu   sync.RWMutex
	data map[string]string
}

// New returns an empty Map.
func New() *Map {
	return &Map{data: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Set installs value for key, overwriting any existing value.
func (m *Map) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Delete removes key. It reports whether key was present, so SE can decide
// whether a DELETE of a missing key is a no-op worth logging (§4.2).
func (m *Map) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok
}

// Len reports the number of live keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// CloneState takes a point-in-time copy of the whole map while briefly
// holding the write lock, so a concurrent writer can never observe (or
// produce) a snapshot that mixes pre- and post-write state for the same key.
func (m *Map) CloneState() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make(map[string]string, len(m.data))
	for k, v := range m.data {
		clone[k] = v
	}
	return clone
}

// Replace atomically swaps the entire map contents for state. Used when
// loading a snapshot at startup, where the map must reflect exactly the
// snapshotted state before AOL replay resumes on top of it.
func (m *Map) Replace(state map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make(map[string]string, len(state))
	for k, v := range state {
		clone[k] = v
	}
	m.data = clone
}

// Serialize encodes the current state as JSON, suitable for writing to a
// snapshot file.
func (m *Map) Serialize() ([]byte, error) {
	state := m.CloneState()
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("kvmem: serialize: %w", err)
	}
	return b, nil
}

// Deserialize decodes data (as produced by Serialize) and replaces the
// map's contents with it.
func (m *Map) Deserialize(data []byte) error {
	var state map[string]string
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("kvmem: deserialize: %w", err)
	}
	m.Replace(state)
	return nil
}
