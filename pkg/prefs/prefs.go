// Package prefs provides the local key-value preferences store that pipelines
// use to persist their task maps and upload status across restarts.
//
// Each store is scoped to a namespace (one per pipeline), mirroring the
// per-component preference files of the host runtime.
package prefs

import (
	"context"
	"sync"
)

// Store is a string-keyed preferences store.
type Store interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetMany commits all values atomically.
	SetMany(ctx context.Context, values map[string]string) error

	// Delete removes the given keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Namespace returns the scope of the store.
	Namespace() string
}

// Set is a convenience for committing a single value.
func Set(ctx context.Context, s Store, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// GetString returns the value or "" when absent.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	v, _, err := s.Get(ctx, key)
	return v, err
}

// MemoryStore keeps preferences in process memory. It is used in tests and
// as a fallback when no Redis backend is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	namespace string
	values    map[string]string
	writes    int
}

func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{namespace: namespace, values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	m.writes++
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryStore) Namespace() string { return m.namespace }

// Writes returns the number of committed SetMany calls.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Snapshot returns a copy of all values.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
