// Package inmem provides a purely in-memory persistence backend, suitable
// for tests and for ephemeral sessions that should not outlive the process.
package inmem

import (
	"context"
	"sync"

	"github.com/peregrine-id/oidcclient/oidc"
)

// Map is an in-memory oidc.PersistentMap. The zero value is not usable;
// create one with New.
type Map struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ oidc.PersistentMap = (*Map)(nil)

// New creates an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]string)}
}

func (m *Map) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Map) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *Map) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *Map) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Map) Entries(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}
