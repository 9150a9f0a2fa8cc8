package credstore

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore keeps credentials for the life of the process only.
func NewMemoryStore() *Store {
	return newStore(&memoryBackend{values: make(map[string]string)})
}

func (m *memoryBackend) get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memoryBackend) put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryBackend) delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryBackend) close() error {
	return nil
}
