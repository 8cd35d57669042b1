package attrstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]Value
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]map[string][]Value)}
}

func (m *MemoryStore) Open(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[id]; ok {
		return true, nil
	}
	m.objects[id] = make(map[string][]Value)
	return false, nil
}

func (m *MemoryStore) Get(ctx context.Context, id, attribute string) ([]Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.objects[id][attribute]
	out := make([]Value, len(history))
	copy(out, history)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, id, attribute, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureLocked(id)[attribute] = []Value{{Data: value, Timestamp: time.Now()}}
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, id, attribute, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs := m.ensureLocked(id)
	attrs[attribute] = append(attrs[attribute], Value{Data: value, Timestamp: time.Now()})
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) ensureLocked(id string) map[string][]Value {
	attrs, ok := m.objects[id]
	if !ok {
		attrs = make(map[string][]Value)
		m.objects[id] = attrs
	}
	return attrs
}
