package foreman

import (
	"context"
	"sync"
)

// AssignmentStore records which (hunt, client) pairs have been handed to
// the scheduler. TryAssign is the at-most-once barrier: exactly one caller
// wins a given pair, however many check-ins race.
type AssignmentStore interface {
	// TryAssign atomically records the pair and reports whether this
	// call created it.
	TryAssign(ctx context.Context, huntID, clientID string) (bool, error)
	// Unassign removes the pair so the client becomes eligible again,
	// used to roll back when the dispatch is refused.
	Unassign(ctx context.Context, huntID, clientID string) error
}

// MemoryAssignmentStore implements AssignmentStore with an in-process map.
type MemoryAssignmentStore struct {
	mu    sync.Mutex
	pairs map[string]map[string]struct{}
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		pairs: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryAssignmentStore) TryAssign(ctx context.Context, huntID, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients, ok := s.pairs[huntID]
	if !ok {
		clients = make(map[string]struct{})
		s.pairs[huntID] = clients
	}
	if _, exists := clients[clientID]; exists {
		return false, nil
	}
	clients[clientID] = struct{}{}
	return true, nil
}

func (s *MemoryAssignmentStore) Unassign(ctx context.Context, huntID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clients, ok := s.pairs[huntID]; ok {
		delete(clients, clientID)
	}
	return nil
}
