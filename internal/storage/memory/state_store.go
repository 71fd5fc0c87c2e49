package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// StateStore keeps Target snapshots in a map.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]harvest.StateSnapshot
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]harvest.StateSnapshot)}
}

// LoadState implements harvest.StateStore.
func (s *StateStore) LoadState(_ context.Context, target string) (harvest.StateSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.states[target]
	return snap, ok, nil
}

// SaveState implements harvest.StateStore.
func (s *StateStore) SaveState(_ context.Context, target string, snap harvest.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[target] = snap
	return nil
}
