package harvest

import (
	"context"
	"fmt"
)

// StateSync keeps the live state of Targets and a StateStore in step. Other
// processes, such as the CLI, may write to the same store at any time, so
// persisted snapshots are merged into the live state rather than replacing it.
type StateSync struct {
	store StateStore
	clock Clock
}

// NewStateSync returns a StateSync. A nil store makes every call a no-op.
func NewStateSync(store StateStore, clock Clock) *StateSync {
	return &StateSync{store: store, clock: clock}
}

// Refresh merges the persisted snapshot of target into its live state.
func (s *StateSync) Refresh(ctx context.Context, target *Target) (StateSnapshot, error) {
	if s == nil || s.store == nil {
		return target.State.Snapshot(), nil
	}
	stored, ok, err := s.store.LoadState(ctx, target.Name)
	if err != nil {
		return target.State.Snapshot(), fmt.Errorf("load state %s: %w", target.Name, err)
	}
	if !ok {
		return target.State.Snapshot(), nil
	}
	return target.State.Merge(stored, s.clock.Now()), nil
}

// Persist refreshes target and then saves the merged state, so a concurrent
// operator change in the store is kept rather than overwritten.
func (s *StateSync) Persist(ctx context.Context, target *Target) error {
	if s == nil || s.store == nil {
		return nil
	}
	snap, err := s.Refresh(ctx, target)
	if err != nil {
		return err
	}
	if err := s.store.SaveState(ctx, target.Name, snap); err != nil {
		return fmt.Errorf("save state %s: %w", target.Name, err)
	}
	return nil
}

// Save writes snap as the persisted state of target.
func (s *StateSync) Save(ctx context.Context, target *Target, snap StateSnapshot) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.SaveState(ctx, target.Name, snap); err != nil {
		return fmt.Errorf("save state %s: %w", target.Name, err)
	}
	return nil
}
