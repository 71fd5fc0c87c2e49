package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// SessionStore keeps session reports, replacing earlier saves of the same ID.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]harvest.SessionReport
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]harvest.SessionReport)}
}

// SaveSession implements harvest.SessionStore.
func (s *SessionStore) SaveSession(_ context.Context, report harvest.SessionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[report.ID] = report
	return nil
}

// GetSession implements harvest.SessionStore.
func (s *SessionStore) GetSession(_ context.Context, id string) (harvest.SessionReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.sessions[id]
	if !ok {
		return harvest.SessionReport{}, fmt.Errorf("%w: %s", harvest.ErrSessionNotFound, id)
	}
	return report, nil
}

// ListSessions returns the newest sessions first. An empty target lists all.
func (s *SessionStore) ListSessions(_ context.Context, target string, limit int) ([]harvest.SessionReport, error) {
	s.mu.RLock()
	out := make([]harvest.SessionReport, 0, len(s.sessions))
	for _, report := range s.sessions {
		if target == "" || report.Target == target {
			out = append(out, report)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
