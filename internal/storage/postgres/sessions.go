package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

const defaultListLimit = 100

// SaveSession implements harvest.SessionStore. Later saves of the same ID
// replace the stored report.
func (s *Store) SaveSession(ctx context.Context, report harvest.SessionReport) error {
	if report.ID == "" {
		return errors.New("session id is required")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", report.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, target, status, started_at, report)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	report = EXCLUDED.report`, s.sessionTable)

	if _, err := s.pool.Exec(ctx, query, report.ID, report.Target, string(report.Status), report.StartedAt, payload); err != nil {
		return fmt.Errorf("save session %s: %w", report.ID, err)
	}
	return nil
}

// GetSession implements harvest.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (harvest.SessionReport, error) {
	query := fmt.Sprintf(`SELECT report FROM %s WHERE id = $1`, s.sessionTable)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.SessionReport{}, fmt.Errorf("%w: %s", harvest.ErrSessionNotFound, id)
		}
		return harvest.SessionReport{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var report harvest.SessionReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return harvest.SessionReport{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return report, nil
}

// ListSessions returns the newest sessions first. An empty target lists all.
func (s *Store) ListSessions(ctx context.Context, target string, limit int) ([]harvest.SessionReport, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT report FROM %s
WHERE ($1 = '' OR target = $1)
ORDER BY started_at DESC, id DESC
LIMIT $2`, s.sessionTable)

	rows, err := s.pool.Query(ctx, query, target, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []harvest.SessionReport
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var report harvest.SessionReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
