package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// LoadState implements harvest.StateStore.
func (s *Store) LoadState(ctx context.Context, target string) (harvest.StateSnapshot, bool, error) {
	query := fmt.Sprintf(`
SELECT mode, reason, consecutive_errors, consecutive_transient, escalations, last_request, cooldown_until, operator_at
FROM %s
WHERE target = $1`, s.stateTable)

	var (
		snap          harvest.StateSnapshot
		mode          string
		lastRequest   *time.Time
		cooldownUntil *time.Time
		operatorAt    *time.Time
	)
	err := s.pool.QueryRow(ctx, query, target).Scan(
		&mode,
		&snap.Reason,
		&snap.ConsecutiveErrors,
		&snap.ConsecutiveTransient,
		&snap.Escalations,
		&lastRequest,
		&cooldownUntil,
		&operatorAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.StateSnapshot{}, false, nil
	}
	if err != nil {
		return harvest.StateSnapshot{}, false, fmt.Errorf("load state %s: %w", target, err)
	}
	snap.Mode = harvest.Mode(mode)
	if lastRequest != nil {
		snap.LastRequest = lastRequest.UTC()
	}
	if cooldownUntil != nil {
		snap.CooldownUntil = cooldownUntil.UTC()
	}
	if operatorAt != nil {
		snap.OperatorAt = operatorAt.UTC()
	}
	return snap, true, nil
}

// SaveState implements harvest.StateStore.
func (s *Store) SaveState(ctx context.Context, target string, snap harvest.StateSnapshot) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	target, mode, reason, consecutive_errors, consecutive_transient, escalations,
	last_request, cooldown_until, operator_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (target) DO UPDATE SET
	mode = EXCLUDED.mode,
	reason = EXCLUDED.reason,
	consecutive_errors = EXCLUDED.consecutive_errors,
	consecutive_transient = EXCLUDED.consecutive_transient,
	escalations = EXCLUDED.escalations,
	last_request = EXCLUDED.last_request,
	cooldown_until = EXCLUDED.cooldown_until,
	operator_at = EXCLUDED.operator_at,
	updated_at = now()`, s.stateTable)

	_, err := s.pool.Exec(ctx, query,
		target,
		string(snap.EffectiveMode()),
		snap.Reason,
		snap.ConsecutiveErrors,
		snap.ConsecutiveTransient,
		snap.Escalations,
		nullTime(snap.LastRequest),
		nullTime(snap.CooldownUntil),
		nullTime(snap.OperatorAt),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", target, err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
