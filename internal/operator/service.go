// Package operator exposes the manual controls over Target backoff state.
// Every mutation is written through to the StateStore so that a running
// harvester and the CLI observe the same state. Reads merge the stored state
// into the live one and never loosen it.
package operator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// Controller is the subset of the backoff controller the operator drives.
type Controller interface {
	Suspend(target *harvest.Target, reason string) harvest.StateSnapshot
	Reactivate(target *harvest.Target) harvest.StateSnapshot
	Reset(target *harvest.Target) harvest.StateSnapshot
}

// TargetStatus is the operator view of one Target.
type TargetStatus struct {
	Name                 string       `json:"name"`
	BaseURL              string       `json:"base_url"`
	Mode                 harvest.Mode `json:"mode"`
	Reason               string       `json:"reason,omitempty"`
	MayAttempt           bool         `json:"may_attempt"`
	ConsecutiveErrors    int          `json:"consecutive_errors"`
	ConsecutiveTransient int          `json:"consecutive_transient"`
	Escalations          int          `json:"escalations"`
	CooldownUntil        *time.Time   `json:"cooldown_until,omitempty"`
	CooldownRemaining    string       `json:"cooldown_remaining,omitempty"`
	LastRequest          *time.Time   `json:"last_request,omitempty"`
	Schedule             string       `json:"schedule,omitempty"`
}

// Service applies operator actions.
type Service struct {
	registry   *harvest.Registry
	controller Controller
	stateSync  *harvest.StateSync
	clock      harvest.Clock
	logger     *zap.Logger
}

// New creates a Service. states may be nil, in which case only the
// in-memory state is changed.
func New(
	registry *harvest.Registry,
	controller Controller,
	states harvest.StateStore,
	clock harvest.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:   registry,
		controller: controller,
		stateSync:  harvest.NewStateSync(states, clock),
		clock:      clock,
		logger:     logger,
	}
}

// List returns the status of every Target in registration order.
func (s *Service) List(ctx context.Context) ([]TargetStatus, error) {
	targets := s.registry.All()
	out := make([]TargetStatus, 0, len(targets))
	for _, target := range targets {
		if err := s.load(ctx, target); err != nil {
			return nil, err
		}
		out = append(out, s.view(target, target.State.Snapshot()))
	}
	return out, nil
}

// Status returns the status of the named Target.
func (s *Service) Status(ctx context.Context, name string) (TargetStatus, error) {
	target, err := s.target(ctx, name)
	if err != nil {
		return TargetStatus{}, err
	}
	return s.view(target, target.State.Snapshot()), nil
}

// Suspend halts all traffic to the named Target.
func (s *Service) Suspend(ctx context.Context, name, reason string) (TargetStatus, error) {
	return s.apply(ctx, name, "suspend", func(t *harvest.Target) harvest.StateSnapshot {
		return s.controller.Suspend(t, reason)
	})
}

// Reactivate lifts a suspension or cooldown on the named Target.
func (s *Service) Reactivate(ctx context.Context, name string) (TargetStatus, error) {
	return s.apply(ctx, name, "reactivate", s.controller.Reactivate)
}

// Reset clears the backoff history of the named Target.
func (s *Service) Reset(ctx context.Context, name string) (TargetStatus, error) {
	return s.apply(ctx, name, "reset", s.controller.Reset)
}

func (s *Service) apply(
	ctx context.Context,
	name, action string,
	fn func(*harvest.Target) harvest.StateSnapshot,
) (TargetStatus, error) {
	target, err := s.target(ctx, name)
	if err != nil {
		return TargetStatus{}, err
	}
	snap := fn(target)
	if err := s.stateSync.Save(ctx, target, snap); err != nil {
		return TargetStatus{}, fmt.Errorf("%s %s: %w", action, name, err)
	}
	s.logger.Info("operator action applied",
		zap.String("target", name),
		zap.String("action", action),
		zap.String("mode", string(snap.Mode)),
	)
	return s.view(target, snap), nil
}

func (s *Service) target(ctx context.Context, name string) (*harvest.Target, error) {
	target, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

func (s *Service) load(ctx context.Context, target *harvest.Target) error {
	_, err := s.stateSync.Refresh(ctx, target)
	return err
}

func (s *Service) view(target *harvest.Target, snap harvest.StateSnapshot) TargetStatus {
	now := s.clock.Now()
	st := TargetStatus{
		Name:                 target.Name,
		BaseURL:              target.BaseURL.String(),
		Mode:                 snap.EffectiveMode(),
		Reason:               snap.Reason,
		MayAttempt:           snap.MayAttempt(now),
		ConsecutiveErrors:    snap.ConsecutiveErrors,
		ConsecutiveTransient: snap.ConsecutiveTransient,
		Escalations:          snap.Escalations,
		Schedule:             target.Schedule,
	}
	if !snap.CooldownUntil.IsZero() {
		until := snap.CooldownUntil
		st.CooldownUntil = &until
		if remaining := until.Sub(now); remaining > 0 {
			st.CooldownRemaining = remaining.Round(time.Second).String()
		}
	}
	if !snap.LastRequest.IsZero() {
		last := snap.LastRequest
		st.LastRequest = &last
	}
	return st
}
