package harvest

import (
	"sync"
	"time"
)

// Mode is the backoff state of a Target.
type Mode string

// Backoff modes.
const (
	ModeNormal    Mode = "normal"
	ModeCooldown  Mode = "cooldown"
	ModeSuspended Mode = "suspended"
)

// StateSnapshot is a point-in-time copy of a RateState. It is the form that
// is persisted and reported.
type StateSnapshot struct {
	LastRequest          time.Time `json:"last_request,omitzero"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveTransient int       `json:"consecutive_transient"`
	Escalations          int       `json:"escalations"`
	CooldownUntil        time.Time `json:"cooldown_until,omitzero"`
	Mode                 Mode      `json:"mode"`
	Reason               string    `json:"reason,omitempty"`
	// OperatorAt is when an operator last suspended, reactivated or reset
	// the Target.
	OperatorAt time.Time `json:"operator_at,omitzero"`
}

// EffectiveMode treats the zero value as ModeNormal.
func (s StateSnapshot) EffectiveMode() Mode {
	if s.Mode == "" {
		return ModeNormal
	}
	return s.Mode
}

// MayAttempt reports whether a request may be sent at now.
func (s StateSnapshot) MayAttempt(now time.Time) bool {
	switch s.EffectiveMode() {
	case ModeSuspended:
		return false
	case ModeCooldown:
		return !now.Before(s.CooldownUntil)
	default:
		return true
	}
}

// RateState is the mutable pacing and backoff record of one Target.
type RateState struct {
	mu   sync.Mutex
	snap StateSnapshot
}

// Snapshot returns a copy of the current state.
func (s *RateState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Mode = out.EffectiveMode()
	return out
}

// Restore replaces the state, typically with a persisted snapshot.
func (s *RateState) Restore(snap StateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Merge folds a persisted snapshot into the live state and returns the
// result. An operator decision newer than the live one is adopted whole.
// Otherwise the live state is only tightened: the later request time, a
// later unexpired cooldown and a suspension carry over, never the reverse.
func (s *RateState) Merge(stored StateSnapshot, now time.Time) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := &s.snap
	pristine := *live == (StateSnapshot{}) || *live == (StateSnapshot{Mode: ModeNormal})
	live.Mode = live.EffectiveMode()
	lastRequest := later(live.LastRequest, stored.LastRequest)

	if pristine || stored.OperatorAt.After(live.OperatorAt) {
		*live = stored
		live.Mode = stored.EffectiveMode()
		live.LastRequest = lastRequest
		return *live
	}

	live.LastRequest = lastRequest
	switch storedMode := stored.EffectiveMode(); {
	case storedMode == ModeSuspended && live.Mode != ModeSuspended:
		live.Mode = ModeSuspended
		live.Reason = stored.Reason
		live.CooldownUntil = later(live.CooldownUntil, stored.CooldownUntil)
	case storedMode == ModeCooldown && live.Mode != ModeSuspended &&
		stored.CooldownUntil.After(now) && stored.CooldownUntil.After(live.CooldownUntil):
		live.Mode = ModeCooldown
		live.Reason = stored.Reason
		live.CooldownUntil = stored.CooldownUntil
	default:
		return *live
	}
	live.ConsecutiveErrors = max(live.ConsecutiveErrors, stored.ConsecutiveErrors)
	live.Escalations = max(live.Escalations, stored.Escalations)
	return *live
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Update applies fn atomically and returns the resulting snapshot.
func (s *RateState) Update(fn func(*StateSnapshot)) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Mode = s.snap.EffectiveMode()
	fn(&s.snap)
	return s.snap
}
