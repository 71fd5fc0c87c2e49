// Package backoff implements the per-target penalty state machine that reacts
// to ban signals (429/403) with exponentially growing cooldowns.
package backoff

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/metrics"
)

// Defaults applied by New for zero config values.
const (
	DefaultBase           = 60 * time.Second
	DefaultMax            = 6 * time.Hour
	DefaultMaxEscalations = 5
)

// Config tunes the controller.
type Config struct {
	// Base is the first cooldown; each consecutive error doubles it.
	Base time.Duration
	// Max caps a single cooldown window.
	Max time.Duration
	// MaxEscalations suspends a target after this many consecutive ban
	// escalations. Zero disables automatic suspension.
	MaxEscalations int
	// TransientThreshold escalates after this many consecutive timeouts or
	// transient errors. Zero means transient failures never escalate.
	TransientThreshold int
}

// Controller owns no state itself; all state lives in each Target's RateState.
type Controller struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger
}

// New creates a Controller.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Controller {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.MaxEscalations < 0 {
		cfg.MaxEscalations = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, clock: clock, logger: logger}
}

// MayAttempt reports whether target may be contacted now.
func (c *Controller) MayAttempt(target *harvest.Target) bool {
	return target.State.Snapshot().MayAttempt(c.clock.Now())
}

// RecordOutcome feeds a network fetch outcome into the state machine.
// Short-circuit results are ignored because no request reached the source.
func (c *Controller) RecordOutcome(target *harvest.Target, result harvest.FetchResult) harvest.StateSnapshot {
	if result.ShortCircuit {
		return target.State.Snapshot()
	}
	now := c.clock.Now()
	var cooldown time.Duration
	snap := target.State.Update(func(s *harvest.StateSnapshot) {
		switch {
		case result.Outcome == harvest.OutcomeSuccess:
			s.ConsecutiveErrors = 0
			s.ConsecutiveTransient = 0
			s.Escalations = 0
			s.CooldownUntil = time.Time{}
			if s.Mode != harvest.ModeSuspended {
				s.Mode = harvest.ModeNormal
				s.Reason = ""
			}
		case result.IsBanSignal():
			s.ConsecutiveTransient = 0
			cooldown = c.escalate(s, now, result.RetryAfter, string(result.Outcome))
		case result.IsTransient():
			s.ConsecutiveTransient++
			if c.cfg.TransientThreshold > 0 && s.ConsecutiveTransient >= c.cfg.TransientThreshold {
				s.ConsecutiveTransient = 0
				cooldown = c.escalate(s, now, 0, fmt.Sprintf("repeated %s", result.Outcome))
				return
			}
			s.ConsecutiveErrors++
		}
	})

	metrics.SetTargetMode(target.Name, string(snap.Mode))
	if cooldown > 0 {
		metrics.ObserveCooldown(target.Name, cooldown)
		c.logger.Warn("target backing off",
			zap.String("target", target.Name),
			zap.String("outcome", string(result.Outcome)),
			zap.String("mode", string(snap.Mode)),
			zap.Duration("cooldown", cooldown),
			zap.Time("cooldown_until", snap.CooldownUntil),
			zap.Int("consecutive_errors", snap.ConsecutiveErrors),
			zap.Int("escalations", snap.Escalations),
		)
	}
	return snap
}

// escalate applies one cooldown escalation and returns its length.
func (c *Controller) escalate(s *harvest.StateSnapshot, now time.Time, hint time.Duration, why string) time.Duration {
	cooldown := c.Cooldown(s.ConsecutiveErrors, hint)
	s.ConsecutiveErrors++
	s.Escalations++
	s.CooldownUntil = now.Add(cooldown)
	if s.Mode == harvest.ModeSuspended {
		return cooldown
	}
	if c.cfg.MaxEscalations > 0 && s.Escalations >= c.cfg.MaxEscalations {
		s.Mode = harvest.ModeSuspended
		s.Reason = fmt.Sprintf("suspended after %d consecutive escalations (last: %s)", s.Escalations, why)
		return cooldown
	}
	s.Mode = harvest.ModeCooldown
	s.Reason = why
	return cooldown
}

// Cooldown returns Base * 2^n, raised to hint when larger, capped at Max.
func (c *Controller) Cooldown(n int, hint time.Duration) time.Duration {
	d := c.cfg.Max
	if n < 62 {
		if scaled := c.cfg.Base << uint(n); scaled > 0 && scaled>>uint(n) == c.cfg.Base {
			d = min(scaled, c.cfg.Max)
		}
	}
	if hint > d {
		d = min(hint, c.cfg.Max)
	}
	return d
}

// Suspend halts all traffic to target until an operator reactivates it.
func (c *Controller) Suspend(target *harvest.Target, reason string) harvest.StateSnapshot {
	if reason == "" {
		reason = "suspended by operator"
	}
	now := c.clock.Now()
	snap := target.State.Update(func(s *harvest.StateSnapshot) {
		s.Mode = harvest.ModeSuspended
		s.Reason = reason
		s.OperatorAt = now
	})
	metrics.SetTargetMode(target.Name, string(snap.Mode))
	c.logger.Warn("target suspended", zap.String("target", target.Name), zap.String("reason", reason))
	return snap
}

// Reactivate lifts a suspension. The error history is kept so a renewed
// failure escalates from where it left off.
func (c *Controller) Reactivate(target *harvest.Target) harvest.StateSnapshot {
	now := c.clock.Now()
	snap := target.State.Update(func(s *harvest.StateSnapshot) {
		s.Mode = harvest.ModeNormal
		s.Reason = ""
		s.CooldownUntil = time.Time{}
		s.Escalations = 0
		s.OperatorAt = now
	})
	metrics.SetTargetMode(target.Name, string(snap.Mode))
	c.logger.Info("target reactivated", zap.String("target", target.Name))
	return snap
}

// Reset clears all backoff state of target. The last request time is kept
// so pacing still applies.
func (c *Controller) Reset(target *harvest.Target) harvest.StateSnapshot {
	now := c.clock.Now()
	snap := target.State.Update(func(s *harvest.StateSnapshot) {
		*s = harvest.StateSnapshot{LastRequest: s.LastRequest, Mode: harvest.ModeNormal, OperatorAt: now}
	})
	metrics.SetTargetMode(target.Name, string(snap.Mode))
	c.logger.Info("target backoff reset", zap.String("target", target.Name))
	return snap
}
