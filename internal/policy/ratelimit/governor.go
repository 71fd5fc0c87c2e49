// Package ratelimit paces outbound requests per Target.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/metrics"
)

// Governor decides when the next request to a Target may fire. The gap to
// the previous request is re-drawn on every call within the Target's
// [MinDelay, MaxDelay] window, and an optional requests-per-minute cap is
// enforced with a per-target token bucket.
type Governor struct {
	clock harvest.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
}

// Option customises a Governor.
type Option func(*Governor)

// WithRand makes the delay draw deterministic.
func WithRand(r *rand.Rand) Option {
	return func(g *Governor) {
		g.rng = r
	}
}

// New creates a Governor.
func New(clock harvest.Clock, opts ...Option) *Governor {
	g := &Governor{
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until a request to target is permitted and marks it as sent.
func (g *Governor) Acquire(ctx context.Context, target *harvest.Target) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate governor: %w", err)
	}
	delay := g.NextDelay(target)
	limiter := g.limiterFor(target)
	now := g.clock.Now()

	var (
		fireAt      time.Time
		reservation *rate.Reservation
	)
	// The slot is reserved inside the state update so concurrent callers
	// queue behind each other in arrival order.
	target.State.Update(func(s *harvest.StateSnapshot) {
		fireAt = now
		if !s.LastRequest.IsZero() {
			if earliest := s.LastRequest.Add(delay); earliest.After(fireAt) {
				fireAt = earliest
			}
		}
		if limiter != nil {
			reservation = limiter.ReserveN(fireAt, 1)
			if reservation.OK() {
				fireAt = fireAt.Add(reservation.DelayFrom(fireAt))
			}
		}
		s.LastRequest = fireAt
	})

	wait := fireAt.Sub(now)
	if wait > 0 {
		metrics.ObserveRateWait(target.Name, wait)
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate governor wait: %w", err)
		}
	}
	return nil
}

// NextDelay draws the minimum gap for the next request.
func (g *Governor) NextDelay(target *harvest.Target) time.Duration {
	span := target.MaxDelay - target.MinDelay
	if span <= 0 {
		return target.MinDelay
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	if g.rng != nil {
		n = g.rng.Int64N(int64(span) + 1)
	} else {
		n = rand.Int64N(int64(span) + 1)
	}
	return target.MinDelay + time.Duration(n)
}

func (g *Governor) limiterFor(target *harvest.Target) *rate.Limiter {
	if target.RequestsPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[target.Name]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(target.RequestsPerMinute/60), 1)
		g.limiters[target.Name] = limiter
	}
	return limiter
}
