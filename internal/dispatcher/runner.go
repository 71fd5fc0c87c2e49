package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// ErrSessionActive is returned when a Target already has a running session.
var ErrSessionActive = errors.New("session already running for target")

const persistTimeout = 10 * time.Second

// StateSync reconciles live Target state with the persisted copy.
type StateSync interface {
	Refresh(ctx context.Context, target *harvest.Target) (harvest.StateSnapshot, error)
	Persist(ctx context.Context, target *harvest.Target) error
}

// SessionLoop runs one harvest session.
type SessionLoop interface {
	Run(ctx context.Context, target *harvest.Target, trigger string) harvest.SessionReport
}

// Runner runs sessions one at a time per Target and keeps the persisted
// Target state in step with the in-memory state.
type Runner struct {
	registry *harvest.Registry
	loop     SessionLoop
	states   StateSync
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRunner creates a Runner. states may be nil when state is not persisted.
func NewRunner(registry *harvest.Registry, loop SessionLoop, states StateSync, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		loop:     loop,
		states:   states,
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// RunSession runs one session for the named Target.
func (r *Runner) RunSession(ctx context.Context, name, trigger string) (harvest.SessionReport, error) {
	target, err := r.registry.Get(name)
	if err != nil {
		return harvest.SessionReport{}, err
	}
	if !r.tryAcquire(name) {
		return harvest.SessionReport{}, fmt.Errorf("%w: %s", ErrSessionActive, name)
	}
	defer r.release(name)

	if err := r.refresh(ctx, target); err != nil {
		r.logger.Warn("load target state failed, using in-memory state",
			zap.String("target", name),
			zap.Error(err),
		)
	}
	report := r.loop.Run(ctx, target, trigger)
	if err := r.persist(ctx, target); err != nil {
		r.logger.Error("save target state failed", zap.String("target", name), zap.Error(err))
	}
	return report, nil
}

// Active reports whether a session is running for the named Target.
func (r *Runner) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[name]
	return ok
}

func (r *Runner) tryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[name]; busy {
		return false
	}
	r.active[name] = struct{}{}
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
}

// refresh picks up changes made by other processes, such as the CLI.
func (r *Runner) refresh(ctx context.Context, target *harvest.Target) error {
	if r.states == nil {
		return nil
	}
	_, err := r.states.Refresh(ctx, target)
	return err
}

// persist merges the stored state before saving, so an operator action taken
// elsewhere during the session survives it.
func (r *Runner) persist(ctx context.Context, target *harvest.Target) error {
	if r.states == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return r.states.Persist(saveCtx, target)
}
