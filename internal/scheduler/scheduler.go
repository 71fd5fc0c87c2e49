// Package scheduler enqueues recurring harvest sessions on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// DefaultSchedule matches the six-hour cycle of the source system.
const DefaultSchedule = "@every 6h"

// Triggers recorded on session requests.
const (
	TriggerCron    = "cron"
	TriggerStartup = "startup"
)

// Enqueuer accepts session requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req harvest.SessionRequest) error
}

// Config controls the scheduler.
type Config struct {
	// DefaultSchedule applies to Targets without their own schedule.
	DefaultSchedule string
	RunOnStart      bool
}

// Scheduler owns one cron entry per Target.
type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	enqueuer Enqueuer
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]cron.EntryID
	names   []string
}

// New registers every Target in the registry. An invalid schedule is an error.
func New(
	registry *harvest.Registry,
	enqueuer Enqueuer,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultSchedule == "" {
		cfg.DefaultSchedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		parser:   parser,
		enqueuer: enqueuer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  context.Background(),
		entries:  make(map[string]cron.EntryID),
	}
	for _, target := range registry.All() {
		if err := s.add(target); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(target *harvest.Target) error {
	expr := target.Schedule
	if expr == "" {
		expr = s.cfg.DefaultSchedule
	}
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("target %q: parse schedule %q: %w", target.Name, expr, err)
	}
	name := target.Name
	id, err := s.cron.AddFunc(expr, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		s.logTrigger(s.Trigger(ctx, name, TriggerCron), name, TriggerCron)
	})
	if err != nil {
		return fmt.Errorf("target %q: schedule %q: %w", target.Name, expr, err)
	}
	s.entries[name] = id
	s.names = append(s.names, name)
	s.logger.Info("harvest scheduled", zap.String("target", name), zap.String("schedule", expr))
	return nil
}

// Start begins firing entries. Enqueues made by the scheduler use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if s.cfg.RunOnStart {
		for _, name := range s.names {
			s.logTrigger(s.Trigger(ctx, name, TriggerStartup), name, TriggerStartup)
		}
	}
	s.cron.Start()
}

// Stop halts the cron and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Trigger enqueues a session request for the named Target.
func (s *Scheduler) Trigger(ctx context.Context, name, trigger string) error {
	req := harvest.SessionRequest{Target: name, Trigger: trigger, RequestedAt: s.clock.Now()}
	if err := s.enqueuer.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue %s session: %w", name, err)
	}
	s.logger.Debug("session queued", zap.String("target", name), zap.String("trigger", trigger))
	return nil
}

// logTrigger reports a failed enqueue. Coalesced requests are logged at debug.
func (s *Scheduler) logTrigger(err error, name, trigger string) {
	switch {
	case err == nil:
	case errors.Is(err, harvest.ErrAlreadyQueued):
		s.logger.Debug("session already pending", zap.String("target", name), zap.String("trigger", trigger))
	default:
		s.logger.Warn("session not queued", zap.String("target", name), zap.String("trigger", trigger), zap.Error(err))
	}
}

// Next returns the next scheduled run of the named Target.
func (s *Scheduler) Next(name string) (time.Time, error) {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", harvest.ErrUnknownTarget, name)
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, errors.New("schedule entry not found")
	}
	return entry.Next, nil
}
