// Package dispatcher fans queued session requests out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// Dispatcher consumes the session queue with a fixed number of workers.
// Independent Targets run in parallel; the Runner keeps each Target serial.
type Dispatcher struct {
	queue   harvest.Queue
	runner  *Runner
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue harvest.Queue, runner *Runner, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runner:  runner,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req harvest.SessionRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued session request",
			zap.String("target", req.Target),
			zap.String("trigger", req.Trigger),
		)
		report, err := d.runner.RunSession(ctx, req.Target, req.Trigger)
		switch {
		case errors.Is(err, ErrSessionActive):
			logger.Info("session request dropped, target busy", zap.String("target", req.Target))
		case err != nil:
			logger.Error("session request failed", zap.String("target", req.Target), zap.Error(err))
		default:
			logger.Debug("session finished",
				zap.String("target", req.Target),
				zap.String("session_id", report.ID),
				zap.String("status", string(report.Status)),
			)
		}
	}
}
