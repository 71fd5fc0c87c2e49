// Package memory provides the in-process session request queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// Queue errors.
var (
	ErrClosed        = harvest.ErrQueueClosed
	ErrAlreadyQueued = harvest.ErrAlreadyQueued
)

// Queue is a bounded in-memory queue with context-aware operations. At most
// one pending request per Target is held; later ones are coalesced.
type Queue struct {
	ch   chan harvest.SessionRequest
	done chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan harvest.SessionRequest, capacity),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// Enqueue pushes a request, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, req harvest.SessionRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, ok := q.pending[req.Target]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, req.Target)
	}
	q.pending[req.Target] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- req:
		return nil
	case <-ctx.Done():
		q.release(req.Target)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.release(req.Target)
		return ErrClosed
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.SessionRequest, error) {
	select {
	case <-ctx.Done():
		return harvest.SessionRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return harvest.SessionRequest{}, ErrClosed
	case req := <-q.ch:
		q.release(req.Target)
		return req, nil
	}
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue; blocked callers return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) release(target string) {
	q.mu.Lock()
	delete(q.pending, target)
	q.mu.Unlock()
}
