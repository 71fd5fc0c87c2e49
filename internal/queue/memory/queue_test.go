package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	result := make(chan harvest.SessionRequest, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), harvest.SessionRequest{Target: "pvp", Trigger: "api"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "pvp", got.Target)
		require.Equal(t, "api", got.Trigger)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCoalescesPendingTarget(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, harvest.SessionRequest{Target: "pvp"}))
	require.ErrorIs(t, q.Enqueue(ctx, harvest.SessionRequest{Target: "pvp"}), ErrAlreadyQueued)
	require.NoError(t, q.Enqueue(ctx, harvest.SessionRequest{Target: "api"}))
	require.Equal(t, 2, q.Len())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "pvp", got.Target)

	// Once dequeued, the target may be queued again.
	require.NoError(t, q.Enqueue(ctx, harvest.SessionRequest{Target: "pvp"}))
}

func TestQueueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), harvest.SessionRequest{Target: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, harvest.SessionRequest{Target: "b"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The canceled request must not stay marked as pending.
	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), harvest.SessionRequest{Target: "b"}))

	emptyCtx, cancelEmpty := context.WithCancel(context.Background())
	cancelEmpty()
	_, err = NewQueue(1).Dequeue(emptyCtx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	q.Close()
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
	require.ErrorIs(t, q.Enqueue(context.Background(), harvest.SessionRequest{Target: "x"}), ErrClosed)
}
