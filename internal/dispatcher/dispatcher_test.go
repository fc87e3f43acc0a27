package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	queuememory "github.com/followlytics/followlytics/internal/queue/memory"
	"github.com/followlytics/followlytics/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(worker.Deps{Queue: queue}, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []Runner{w}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherPoolDrainsQueue(t *testing.T) {
	queue := queuememory.NewQueue(16)
	var handled atomic.Int32
	dispatch := NewPool(queue, 3, func(int) Runner {
		return runnerFunc(func(ctx context.Context) {
			for {
				if _, err := queue.Dequeue(ctx); err != nil {
					return
				}
				handled.Add(1)
			}
		})
	}, nil)
	require.Equal(t, 3, dispatch.Size())

	for i := range 10 {
		require.NoError(t, dispatch.Enqueue(context.Background(), followlytics.QueueItem{
			Kind: followlytics.KindScan,
			ID:   fmt.Sprintf("scan-%d", i),
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return handled.Load() == 10 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNewPoolHasAtLeastOneWorker(t *testing.T) {
	dispatch := NewPool(&errorQueue{}, 0, func(int) Runner { return runnerFunc(func(context.Context) {}) }, nil)
	require.Equal(t, 1, dispatch.Size())
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil)

	err := dispatch.Enqueue(context.Background(), followlytics.QueueItem{ID: "scan"})
	require.EqualError(t, err, "queue enqueue: boom")
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, followlytics.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (followlytics.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return followlytics.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, followlytics.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (followlytics.QueueItem, error) {
	return followlytics.QueueItem{}, nil
}
