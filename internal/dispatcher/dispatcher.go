// Package dispatcher fans queued scans and reports out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Runner consumes queue items until its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the queue and its worker pool.
type Dispatcher struct {
	queue   followlytics.Queue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher over an existing set of workers.
func New(queue followlytics.Queue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// NewPool builds n workers with build and wraps them in a Dispatcher.
func NewPool(queue followlytics.Queue, n int, build func(i int) Runner, logger *zap.Logger) *Dispatcher {
	n = max(n, 1)
	workers := make([]Runner, 0, n)
	for i := range n {
		workers = append(workers, build(i))
	}
	return New(queue, workers, logger)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned from its current item.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() {
			w.Run(ctx)
		})
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item followlytics.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
