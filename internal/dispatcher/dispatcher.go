// Package dispatcher runs the worker pool that drains the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
	"github.com/JakeFAU/sitecorpus/internal/worker"
)

// Dispatcher submits admitted jobs to a queue and runs the workers that
// consume it.
type Dispatcher struct {
	queue     scrape.Queue
	processor worker.Processor
	size      int
	logger    *zap.Logger
}

// New creates a Dispatcher with size workers sharing one processor.
func New(queue scrape.Queue, processor worker.Processor, size int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, processor: processor, size: size, logger: logger}
}

// Size reports the number of workers Run starts.
func (d *Dispatcher) Size() int {
	return d.size
}

// Run starts the workers and blocks until ctx is done and every in-flight job
// has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.size; i++ {
		w := worker.New(d.queue, d.processor, d.logger.With(zap.Int("worker", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
	d.logger.Debug("workers stopped", zap.Int("workers", d.size))
}

// Enqueue submits an admitted job for background processing.
func (d *Dispatcher) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue job %s: %w", item.Hash, err)
	}
	d.logger.Debug("job enqueued", zap.String("job_hash", item.Hash.String()))
	return nil
}
