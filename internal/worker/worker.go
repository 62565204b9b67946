// Package worker consumes admitted jobs from the queue and runs them
// through the lifecycle pipeline.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Processor runs one admitted job to a terminal status.
type Processor interface {
	Process(ctx context.Context, item scrape.QueueItem) error
}

// Worker consumes queue items and executes the job pipeline.
type Worker struct {
	queue     scrape.Queue
	processor Processor
	logger    *zap.Logger
}

// New constructs a Worker.
func New(queue scrape.Queue, processor Processor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scrape.ErrQueueClosed) {
				w.logger.Info("queue closed; worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_hash", item.Hash.String()))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	// The lifecycle manager logs and records the failure class itself.
	if err := w.processor.Process(ctx, item); err != nil {
		w.logger.Debug("job ended in failure",
			zap.String("job_hash", item.Hash.String()),
			zap.String("class", scrape.FailureClass(err)),
		)
	}
}
