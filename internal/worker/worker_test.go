package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/queue/memory"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

type recordingProcessor struct {
	mu    sync.Mutex
	seen  []scrape.JobHash
	errOn map[scrape.JobHash]error
}

func (p *recordingProcessor) Process(_ context.Context, item scrape.QueueItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, item.Hash)
	return p.errOn[item.Hash]
}

func (p *recordingProcessor) processed() []scrape.JobHash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scrape.JobHash(nil), p.seen...)
}

type flakyQueue struct {
	mu    sync.Mutex
	items []scrape.QueueItem
	errs  int
}

func (q *flakyQueue) Enqueue(context.Context, scrape.QueueItem) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	q.mu.Lock()
	if q.errs > 0 {
		q.errs--
		q.mu.Unlock()
		return scrape.QueueItem{}, errors.New("transient dequeue error")
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return scrape.QueueItem{}, ctx.Err()
}

func TestWorkerProcessesQueuedJobsInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for _, h := range []scrape.JobHash{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{Hash: h}))
	}
	proc := &recordingProcessor{errOn: map[scrape.JobHash]error{"b": scrape.ErrNoContent}}
	w := New(q, proc, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(proc.processed()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []scrape.JobHash{"a", "b", "c"}, proc.processed())
}

func TestWorkerSurvivesDequeueErrors(t *testing.T) {
	t.Parallel()

	q := &flakyQueue{errs: 2, items: []scrape.QueueItem{{Hash: "after-errors"}}}
	proc := &recordingProcessor{}
	w := New(q, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(proc.processed()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerStopsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &recordingProcessor{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
