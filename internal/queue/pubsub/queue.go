// Package pubsub implements scrape.Queue over a Google Cloud Pub/Sub topic
// and subscription so admitted jobs can be shared by several instances.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Config names the topic jobs are published to and the subscription workers
// pull from.
type Config struct {
	Topic        string
	Subscription string
	// MaxOutstanding caps messages held in flight by this instance.
	MaxOutstanding int
}

type message struct {
	JobHash   string    `json:"job_hash"`
	UserID    string    `json:"user_id"`
	TargetURL string    `json:"target_url"`
	Submitted time.Time `json:"submitted"`
}

// Queue publishes queue items as JSON and hands received messages to
// Dequeue callers one at a time. A message is acked once a caller has taken
// it; jobs lost after that point are failed by the reconciler.
type Queue struct {
	topic  *pubsub.Topic
	items  chan scrape.QueueItem
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

// New verifies the topic and subscription exist and starts receiving.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.Topic)
	}
	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", cfg.Subscription, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", cfg.Subscription)
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		topic:  topic,
		items:  make(chan scrape.QueueItem),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.receive(recvCtx, sub)
	return q, nil
}

func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(q.done)
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var m message
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.JobHash == "" {
			q.logger.Error("dropping malformed queue message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			msg.Ack()
			return
		}
		item := scrape.QueueItem{
			Hash:      scrape.JobHash(m.JobHash),
			UserID:    m.UserID,
			TargetURL: m.TargetURL,
			Submitted: m.Submitted,
		}
		select {
		case q.items <- item:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Enqueue publishes item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	select {
	case <-q.done:
		return scrape.ErrQueueClosed
	default:
	}
	data, err := json.Marshal(message{
		JobHash:   item.Hash.String(),
		UserID:    item.UserID,
		TargetURL: item.TargetURL,
		Submitted: item.Submitted,
	})
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives, ctx ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return scrape.QueueItem{}, scrape.ErrQueueClosed
	case item := <-q.items:
		return item, nil
	}
}

// Close stops receiving and flushes pending publishes. Unclaimed messages are
// nacked for redelivery.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
		q.topic.Stop()
	})
}
