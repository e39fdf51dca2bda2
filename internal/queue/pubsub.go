// Package queue implements the downstream queue ports on Google Cloud
// Pub/Sub.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// PubSub implements crawl.QueueSender and crawl.QueueReceiver on one client.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// Config names the Pub/Sub resources to use. SubscriptionID may be empty for
// publish-only processes.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// Concurrency bounds how many messages the subscription handles at once.
	Concurrency int
}

// New creates a Pub/Sub client and verifies the topic exists. It
// authenticates using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	q := &PubSub{client: client, topic: topic, logger: logger}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
		q.sub.ReceiveSettings = receiveSettings(cfg.Concurrency)
	}
	return q, nil
}

// receiveSettings caps in-flight messages at the worker concurrency so a slow
// crawl cannot pile up leased messages past their ack deadlines.
func receiveSettings(concurrency int) pubsub.ReceiveSettings {
	if concurrency <= 0 {
		concurrency = 4
	}
	settings := pubsub.DefaultReceiveSettings
	settings.NumGoroutines = concurrency
	settings.MaxOutstandingMessages = concurrency
	return settings
}

// Send publishes one crawl message and blocks until the broker acknowledges
// or ctx expires. Blocking is what lets the outbox state machine distinguish
// a delivered event from a failed one.
func (q *PubSub) Send(ctx context.Context, msg crawl.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"idempotency_key": msg.IdempotencyKey,
			"task_type":       string(msg.TaskType),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue message: %w", err)
	}
	return nil
}

// Receive consumes messages until ctx finishes. A handler error nacks the
// message for redelivery; undecodable messages are acked and dropped since
// redelivery cannot fix them.
func (q *PubSub) Receive(ctx context.Context, handle func(context.Context, crawl.QueueMessage) error) error {
	if q.sub == nil {
		return fmt.Errorf("pubsub subscription is not configured")
	}
	return q.sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		var msg crawl.QueueMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			q.logger.Error("dropping undecodable queue message",
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			m.Ack()
			return
		}
		if err := handle(msgCtx, msg); err != nil {
			q.logger.Warn("queue message nacked for redelivery",
				zap.Int64("crawl_task_id", msg.CrawlTaskID),
				zap.Error(err),
			)
			m.Nack()
			return
		}
		m.Ack()
	})
}

// Close stops the topic's publisher and closes the client connection.
func (q *PubSub) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
