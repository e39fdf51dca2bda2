package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// Noop is a sender that logs and discards messages. Used in dry-run mode
// where no broker is configured.
type Noop struct {
	logger *zap.Logger
}

// NewNoop constructs a no-op sender.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

// Send logs the message and reports success.
func (n *Noop) Send(_ context.Context, msg crawl.QueueMessage) error {
	n.logger.Info("dry-run queue send",
		zap.Int64("crawl_task_id", msg.CrawlTaskID),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return nil
}
