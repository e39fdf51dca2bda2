package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
)

// Worker consumes queued crawl messages and runs them through the engine.
type Worker struct {
	engine   *Engine
	receiver crawl.QueueReceiver
	logger   *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(engine *Engine, receiver crawl.QueueReceiver, logger *zap.Logger) *Worker {
	return &Worker{engine: engine, receiver: receiver, logger: logger}
}

// Run blocks consuming messages until ctx is cancelled. A handler error nacks
// the message for redelivery; crawl failures are absorbed into task state and
// acked, only infrastructure errors propagate.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("crawl worker started")
	err := w.receiver.Receive(ctx, w.handle)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("queue receive: %w", err)
	}
	w.logger.Info("crawl worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, msg crawl.QueueMessage) error {
	log := logging.WithTrace(ctx, w.logger).With(zap.Int64("crawl_task_id", msg.CrawlTaskID))

	exec, err := w.engine.Execute(ctx, msg)
	if err != nil {
		log.Error("crawl execution errored", zap.Error(err))
		return err
	}
	if exec == nil {
		return nil
	}
	log.Debug("crawl execution recorded",
		zap.String("outcome", string(exec.Outcome)),
		zap.Int("http_status", exec.HTTPStatus),
	)
	return nil
}
