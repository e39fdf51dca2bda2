package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
)

// MaxRetryBatch bounds one retry-tasks invocation.
const MaxRetryBatch = 100

// RetryResult reports what a retry batch actually did, per task id.
type RetryResult struct {
	Requeued []int64
	// Skipped holds ids that were unknown or not in a requeueable state.
	Skipped []int64
}

// RetryFailedTasks requeues tasks sitting in RETRY by writing a fresh outbox
// event for each and driving it through the publisher. Over-limit batches are
// rejected outright with no partial effects.
func (e *Engine) RetryFailedTasks(ctx context.Context, ids []int64) (RetryResult, error) {
	if len(ids) == 0 {
		return RetryResult{}, crawl.NewValidationError("task_ids", "must not be empty")
	}
	if len(ids) > MaxRetryBatch {
		return RetryResult{}, crawl.NewValidationError("task_ids",
			fmt.Sprintf("batch of %d exceeds limit of %d", len(ids), MaxRetryBatch))
	}
	log := logging.WithTrace(ctx, e.logger)

	tasks, err := e.tasks.ListTasks(ctx, ids)
	if err != nil {
		return RetryResult{}, fmt.Errorf("load retry batch: %w", err)
	}
	byID := make(map[int64]crawl.CrawlTask, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	var result RetryResult
	for _, id := range ids {
		task, ok := byID[id]
		if !ok || task.Status != crawl.TaskStatusRetry {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if err := e.requeue(ctx, task, log); err != nil {
			log.Error("task requeue failed", zap.Int64("crawl_task_id", id), zap.Error(err))
			result.Skipped = append(result.Skipped, id)
			continue
		}
		result.Requeued = append(result.Requeued, id)
	}

	log.Info("retry batch processed",
		zap.Int("requeued", len(result.Requeued)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// requeue writes a fresh PENDING outbox event for the task and publishes it.
// The publisher's QUEUED transition re-enters the task into the queue flow.
func (e *Engine) requeue(ctx context.Context, task crawl.CrawlTask, log *zap.Logger) error {
	payload, err := json.Marshal(taskPayload(task))
	if err != nil {
		return fmt.Errorf("encode requeue payload: %w", err)
	}
	now := e.clock.Now()
	event, err := e.outbox.InsertEvent(ctx, crawl.OutboxEvent{
		CrawlTaskID:    task.ID,
		IdempotencyKey: task.IdempotencyKey,
		TaskType:       task.TaskType,
		Payload:        payload,
		Status:         crawl.OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("insert requeue event: %w", err)
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		// The row is durable; the sweeper picks it up on its next pass.
		log.Warn("requeue publish deferred to sweeper",
			zap.Int64("outbox_id", event.ID),
			zap.Error(err),
		)
	}
	return nil
}

func taskPayload(task crawl.CrawlTask) map[string]any {
	payload := map[string]any{
		"scheduler_id": task.SchedulerID,
		"seller_id":    task.SellerID,
	}
	if task.PageNumber != nil {
		payload["page_number"] = *task.PageNumber
	}
	if task.ItemNo != nil {
		payload["item_no"] = *task.ItemNo
	}
	return payload
}
