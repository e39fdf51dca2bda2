package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// CreateTaskWithOutbox inserts the task and its outbox event in one
// transaction. The unique index on idempotency_key collapses duplicate
// triggers into a no-op returning the existing task. afterCommit runs only
// once the transaction is durable and only for newly created pairs, so a
// rollback can never leak a publish.
func (s *Store) CreateTaskWithOutbox(ctx context.Context, task crawl.CrawlTask, event crawl.OutboxEvent, afterCommit func(context.Context, crawl.TriggerOutcome)) (crawl.TriggerOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawl.TriggerOutcome{}, fmt.Errorf("begin trigger transaction: %w", err)
	}
	defer func() {
		// No-op once the transaction committed.
		_ = tx.Rollback(ctx)
	}()

	insertTask := `
		INSERT INTO crawl_task
			(scheduler_id, seller_id, task_type, page_number, item_no, idempotency_key, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`
	err = tx.QueryRow(ctx, insertTask,
		task.SchedulerID,
		task.SellerID,
		string(task.TaskType),
		task.PageNumber,
		task.ItemNo,
		task.IdempotencyKey,
		string(task.Status),
		task.CreatedAt,
		task.UpdatedAt,
	).Scan(&task.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict on the idempotency key: return the existing task as-is.
		existing, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM crawl_task WHERE idempotency_key = $1`,
			task.IdempotencyKey,
		))
		if err != nil {
			return crawl.TriggerOutcome{}, fmt.Errorf("load existing task for key %s: %w", task.IdempotencyKey, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return crawl.TriggerOutcome{}, fmt.Errorf("commit trigger transaction: %w", err)
		}
		return crawl.TriggerOutcome{Task: existing, Created: false}, nil
	}
	if err != nil {
		return crawl.TriggerOutcome{}, fmt.Errorf("insert task: %w", err)
	}

	event.CrawlTaskID = task.ID
	insertEvent := `
		INSERT INTO crawl_task_outbox
			(crawl_task_id, idempotency_key, task_type, payload, status, retry_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		RETURNING id`
	err = tx.QueryRow(ctx, insertEvent,
		event.CrawlTaskID,
		event.IdempotencyKey,
		string(event.TaskType),
		event.Payload,
		string(event.Status),
		event.NextAttemptAt,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return crawl.TriggerOutcome{}, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return crawl.TriggerOutcome{}, fmt.Errorf("commit trigger transaction: %w", err)
	}

	outcome := crawl.TriggerOutcome{Task: task, Event: event, Created: true}
	if afterCommit != nil {
		afterCommit(ctx, outcome)
	}
	return outcome, nil
}
