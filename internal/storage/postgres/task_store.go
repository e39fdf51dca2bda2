package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

const taskColumns = `id, scheduler_id, seller_id, task_type, page_number, item_no,
	idempotency_key, status, attempts, created_at, updated_at`

// GetTask retrieves a single crawl task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (crawl.CrawlTask, error) {
	query := `SELECT ` + taskColumns + ` FROM crawl_task WHERE id = $1`
	task, err := scanTask(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.CrawlTask{}, crawl.ErrNotFound
		}
		return crawl.CrawlTask{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// ListTasks retrieves the tasks matching the given ids. Missing ids are
// simply absent from the result.
func (s *Store) ListTasks(ctx context.Context, ids []int64) ([]crawl.CrawlTask, error) {
	query := `SELECT ` + taskColumns + ` FROM crawl_task WHERE id = ANY($1) ORDER BY id`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []crawl.CrawlTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// TransitionStatus conditionally moves a task from any of the given statuses
// to the target status. It reports whether a row actually moved, so racing
// workers resolve duplicate deliveries without errors.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from []crawl.TaskStatus, to crawl.TaskStatus, at time.Time) (bool, error) {
	fromValues := make([]string, len(from))
	for i, status := range from {
		fromValues[i] = string(status)
	}
	query := `
		UPDATE crawl_task
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`
	tag, err := s.db.Exec(ctx, query, string(to), at, id, fromValues)
	if err != nil {
		return false, fmt.Errorf("transition task %d to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStaleRunning heals tasks abandoned mid-execution: rows stuck in
// RUNNING since before staleBefore go back to RETRY, or to FAILED when their
// attempt budget is already spent. The queue redelivery for such a task was
// dropped as a duplicate, so without this sweep nothing would ever move it.
func (s *Store) ReclaimStaleRunning(ctx context.Context, staleBefore time.Time, maxAttempts int, at time.Time) (int, int, error) {
	query := `
		UPDATE crawl_task
		SET status = CASE WHEN attempts >= $1 THEN 'FAILED' ELSE 'RETRY' END,
			updated_at = $2
		WHERE status = 'RUNNING' AND updated_at < $3
		RETURNING status`
	rows, err := s.db.Query(ctx, query, maxAttempts, at, staleBefore)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim stale running tasks: %w", err)
	}
	defer rows.Close()

	var retried, failed int
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("scan reclaimed task status: %w", err)
		}
		if status == string(crawl.TaskStatusFailed) {
			failed++
		} else {
			retried++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("reclaim stale running tasks: %w", err)
	}
	return retried, failed, nil
}

// IncrementAttempts bumps the task attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE crawl_task SET attempts = attempts + 1, updated_at = $1 WHERE id = $2`
	if _, err := s.db.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("increment attempts for task %d: %w", id, err)
	}
	return nil
}

func scanTask(row pgx.Row) (crawl.CrawlTask, error) {
	var task crawl.CrawlTask
	err := row.Scan(
		&task.ID,
		&task.SchedulerID,
		&task.SellerID,
		&task.TaskType,
		&task.PageNumber,
		&task.ItemNo,
		&task.IdempotencyKey,
		&task.Status,
		&task.Attempts,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	return task, err
}
