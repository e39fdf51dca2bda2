package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

const outboxColumns = `id, crawl_task_id, idempotency_key, task_type, payload,
	status, retry_count, next_attempt_at, created_at, processed_at`

// GetEvent retrieves a single outbox event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (crawl.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM crawl_task_outbox WHERE id = $1`
	event, err := scanEvent(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.OutboxEvent{}, crawl.ErrNotFound
		}
		return crawl.OutboxEvent{}, fmt.Errorf("get outbox event %d: %w", id, err)
	}
	return event, nil
}

// LatestEventForTask retrieves the most recent outbox event for a task.
func (s *Store) LatestEventForTask(ctx context.Context, taskID int64) (crawl.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + `
		FROM crawl_task_outbox WHERE crawl_task_id = $1 ORDER BY id DESC LIMIT 1`
	event, err := scanEvent(s.db.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.OutboxEvent{}, crawl.ErrNotFound
		}
		return crawl.OutboxEvent{}, fmt.Errorf("latest outbox event for task %d: %w", taskID, err)
	}
	return event, nil
}

// InsertEvent persists a new outbox event and returns it with its id.
func (s *Store) InsertEvent(ctx context.Context, event crawl.OutboxEvent) (crawl.OutboxEvent, error) {
	query := `
		INSERT INTO crawl_task_outbox
			(crawl_task_id, idempotency_key, task_type, payload, status, retry_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	err := s.db.QueryRow(ctx, query,
		event.CrawlTaskID,
		event.IdempotencyKey,
		string(event.TaskType),
		event.Payload,
		string(event.Status),
		event.RetryCount,
		event.NextAttemptAt,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return crawl.OutboxEvent{}, fmt.Errorf("insert outbox event: %w", err)
	}
	return event, nil
}

// Claim is the single-writer gate: the conditional PENDING/FAILED to
// PROCESSING update succeeds for exactly one caller per row.
func (s *Store) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'PROCESSING', claimed_at = $1
		WHERE id = $2 AND status IN ('PENDING', 'FAILED')`
	tag, err := s.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("claim outbox event %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue atomically claims up to limit due rows. SKIP LOCKED keeps
// concurrent sweepers from contending on the same rows.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]crawl.OutboxEvent, error) {
	query := `
		WITH due AS (
			SELECT id FROM crawl_task_outbox
			WHERE status IN ('PENDING', 'FAILED') AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE crawl_task_outbox o
		SET status = 'PROCESSING', claimed_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.crawl_task_id, o.idempotency_key, o.task_type, o.payload,
			o.status, o.retry_count, o.next_attempt_at, o.created_at, o.processed_at`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox events: %w", err)
	}
	defer rows.Close()

	var events []crawl.OutboxEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due outbox events: %w", err)
	}
	return events, nil
}

// MarkPublished finishes a claimed row. PUBLISHED is terminal; the guard on
// PROCESSING keeps a lost claimant from overwriting it.
func (s *Store) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'PUBLISHED', processed_at = $1
		WHERE id = $2 AND status = 'PROCESSING'`
	if _, err := s.db.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark outbox event %d published: %w", id, err)
	}
	return nil
}

// MarkFailed schedules the next retry attempt for a claimed row.
func (s *Store) MarkFailed(ctx context.Context, id int64, retryCount int, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'FAILED', retry_count = $1, next_attempt_at = $2, last_error = $3
		WHERE id = $4 AND status = 'PROCESSING'`
	if _, err := s.db.Exec(ctx, query, retryCount, nextAttemptAt, lastError, id); err != nil {
		return fmt.Errorf("mark outbox event %d failed: %w", id, err)
	}
	return nil
}

// MarkDead escalates a row whose retry budget is exhausted. Terminal until an
// operator reactivates it.
func (s *Store) MarkDead(ctx context.Context, id int64, at time.Time, lastError string) error {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'DEAD', processed_at = $1, last_error = $2
		WHERE id = $3 AND status = 'PROCESSING'`
	if _, err := s.db.Exec(ctx, query, at, lastError, id); err != nil {
		return fmt.Errorf("mark outbox event %d dead: %w", id, err)
	}
	return nil
}

// Reactivate moves a DEAD row back to PENDING with a fresh retry budget.
func (s *Store) Reactivate(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'PENDING', retry_count = 0, next_attempt_at = $1, last_error = NULL
		WHERE id = $2 AND status = 'DEAD'`
	tag, err := s.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("reactivate outbox event %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStale returns rows stuck in PROCESSING past the stale lease to
// FAILED so the sweeper can retry them.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	query := `
		UPDATE crawl_task_outbox
		SET status = 'FAILED', claimed_at = NULL
		WHERE status = 'PROCESSING' AND claimed_at < $1`
	tag, err := s.db.Exec(ctx, query, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale outbox events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEvent(row pgx.Row) (crawl.OutboxEvent, error) {
	var event crawl.OutboxEvent
	err := row.Scan(
		&event.ID,
		&event.CrawlTaskID,
		&event.IdempotencyKey,
		&event.TaskType,
		&event.Payload,
		&event.Status,
		&event.RetryCount,
		&event.NextAttemptAt,
		&event.CreatedAt,
		&event.ProcessedAt,
	)
	return event, err
}
