package postgres

import (
	"context"
	"fmt"
)

// schema holds the DDL for the crawl tables. Applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS crawl_task (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	scheduler_id BIGINT NOT NULL,
	seller_id BIGINT NOT NULL,
	task_type TEXT NOT NULL,
	page_number INT,
	item_no TEXT,
	idempotency_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_task_outbox (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	crawl_task_id BIGINT NOT NULL REFERENCES crawl_task (id),
	idempotency_key TEXT NOT NULL,
	task_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_due
	ON crawl_task_outbox (next_attempt_at)
	WHERE status IN ('PENDING', 'FAILED');

CREATE TABLE IF NOT EXISTS crawl_execution (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	crawl_task_id BIGINT NOT NULL REFERENCES crawl_task (id),
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	http_status INT NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_execution_task
	ON crawl_execution (crawl_task_id);
`

// EnsureSchema creates the crawl tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
