package postgres

import (
	"context"
	"fmt"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// InsertExecution appends one fetch attempt record.
func (s *Store) InsertExecution(ctx context.Context, exec crawl.CrawlExecution) (crawl.CrawlExecution, error) {
	query := `
		INSERT INTO crawl_execution
			(crawl_task_id, started_at, finished_at, http_status, outcome, error_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	err := s.db.QueryRow(ctx, query,
		exec.CrawlTaskID,
		exec.StartedAt,
		exec.FinishedAt,
		exec.HTTPStatus,
		string(exec.Outcome),
		exec.ErrorText,
	).Scan(&exec.ID)
	if err != nil {
		return crawl.CrawlExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}
