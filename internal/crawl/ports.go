package crawl

import (
	"context"
	"net/http"
	"time"
)

// Clock abstracts time so tests can substitute a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Locker is a cross-process mutual-exclusion primitive with TTL and
// owner-token release safety. TryAcquire returns a nil handle when another
// holder owns the key; callers treat that as "try again later", not an error.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (*LockHandle, error)
	Release(ctx context.Context, key, ownerToken string) (bool, error)
}

// TriggerOutcome is the result of an atomic create-or-noop trigger write.
type TriggerOutcome struct {
	Task    CrawlTask
	Event   OutboxEvent
	Created bool
}

// TriggerStore persists a task and its outbox event in one transaction.
// afterCommit runs only when the transaction committed and a new row pair was
// created; a rolled-back transaction must never invoke it.
type TriggerStore interface {
	CreateTaskWithOutbox(ctx context.Context, task CrawlTask, event OutboxEvent, afterCommit func(context.Context, TriggerOutcome)) (TriggerOutcome, error)
}

// TaskStore exposes the conditional task-state primitives the core needs.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (CrawlTask, error)
	ListTasks(ctx context.Context, ids []int64) ([]CrawlTask, error)
	// TransitionStatus performs a conditional update guarded by the current
	// status set; it reports whether a row was actually moved.
	TransitionStatus(ctx context.Context, id int64, from []TaskStatus, to TaskStatus, at time.Time) (bool, error)
	IncrementAttempts(ctx context.Context, id int64, at time.Time) error
	// ReclaimStaleRunning moves tasks stuck in RUNNING since before staleBefore
	// back to RETRY, or to FAILED once their attempt budget is spent (worker
	// crash between claiming the task and writing its outcome). Returns how
	// many rows went each way.
	ReclaimStaleRunning(ctx context.Context, staleBefore time.Time, maxAttempts int, at time.Time) (retried, failed int, err error)
}

// OutboxStore exposes the outbox state machine primitives. Claim is the
// single-writer gate shared by publisher and sweeper: the conditional
// PENDING/FAILED -> PROCESSING update never succeeds twice for one row.
type OutboxStore interface {
	GetEvent(ctx context.Context, id int64) (OutboxEvent, error)
	LatestEventForTask(ctx context.Context, taskID int64) (OutboxEvent, error)
	InsertEvent(ctx context.Context, event OutboxEvent) (OutboxEvent, error)
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, retryCount int, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id int64, at time.Time, lastError string) error
	// Reactivate moves a DEAD row back to PENDING with a fresh retry budget.
	// This is the operator-driven escape hatch; it never runs automatically.
	Reactivate(ctx context.Context, id int64, at time.Time) (bool, error)
	// ReclaimStale moves rows stuck in PROCESSING since before staleBefore
	// back to FAILED so the sweeper can retry them (publisher crash mid-send).
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error)
}

// ExecutionStore records append-only fetch attempt history.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, exec CrawlExecution) (CrawlExecution, error)
}

// QueueSender delivers messages to the downstream queue with at-least-once
// semantics. Send blocks until the broker acknowledges or ctx expires.
type QueueSender interface {
	Send(ctx context.Context, msg QueueMessage) error
}

// QueueReceiver hands queued messages to the handler until ctx finishes.
type QueueReceiver interface {
	Receive(ctx context.Context, handle func(context.Context, QueueMessage) error) error
}

// FetchRequest captures everything needed to perform one external fetch.
type FetchRequest struct {
	URL          string
	UserAgent    string
	SessionToken string
	Headers      http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs the external HTTP call. Implementations carry their own
// timeout; a timeout error is classified as a transient failure by callers.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}
