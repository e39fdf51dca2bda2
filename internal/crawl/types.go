// Package crawl defines core types and ports shared across subsystems.
package crawl

import (
	"time"
)

// TaskType discriminates what a crawl task fetches.
type TaskType string

// Task types persisted in the task store.
const (
	TaskTypeMiniShop      TaskType = "MINI_SHOP"
	TaskTypeProductDetail TaskType = "PRODUCT_DETAIL"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values. Transitions are forward-only except RETRY -> QUEUED,
// which re-enters the publish path for another attempt.
const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusRetry     TaskStatus = "RETRY"
)

// CanTransitionTo reports whether moving from s to next is a legal task
// state transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusFailed
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusRetry
	case TaskStatusRetry:
		return next == TaskStatusQueued || next == TaskStatusFailed
	default:
		// COMPLETED and FAILED are terminal.
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CrawlTask is the unit of scheduled work. ID zero means not yet persisted.
type CrawlTask struct {
	ID             int64
	SchedulerID    int64
	SellerID       int64
	TaskType       TaskType
	PageNumber     *int
	ItemNo         *string
	IdempotencyKey string
	Status         TaskStatus
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxStatus represents the delivery state of an outbox event.
type OutboxStatus string

// Outbox status values. PUBLISHED and DEAD are terminal.
const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusPublished  OutboxStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

// IsTerminal reports whether the outbox status is a resting terminal state.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusPublished || s == OutboxStatusDead
}

// OutboxEvent is persisted in the same transaction as its CrawlTask and
// published to the downstream queue after commit.
type OutboxEvent struct {
	ID             int64
	CrawlTaskID    int64
	IdempotencyKey string
	TaskType       TaskType
	Payload        []byte
	Status         OutboxStatus
	RetryCount     int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// ExecutionOutcome classifies a finished fetch attempt.
type ExecutionOutcome string

// Execution outcomes recorded per attempt.
const (
	OutcomeSuccess          ExecutionOutcome = "SUCCESS"
	OutcomeTransientFailure ExecutionOutcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure ExecutionOutcome = "PERMANENT_FAILURE"
)

// CrawlExecution is the append-only record of one fetch attempt.
type CrawlExecution struct {
	ID          int64
	CrawlTaskID int64
	StartedAt   time.Time
	FinishedAt  time.Time
	HTTPStatus  int
	Outcome     ExecutionOutcome
	ErrorText   string
}

// QueueMessage is the versioned payload sent to the downstream queue.
type QueueMessage struct {
	CrawlTaskID    int64          `json:"crawl_task_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	TaskType       TaskType       `json:"task_type"`
	Payload        map[string]any `json:"payload"`
}

// LockHandle proves ownership of an acquired distributed lock. Release must
// present the owner token; a foreign token never releases the key.
type LockHandle struct {
	Key        string
	OwnerToken string
}

// AgentState is the pool state of a user-agent entry.
type AgentState string

// Agent states. BLACKLISTED is terminal until an explicit recovery.
const (
	AgentActive      AgentState = "ACTIVE"
	AgentBlacklisted AgentState = "BLACKLISTED"
	AgentCooling     AgentState = "COOLING"
)

// SessionToken is an issued client session. Replaced on renewal, never
// mutated in place.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at the given instant.
func (t SessionToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt)
}

// NeedsRenewal reports whether the token enters its renewal window at now.
func (t SessionToken) NeedsRenewal(now time.Time, buffer time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-buffer))
}
