// Package trigger serializes scheduler triggers and turns each one into an
// idempotent (task, outbox) pair created in a single transaction.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
)

// EventPublisher drives a committed outbox event to the downstream queue.
// Satisfied by *outbox.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, event crawl.OutboxEvent) error
}

// State classifies a trigger result. Contention and duplicates are expected
// outcomes, not errors.
type State string

// Trigger result states.
const (
	StateCreated   State = "created"
	StateDuplicate State = "duplicate"
	StateInFlight  State = "in_flight"
)

// Result is the structured outcome of a trigger call.
type Result struct {
	State State
	Task  *crawl.CrawlTask
}

// Request describes one logical fetch unit to trigger.
type Request struct {
	SchedulerID int64
	SellerID    int64
	TaskType    crawl.TaskType
	PageNumber  *int
	ItemNo      *string
}

func (r Request) validate() error {
	if r.SchedulerID <= 0 {
		return crawl.NewValidationError("scheduler_id", "must be positive")
	}
	if r.SellerID <= 0 {
		return crawl.NewValidationError("seller_id", "must be positive")
	}
	switch r.TaskType {
	case crawl.TaskTypeMiniShop:
		if r.PageNumber == nil || *r.PageNumber < 1 {
			return crawl.NewValidationError("page_number", "required for MINI_SHOP and must be >= 1")
		}
	case crawl.TaskTypeProductDetail:
		if r.ItemNo == nil || *r.ItemNo == "" {
			return crawl.NewValidationError("item_no", "required for PRODUCT_DETAIL")
		}
	default:
		return crawl.NewValidationError("task_type", fmt.Sprintf("unknown type %q", r.TaskType))
	}
	return nil
}

// Coordinator implements the trigger operation: lock, create-or-noop inside
// one transaction, publish from the after-commit hook, release.
type Coordinator struct {
	locker    crawl.Locker
	store     crawl.TriggerStore
	keys      *crawl.KeyGenerator
	publisher EventPublisher
	clock     crawl.Clock
	logger    *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	locker crawl.Locker,
	store crawl.TriggerStore,
	keys *crawl.KeyGenerator,
	publisher EventPublisher,
	clock crawl.Clock,
	logger *zap.Logger,
) *Coordinator {
	metrics.Init()
	return &Coordinator{
		locker:    locker,
		store:     store,
		keys:      keys,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Trigger creates the task and outbox event for one fetch unit, exactly once
// per scheduling cycle. Lock scope covers the whole create-or-noop decision
// so two near-simultaneous triggers cannot both pass the existence check.
func (c *Coordinator) Trigger(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	log := logging.WithTrace(ctx, c.logger).With(zap.Int64("scheduler_id", req.SchedulerID))

	lockKey := fmt.Sprintf("scheduler:%d", req.SchedulerID)
	handle, err := c.locker.TryAcquire(ctx, lockKey)
	if err != nil {
		return Result{}, fmt.Errorf("acquire trigger lock: %w", err)
	}
	if handle == nil {
		metrics.ObserveTrigger(string(StateInFlight))
		log.Debug("trigger already in flight")
		return Result{State: StateInFlight}, nil
	}
	defer func() {
		// The release must go through even when the caller is gone (client
		// disconnect, shutdown); otherwise the key stays locked until TTL.
		released, rErr := c.locker.Release(context.WithoutCancel(ctx), lockKey, handle.OwnerToken)
		if rErr != nil {
			log.Error("trigger lock release failed", zap.Error(rErr))
		} else if !released {
			log.Warn("trigger lock no longer held at release", zap.String("lock_key", lockKey))
		}
	}()

	now := c.clock.Now()
	key := c.keys.Key(req.SellerID, req.TaskType, req.PageNumber, req.ItemNo)

	task := crawl.CrawlTask{
		SchedulerID:    req.SchedulerID,
		SellerID:       req.SellerID,
		TaskType:       req.TaskType,
		PageNumber:     req.PageNumber,
		ItemNo:         req.ItemNo,
		IdempotencyKey: key,
		Status:         crawl.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payload, err := json.Marshal(buildPayload(req))
	if err != nil {
		return Result{}, fmt.Errorf("encode trigger payload: %w", err)
	}
	event := crawl.OutboxEvent{
		IdempotencyKey: key,
		TaskType:       req.TaskType,
		Payload:        payload,
		Status:         crawl.OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	outcome, err := c.store.CreateTaskWithOutbox(ctx, task, event, c.afterCommit)
	if err != nil {
		return Result{}, fmt.Errorf("create task with outbox: %w", err)
	}

	if !outcome.Created {
		metrics.ObserveTrigger(string(StateDuplicate))
		log.Debug("trigger collapsed to existing task",
			zap.Int64("crawl_task_id", outcome.Task.ID),
			zap.String("idempotency_key", key),
		)
		return Result{State: StateDuplicate, Task: &outcome.Task}, nil
	}

	metrics.ObserveTrigger(string(StateCreated))
	log.Info("crawl task created",
		zap.Int64("crawl_task_id", outcome.Task.ID),
		zap.String("task_type", string(req.TaskType)),
		zap.String("idempotency_key", key),
	)
	return Result{State: StateCreated, Task: &outcome.Task}, nil
}

// afterCommit runs only once the creating transaction is durable. Publish
// failures here are absorbed: the row is committed and the sweeper heals it.
func (c *Coordinator) afterCommit(ctx context.Context, outcome crawl.TriggerOutcome) {
	if err := c.publisher.Publish(ctx, outcome.Event); err != nil {
		logging.WithTrace(ctx, c.logger).Error("post-commit publish failed",
			zap.Int64("outbox_id", outcome.Event.ID),
			zap.Error(err),
		)
	}
}

func buildPayload(req Request) map[string]any {
	payload := map[string]any{
		"scheduler_id": req.SchedulerID,
		"seller_id":    req.SellerID,
	}
	if req.PageNumber != nil {
		payload["page_number"] = *req.PageNumber
	}
	if req.ItemNo != nil {
		payload["item_no"] = *req.ItemNo
	}
	return payload
}
