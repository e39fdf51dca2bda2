package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
)

// Config controls Publisher behavior.
type Config struct {
	MaxRetries  int
	SendTimeout time.Duration
	Backoff     Backoff
}

// Publisher drives outbox events to the downstream queue. It is invoked
// strictly after the creating transaction's commit; the conditional
// PENDING/FAILED -> PROCESSING claim makes it safe to race with the sweeper
// or another publisher instance on the same row.
type Publisher struct {
	outbox crawl.OutboxStore
	tasks  crawl.TaskStore
	queue  crawl.QueueSender
	clock  crawl.Clock
	cfg    Config
	logger *zap.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(
	outboxStore crawl.OutboxStore,
	taskStore crawl.TaskStore,
	queue crawl.QueueSender,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Publisher {
	metrics.Init()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Publisher{
		outbox: outboxStore,
		tasks:  taskStore,
		queue:  queue,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Publish claims the event and attempts delivery. A lost claim means another
// instance owns the row and is not an error. Send failures are recorded on
// the row for the sweeper; they never propagate to the trigger caller.
func (p *Publisher) Publish(ctx context.Context, event crawl.OutboxEvent) error {
	claimed, err := p.outbox.Claim(ctx, event.ID, p.clock.Now())
	if err != nil {
		return fmt.Errorf("claim outbox event %d: %w", event.ID, err)
	}
	if !claimed {
		return nil
	}
	p.deliver(ctx, event)
	return nil
}

// deliver sends a claimed (PROCESSING) event and advances its state. Shared
// with the sweeper so both paths run one state machine.
func (p *Publisher) deliver(ctx context.Context, event crawl.OutboxEvent) {
	log := logging.WithTrace(ctx, p.logger).With(
		zap.Int64("outbox_id", event.ID),
		zap.Int64("crawl_task_id", event.CrawlTaskID),
	)

	msg, err := p.buildMessage(event)
	if err != nil {
		// Malformed payload cannot succeed on retry.
		log.Error("outbox payload malformed, escalating to dead", zap.Error(err))
		p.markDead(ctx, event, err, log)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	err = p.queue.Send(sendCtx, msg)
	cancel()

	now := p.clock.Now()
	if err == nil {
		if markErr := p.outbox.MarkPublished(ctx, event.ID, now); markErr != nil {
			log.Error("mark published failed", zap.Error(markErr))
			return
		}
		// The task leaves PENDING (or RETRY, on a requeue) once its event is
		// durably on the queue.
		if _, tErr := p.tasks.TransitionStatus(ctx, event.CrawlTaskID,
			[]crawl.TaskStatus{crawl.TaskStatusPending, crawl.TaskStatusRetry},
			crawl.TaskStatusQueued, now); tErr != nil {
			log.Error("task queue transition failed", zap.Error(tErr))
		}
		metrics.ObservePublish("published")
		log.Debug("outbox event published")
		return
	}

	retryCount := event.RetryCount + 1
	if retryCount > p.cfg.MaxRetries {
		log.Error("outbox retry budget exhausted", zap.Int("retry_count", retryCount), zap.Error(err))
		p.markDead(ctx, event, err, log)
		return
	}

	nextAttempt := now.Add(p.cfg.Backoff.Delay(retryCount))
	if markErr := p.outbox.MarkFailed(ctx, event.ID, retryCount, nextAttempt, err.Error()); markErr != nil {
		log.Error("mark failed failed", zap.Error(markErr))
		return
	}
	metrics.ObservePublish("failed")
	log.Warn("outbox publish failed, scheduled retry",
		zap.Int("retry_count", retryCount),
		zap.Time("next_attempt_at", nextAttempt),
		zap.Error(err),
	)
}

func (p *Publisher) markDead(ctx context.Context, event crawl.OutboxEvent, cause error, log *zap.Logger) {
	if err := p.outbox.MarkDead(ctx, event.ID, p.clock.Now(), cause.Error()); err != nil {
		log.Error("mark dead failed", zap.Error(err))
		return
	}
	metrics.ObserveDeadLetter()
}

func (p *Publisher) buildMessage(event crawl.OutboxEvent) (crawl.QueueMessage, error) {
	msg := crawl.QueueMessage{
		CrawlTaskID:    event.CrawlTaskID,
		IdempotencyKey: event.IdempotencyKey,
		TaskType:       event.TaskType,
	}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &msg.Payload); err != nil {
			return crawl.QueueMessage{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return msg, nil
}

// RepublishState describes the result of a manual republish.
type RepublishState string

// Republish results.
const (
	RepublishDriven           RepublishState = "republished"
	RepublishNotFound         RepublishState = "not_found"
	RepublishAlreadyPublished RepublishState = "already_published"
)

// RepublishResult is returned to the admin surface; never a bare boolean.
type RepublishResult struct {
	State   RepublishState
	EventID int64
}

// Republish re-drives the latest outbox event of a task. A DEAD event is
// reactivated first; this is the operator path for exhausted rows.
func (p *Publisher) Republish(ctx context.Context, crawlTaskID int64) (RepublishResult, error) {
	event, err := p.outbox.LatestEventForTask(ctx, crawlTaskID)
	if err != nil {
		if err == crawl.ErrNotFound {
			return RepublishResult{State: RepublishNotFound}, nil
		}
		return RepublishResult{}, fmt.Errorf("load outbox event for task %d: %w", crawlTaskID, err)
	}

	switch event.Status {
	case crawl.OutboxStatusPublished:
		return RepublishResult{State: RepublishAlreadyPublished, EventID: event.ID}, nil
	case crawl.OutboxStatusDead:
		reactivated, rErr := p.outbox.Reactivate(ctx, event.ID, p.clock.Now())
		if rErr != nil {
			return RepublishResult{}, fmt.Errorf("reactivate outbox event %d: %w", event.ID, rErr)
		}
		if !reactivated {
			return RepublishResult{State: RepublishAlreadyPublished, EventID: event.ID}, nil
		}
		event.Status = crawl.OutboxStatusPending
		event.RetryCount = 0
	}

	if err := p.Publish(ctx, event); err != nil {
		return RepublishResult{}, err
	}
	return RepublishResult{State: RepublishDriven, EventID: event.ID}, nil
}
