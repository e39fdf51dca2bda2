// Package engine consumes queued crawl tasks, performs the external fetch
// with a rotated identity, records execution outcomes, and drives pagination
// follow-up and bounded retries.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
	"github.com/ryu-qqq/crawlinghub/internal/trigger"
)

// IdentityPool is the rotation surface the engine needs. Satisfied by
// *agent.Pool.
type IdentityPool interface {
	Select(ctx context.Context) (string, error)
	RecordSuccess(value string)
	RecordPermanentFailure(ctx context.Context, value string) bool
	Cooldown(ctx context.Context, value string)
}

// SessionIssuer provides a valid session token for an identity. Satisfied by
// *agent.SessionManager.
type SessionIssuer interface {
	EnsureToken(ctx context.Context, userAgent string) (crawl.SessionToken, error)
}

// FollowUp triggers the next fetch unit of a crawl cycle. Satisfied by
// *trigger.Coordinator.
type FollowUp interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

// EventPublisher re-drives outbox events for requeued tasks. Satisfied by
// *outbox.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, event crawl.OutboxEvent) error
}

// Config controls engine behavior.
type Config struct {
	// MaxAttempts bounds transient retries per task; beyond it the task fails.
	MaxAttempts  int
	FetchTimeout time.Duration
	MiniShopURL  string
	ProductURL   string
	// PageSize is the mini-shop page size; a full page implies a next page.
	PageSize int
}

// Engine executes crawl tasks end to end.
type Engine struct {
	tasks     crawl.TaskStore
	execs     crawl.ExecutionStore
	outbox    crawl.OutboxStore
	publisher EventPublisher
	pool      IdentityPool
	sessions  SessionIssuer
	fetcher   crawl.Fetcher
	followUp  FollowUp
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine.
func New(
	tasks crawl.TaskStore,
	execs crawl.ExecutionStore,
	outboxStore crawl.OutboxStore,
	publisher EventPublisher,
	pool IdentityPool,
	sessions SessionIssuer,
	fetcher crawl.Fetcher,
	followUp FollowUp,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	metrics.Init()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Engine{
		tasks:     tasks,
		execs:     execs,
		outbox:    outboxStore,
		publisher: publisher,
		pool:      pool,
		sessions:  sessions,
		fetcher:   fetcher,
		followUp:  followUp,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one queued task. A nil execution with nil error means the
// delivery was a duplicate (the task already left QUEUED) and was skipped;
// consumer idempotency tolerates the at-least-once queue.
func (e *Engine) Execute(ctx context.Context, msg crawl.QueueMessage) (*crawl.CrawlExecution, error) {
	log := logging.WithTrace(ctx, e.logger).With(zap.Int64("crawl_task_id", msg.CrawlTaskID))

	task, err := e.tasks.GetTask(ctx, msg.CrawlTaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", msg.CrawlTaskID, err)
	}

	moved, err := e.tasks.TransitionStatus(ctx, task.ID,
		[]crawl.TaskStatus{crawl.TaskStatusQueued}, crawl.TaskStatusRunning, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("start task %d: %w", task.ID, err)
	}
	if !moved {
		log.Debug("duplicate delivery skipped", zap.String("status", string(task.Status)))
		return nil, nil
	}
	if err := e.tasks.IncrementAttempts(ctx, task.ID, e.clock.Now()); err != nil {
		log.Warn("attempt counter update failed", zap.Error(err))
	}

	identity, err := e.pool.Select(ctx)
	if err != nil {
		// No usable identity is a transient condition; the retry flow requeues.
		return e.finish(ctx, task, err, log)
	}

	token, err := e.sessions.EnsureToken(ctx, identity)
	if err != nil {
		return e.finish(ctx, task, err, log)
	}

	url, err := e.buildURL(task)
	if err != nil {
		return e.finish(ctx, task, err, log)
	}

	// The fetch runs outside any storage transaction; only its outcome is
	// written back afterwards.
	startedAt := e.clock.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	resp, fetchErr := e.fetcher.Fetch(fetchCtx, crawl.FetchRequest{
		URL:          url,
		UserAgent:    identity,
		SessionToken: token.Token,
	})
	cancel()

	exec, err := e.record(ctx, task, identity, startedAt, resp, fetchErr, log)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// finish records a pre-fetch failure (identity or session) as a transient
// execution so the attempt history stays complete.
func (e *Engine) finish(ctx context.Context, task crawl.CrawlTask, cause error, log *zap.Logger) (*crawl.CrawlExecution, error) {
	now := e.clock.Now()
	return e.finalize(ctx, task, crawl.CrawlExecution{
		CrawlTaskID: task.ID,
		StartedAt:   now,
		FinishedAt:  now,
		Outcome:     crawl.OutcomeTransientFailure,
		ErrorText:   cause.Error(),
	}, nil, log)
}

func (e *Engine) record(ctx context.Context, task crawl.CrawlTask, identity string, startedAt time.Time, resp crawl.FetchResponse, fetchErr error, log *zap.Logger) (*crawl.CrawlExecution, error) {
	outcome, errText, identityAttributable := e.classify(resp, fetchErr)
	exec := crawl.CrawlExecution{
		CrawlTaskID: task.ID,
		StartedAt:   startedAt,
		FinishedAt:  e.clock.Now(),
		HTTPStatus:  resp.StatusCode,
		Outcome:     outcome,
		ErrorText:   errText,
	}

	switch outcome {
	case crawl.OutcomeSuccess:
		e.pool.RecordSuccess(identity)
	case crawl.OutcomeTransientFailure:
		if resp.StatusCode == http.StatusTooManyRequests {
			e.pool.Cooldown(ctx, identity)
		}
	case crawl.OutcomePermanentFailure:
		if identityAttributable && identity != "" {
			if e.pool.RecordPermanentFailure(ctx, identity) {
				log.Warn("identity blacklisted after repeated failures", zap.String("user_agent", identity))
			}
		}
	}

	followUpBody := resp.Body
	if outcome != crawl.OutcomeSuccess {
		followUpBody = nil
	}
	return e.finalize(ctx, task, exec, followUpBody, log)
}

func (e *Engine) finalize(ctx context.Context, task crawl.CrawlTask, exec crawl.CrawlExecution, successBody []byte, log *zap.Logger) (*crawl.CrawlExecution, error) {
	stored, err := e.execs.InsertExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("record execution for task %d: %w", task.ID, err)
	}
	metrics.ObserveExecution(string(exec.Outcome))

	now := e.clock.Now()
	switch exec.Outcome {
	case crawl.OutcomeSuccess:
		if _, err := e.tasks.TransitionStatus(ctx, task.ID,
			[]crawl.TaskStatus{crawl.TaskStatusRunning}, crawl.TaskStatusCompleted, now); err != nil {
			return nil, fmt.Errorf("complete task %d: %w", task.ID, err)
		}
		log.Info("crawl task completed", zap.Int("http_status", exec.HTTPStatus))
		e.maybeFollowUp(ctx, task, successBody, log)

	case crawl.OutcomeTransientFailure:
		target := crawl.TaskStatusRetry
		if task.Attempts+1 >= e.cfg.MaxAttempts {
			target = crawl.TaskStatusFailed
			log.Error("task attempt budget exhausted",
				zap.Int("attempts", task.Attempts+1),
				zap.String("error", exec.ErrorText),
			)
		} else {
			log.Warn("transient failure, task set for retry", zap.String("error", exec.ErrorText))
		}
		if _, err := e.tasks.TransitionStatus(ctx, task.ID,
			[]crawl.TaskStatus{crawl.TaskStatusRunning}, target, now); err != nil {
			return nil, fmt.Errorf("mark task %d %s: %w", task.ID, target, err)
		}

	case crawl.OutcomePermanentFailure:
		if _, err := e.tasks.TransitionStatus(ctx, task.ID,
			[]crawl.TaskStatus{crawl.TaskStatusRunning}, crawl.TaskStatusFailed, now); err != nil {
			return nil, fmt.Errorf("fail task %d: %w", task.ID, err)
		}
		log.Error("permanent failure, task failed",
			zap.Int("http_status", exec.HTTPStatus),
			zap.String("error", exec.ErrorText),
		)
	}
	return &stored, nil
}

// classify maps fetch results onto the outcome taxonomy. The third return
// reports whether a permanent failure is attributable to the identity.
func (e *Engine) classify(resp crawl.FetchResponse, fetchErr error) (crawl.ExecutionOutcome, string, bool) {
	if fetchErr != nil {
		// Timeouts and transport errors are transient.
		return crawl.OutcomeTransientFailure, fetchErr.Error(), false
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(resp.Body) {
			return crawl.OutcomePermanentFailure, "malformed response body", false
		}
		return crawl.OutcomeSuccess, "", false
	case resp.StatusCode == http.StatusTooManyRequests:
		return crawl.OutcomeTransientFailure, "rate limited", false
	case resp.StatusCode >= 500:
		return crawl.OutcomeTransientFailure, fmt.Sprintf("upstream status %d", resp.StatusCode), false
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return crawl.OutcomePermanentFailure, fmt.Sprintf("rejected status %d", resp.StatusCode), true
	default:
		return crawl.OutcomePermanentFailure, fmt.Sprintf("client status %d", resp.StatusCode), false
	}
}

type miniShopPage struct {
	Items   []json.RawMessage `json:"items"`
	HasNext bool              `json:"has_next"`
}

// maybeFollowUp triggers the next page of a mini-shop cycle when the current
// page came back full or explicitly flagged a next page.
func (e *Engine) maybeFollowUp(ctx context.Context, task crawl.CrawlTask, body []byte, log *zap.Logger) {
	if e.followUp == nil || task.TaskType != crawl.TaskTypeMiniShop || task.PageNumber == nil {
		return
	}
	var page miniShopPage
	if err := json.Unmarshal(body, &page); err != nil {
		log.Warn("pagination parse failed", zap.Error(err))
		return
	}
	if !page.HasNext && len(page.Items) < e.cfg.PageSize {
		return
	}
	nextPage := *task.PageNumber + 1
	result, err := e.followUp.Trigger(ctx, trigger.Request{
		SchedulerID: task.SchedulerID,
		SellerID:    task.SellerID,
		TaskType:    crawl.TaskTypeMiniShop,
		PageNumber:  &nextPage,
	})
	if err != nil {
		log.Error("pagination follow-up trigger failed", zap.Int("next_page", nextPage), zap.Error(err))
		return
	}
	log.Debug("pagination follow-up triggered",
		zap.Int("next_page", nextPage),
		zap.String("state", string(result.State)),
	)
}

func (e *Engine) buildURL(task crawl.CrawlTask) (string, error) {
	switch task.TaskType {
	case crawl.TaskTypeMiniShop:
		if task.PageNumber == nil {
			return "", errors.New("mini shop task without page number")
		}
		return fmt.Sprintf("%s/sellers/%d/mini-shop?page=%d", e.cfg.MiniShopURL, task.SellerID, *task.PageNumber), nil
	case crawl.TaskTypeProductDetail:
		if task.ItemNo == nil {
			return "", errors.New("product detail task without item number")
		}
		return fmt.Sprintf("%s/items/%s", e.cfg.ProductURL, *task.ItemNo), nil
	default:
		return "", fmt.Errorf("unknown task type %q", task.TaskType)
	}
}
