package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
)

// SweeperConfig controls sweep batching and stale-lease reclamation.
type SweeperConfig struct {
	BatchSize int
	// StaleLease bounds how long a row may sit in PROCESSING before a crashed
	// publisher is assumed and the row becomes retry-eligible again.
	StaleLease time.Duration
	// TaskLease bounds how long a task may sit in RUNNING before a crashed
	// worker is assumed. Redelivery cannot move such a task (it is dropped as
	// a duplicate), so the sweep is its only recovery path.
	TaskLease time.Duration
	// MaxAttempts caps reclaimed tasks: past it they fail instead of retrying.
	MaxAttempts int
}

// Sweeper periodically heals anything left in a non-terminal state: it
// reclaims stale PROCESSING outbox rows and stale RUNNING tasks, then retries
// due PENDING/FAILED rows. Claims go through the same conditional transition
// the publisher uses, so the two can never double-publish a row.
type Sweeper struct {
	outbox    crawl.OutboxStore
	tasks     crawl.TaskStore
	publisher *Publisher
	clock     crawl.Clock
	cfg       SweeperConfig
	logger    *zap.Logger
}

// NewSweeper constructs a Sweeper sharing the publisher's delivery path.
func NewSweeper(
	outboxStore crawl.OutboxStore,
	taskStore crawl.TaskStore,
	publisher *Publisher,
	clock crawl.Clock,
	cfg SweeperConfig,
	logger *zap.Logger,
) *Sweeper {
	metrics.Init()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleLease <= 0 {
		cfg.StaleLease = 5 * time.Minute
	}
	if cfg.TaskLease <= 0 {
		cfg.TaskLease = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Sweeper{
		outbox:    outboxStore,
		tasks:     taskStore,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Sweep runs one pass and returns how many rows it attempted to deliver.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	reclaimed, err := s.outbox.ReclaimStale(ctx, now.Add(-s.cfg.StaleLease))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale outbox rows: %w", err)
	}
	if reclaimed > 0 {
		s.logger.Warn("reclaimed stale processing rows", zap.Int("count", reclaimed))
	}

	retried, failed, err := s.tasks.ReclaimStaleRunning(ctx, now.Add(-s.cfg.TaskLease), s.cfg.MaxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale running tasks: %w", err)
	}
	if retried > 0 || failed > 0 {
		s.logger.Warn("reclaimed stale running tasks",
			zap.Int("retried", retried),
			zap.Int("failed", failed),
		)
	}

	events, err := s.outbox.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due outbox rows: %w", err)
	}
	metrics.ObserveSweepClaimed(len(events))

	for _, event := range events {
		if ctx.Err() != nil {
			return len(events), ctx.Err()
		}
		s.publisher.deliver(ctx, event)
	}
	return len(events), nil
}

// Run sweeps on a fixed interval until the context finishes. Deployments that
// schedule sweeps via cron entries call Sweep directly instead.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}
