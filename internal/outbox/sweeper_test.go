package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

func TestSweeper_DeliversDueRows(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	tasks.add(crawl.CrawlTask{ID: 2, Status: crawl.TaskStatusPending})
	due := newEvent(store, 1, clock.Now().Add(-time.Minute))
	notDue := store.add(crawl.OutboxEvent{
		CrawlTaskID:   2,
		TaskType:      crawl.TaskTypeMiniShop,
		Status:        crawl.OutboxStatusFailed,
		NextAttemptAt: clock.Now().Add(time.Hour),
		CreatedAt:     clock.Now(),
	})

	p := newPublisher(store, tasks, queue, clock, 3)
	s := NewSweeper(store, tasks, p, clock, SweeperConfig{BatchSize: 10, StaleLease: time.Hour}, zap.NewNop())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, crawl.OutboxStatusPublished, store.get(due.ID).Status)
	assert.Equal(t, crawl.OutboxStatusFailed, store.get(notDue.ID).Status)
}

func TestSweeper_ReclaimsStaleProcessing(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	// A publisher crashed mid-send an hour ago, leaving the row PROCESSING.
	stale := store.add(crawl.OutboxEvent{
		CrawlTaskID:   1,
		TaskType:      crawl.TaskTypeMiniShop,
		Status:        crawl.OutboxStatusProcessing,
		NextAttemptAt: clock.Now().Add(-time.Hour),
		CreatedAt:     clock.Now().Add(-time.Hour),
	})

	p := newPublisher(store, tasks, queue, clock, 3)
	s := NewSweeper(store, tasks, p, clock, SweeperConfig{BatchSize: 10, StaleLease: 5 * time.Minute}, zap.NewNop())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reclaimed row becomes claimable in the same sweep")
	assert.Equal(t, crawl.OutboxStatusPublished, store.get(stale.ID).Status)
}

func TestSweeper_TerminalRowsUntouched(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	published := store.add(crawl.OutboxEvent{
		CrawlTaskID:   1,
		Status:        crawl.OutboxStatusPublished,
		NextAttemptAt: clock.Now().Add(-time.Hour),
		CreatedAt:     clock.Now().Add(-time.Hour),
	})
	dead := store.add(crawl.OutboxEvent{
		CrawlTaskID:   2,
		Status:        crawl.OutboxStatusDead,
		NextAttemptAt: clock.Now().Add(-time.Hour),
		CreatedAt:     clock.Now().Add(-time.Hour),
	})

	p := newPublisher(store, tasks, queue, clock, 3)
	s := NewSweeper(store, tasks, p, clock, SweeperConfig{BatchSize: 10, StaleLease: time.Hour}, zap.NewNop())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, crawl.OutboxStatusPublished, store.get(published.ID).Status)
	assert.Equal(t, crawl.OutboxStatusDead, store.get(dead.ID).Status)
	assert.Zero(t, queue.sentCount())
}

func TestSweeper_ReclaimsStaleRunningTasks(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	// A worker crashed after claiming task 1 but before writing its outcome.
	// The queue redelivery is dropped as a duplicate, so only the sweep can
	// move the task again.
	tasks.add(crawl.CrawlTask{
		ID: 1, Status: crawl.TaskStatusRunning, Attempts: 1,
		UpdatedAt: clock.Now().Add(-time.Hour),
	})
	// Task 2 already spent its attempt budget before the crash.
	tasks.add(crawl.CrawlTask{
		ID: 2, Status: crawl.TaskStatusRunning, Attempts: 3,
		UpdatedAt: clock.Now().Add(-time.Hour),
	})
	// Task 3 is a live execution inside the lease window.
	tasks.add(crawl.CrawlTask{
		ID: 3, Status: crawl.TaskStatusRunning, Attempts: 1,
		UpdatedAt: clock.Now().Add(-time.Minute),
	})

	p := newPublisher(store, tasks, queue, clock, 3)
	s := NewSweeper(store, tasks, p, clock, SweeperConfig{
		BatchSize:   10,
		StaleLease:  time.Hour,
		TaskLease:   10 * time.Minute,
		MaxAttempts: 3,
	}, zap.NewNop())

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, crawl.TaskStatusRetry, tasks.status(1), "stale task becomes eligible for the retry batch")
	assert.Equal(t, crawl.TaskStatusFailed, tasks.status(2), "exhausted task fails instead of retrying")
	assert.Equal(t, crawl.TaskStatusRunning, tasks.status(3), "live execution is left alone")
}
