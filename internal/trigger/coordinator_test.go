package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/lock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeTriggerStore mimics the transactional create-or-noop: unique on
// idempotency key, after-commit hook invoked only for committed creates.
type fakeTriggerStore struct {
	mu         sync.Mutex
	nextTaskID int64
	nextEvID   int64
	byKey      map[string]crawl.TriggerOutcome
	failCommit bool
}

func newFakeTriggerStore() *fakeTriggerStore {
	return &fakeTriggerStore{nextTaskID: 1, nextEvID: 1, byKey: make(map[string]crawl.TriggerOutcome)}
}

func (s *fakeTriggerStore) CreateTaskWithOutbox(
	ctx context.Context,
	task crawl.CrawlTask,
	event crawl.OutboxEvent,
	afterCommit func(context.Context, crawl.TriggerOutcome),
) (crawl.TriggerOutcome, error) {
	s.mu.Lock()
	if existing, ok := s.byKey[task.IdempotencyKey]; ok {
		s.mu.Unlock()
		existing.Created = false
		return existing, nil
	}
	if s.failCommit {
		// Simulates rollback after insert: nothing persists, no hook fires.
		s.mu.Unlock()
		return crawl.TriggerOutcome{}, errors.New("commit failed")
	}
	task.ID = s.nextTaskID
	s.nextTaskID++
	event.ID = s.nextEvID
	s.nextEvID++
	event.CrawlTaskID = task.ID
	outcome := crawl.TriggerOutcome{Task: task, Event: event, Created: true}
	s.byKey[task.IdempotencyKey] = outcome
	s.mu.Unlock()

	if afterCommit != nil {
		afterCommit(ctx, outcome)
	}
	return outcome, nil
}

func (s *fakeTriggerStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []crawl.OutboxEvent
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, event crawl.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newCoordinator(store *fakeTriggerStore, publisher EventPublisher, clock *fakeClock) *Coordinator {
	locker := lock.NewMemoryLocker(clock, 30*time.Second)
	keys := crawl.NewKeyGenerator(clock, time.Hour)
	return NewCoordinator(locker, store, keys, publisher, clock, zap.NewNop())
}

func pageReq(schedulerID int64, page int) Request {
	return Request{
		SchedulerID: schedulerID,
		SellerID:    7,
		TaskType:    crawl.TaskTypeMiniShop,
		PageNumber:  &page,
	}
}

func TestCoordinator_CreatesTaskAndPublishes(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{}
	c := newCoordinator(store, publisher, clock)

	res, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, res.State)
	require.NotNil(t, res.Task)
	assert.Equal(t, crawl.TaskStatusPending, res.Task.Status)
	assert.Equal(t, 1, publisher.count(), "publish runs exactly once, from the after-commit hook")
}

func TestCoordinator_DuplicateReturnsExistingTask(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{}
	c := newCoordinator(store, publisher, clock)

	first, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err)
	require.Equal(t, StateCreated, first.State)

	second, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, second.State)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	assert.Equal(t, 1, store.taskCount(), "no new row for a duplicate trigger")
	assert.Equal(t, 1, publisher.count(), "duplicate trigger never re-publishes")
}

func TestCoordinator_ConcurrentTriggersCreateOneTask(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{}
	c := newCoordinator(store, publisher, clock)

	const n = 16
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Trigger(context.Background(), pageReq(42, 1))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		if res.State == StateCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller observes creation")
	assert.Equal(t, 1, store.taskCount())
	assert.Equal(t, 1, publisher.count())
}

func TestCoordinator_ContentionSignalsInFlight(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{}
	locker := lock.NewMemoryLocker(clock, 30*time.Second)
	keys := crawl.NewKeyGenerator(clock, time.Hour)
	c := NewCoordinator(locker, store, keys, publisher, clock, zap.NewNop())

	// Another process holds the scheduler lock.
	handle, err := locker.TryAcquire(context.Background(), "scheduler:42")
	require.NoError(t, err)
	require.NotNil(t, handle)

	res, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err, "contention is a signal, not an error")
	assert.Equal(t, StateInFlight, res.State)
	assert.Nil(t, res.Task)
	assert.Zero(t, store.taskCount(), "no side effects under contention")
}

func TestCoordinator_LockReleasedAfterTrigger(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{}
	locker := lock.NewMemoryLocker(clock, 30*time.Second)
	keys := crawl.NewKeyGenerator(clock, time.Hour)
	c := NewCoordinator(locker, store, keys, publisher, clock, zap.NewNop())

	_, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err)

	handle, err := locker.TryAcquire(context.Background(), "scheduler:42")
	require.NoError(t, err)
	require.NotNil(t, handle, "lock must be free once the transaction concludes")
}

func TestCoordinator_RollbackNeverPublishes(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	store.failCommit = true
	publisher := &capturingPublisher{}
	c := newCoordinator(store, publisher, clock)

	_, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.Error(t, err)
	assert.Zero(t, publisher.count(), "a rolled-back transaction must never leak a publish")

	// The lock is released even on failure; the next trigger proceeds.
	store.failCommit = false
	res, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, res.State)
}

func TestCoordinator_PublishFailureInvisibleToCaller(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	publisher := &capturingPublisher{err: errors.New("broker down")}
	c := newCoordinator(store, publisher, clock)

	res, err := c.Trigger(context.Background(), pageReq(42, 1))
	require.NoError(t, err, "publish failure after commit stays invisible to the trigger caller")
	assert.Equal(t, StateCreated, res.State)
	assert.Equal(t, 1, store.taskCount(), "task row survives; the sweeper heals delivery")
}

func TestCoordinator_RequestValidation(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeTriggerStore()
	c := newCoordinator(store, &capturingPublisher{}, clock)

	cases := []struct {
		name string
		req  Request
	}{
		{"missing scheduler", Request{SellerID: 7, TaskType: crawl.TaskTypeMiniShop}},
		{"mini shop without page", Request{SchedulerID: 1, SellerID: 7, TaskType: crawl.TaskTypeMiniShop}},
		{"detail without item", Request{SchedulerID: 1, SellerID: 7, TaskType: crawl.TaskTypeProductDetail}},
		{"unknown type", Request{SchedulerID: 1, SellerID: 7, TaskType: "BOGUS"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Trigger(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, crawl.IsValidation(err))
			assert.Zero(t, store.taskCount())
		})
	}
}

// releaseRecorder captures the context the lock release runs under.
type releaseRecorder struct {
	crawl.Locker
	mu         sync.Mutex
	released   bool
	releaseErr error
}

func (r *releaseRecorder) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	r.mu.Lock()
	r.released = true
	r.releaseErr = ctx.Err()
	r.mu.Unlock()
	return r.Locker.Release(ctx, key, ownerToken)
}

// cancellingStore cancels the caller's context during the transaction, as a
// disconnecting HTTP client or a shutdown would.
type cancellingStore struct {
	inner  *fakeTriggerStore
	cancel context.CancelFunc
}

func (s *cancellingStore) CreateTaskWithOutbox(
	ctx context.Context,
	task crawl.CrawlTask,
	event crawl.OutboxEvent,
	afterCommit func(context.Context, crawl.TriggerOutcome),
) (crawl.TriggerOutcome, error) {
	s.cancel()
	return s.inner.CreateTaskWithOutbox(ctx, task, event, afterCommit)
}

func TestCoordinator_ReleasesLockAfterCallerCancellation(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	locker := &releaseRecorder{Locker: lock.NewMemoryLocker(clock, 30*time.Second)}
	keys := crawl.NewKeyGenerator(clock, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{inner: newFakeTriggerStore(), cancel: cancel}
	c := NewCoordinator(locker, store, keys, &capturingPublisher{}, clock, zap.NewNop())

	_, err := c.Trigger(ctx, pageReq(42, 1))
	require.NoError(t, err)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.True(t, locker.released)
	assert.NoError(t, locker.releaseErr, "release runs detached from the cancelled caller context")

	handle, err := locker.Locker.TryAcquire(context.Background(), "scheduler:42")
	require.NoError(t, err)
	assert.NotNil(t, handle, "scheduler key is free for the next cycle, not stuck until TTL")
}
