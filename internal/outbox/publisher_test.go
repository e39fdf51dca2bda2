package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOutboxStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*crawl.OutboxEvent
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{nextID: 1, events: make(map[int64]*crawl.OutboxEvent)}
}

func (s *fakeOutboxStore) add(ev crawl.OutboxEvent) crawl.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.nextID
	s.nextID++
	copied := ev
	s.events[ev.ID] = &copied
	return ev
}

func (s *fakeOutboxStore) get(id int64) crawl.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *fakeOutboxStore) GetEvent(_ context.Context, id int64) (crawl.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return crawl.OutboxEvent{}, crawl.ErrNotFound
	}
	return *ev, nil
}

func (s *fakeOutboxStore) LatestEventForTask(_ context.Context, taskID int64) (crawl.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *crawl.OutboxEvent
	for _, ev := range s.events {
		if ev.CrawlTaskID != taskID {
			continue
		}
		if latest == nil || ev.ID > latest.ID {
			latest = ev
		}
	}
	if latest == nil {
		return crawl.OutboxEvent{}, crawl.ErrNotFound
	}
	return *latest, nil
}

func (s *fakeOutboxStore) InsertEvent(_ context.Context, ev crawl.OutboxEvent) (crawl.OutboxEvent, error) {
	return s.add(ev), nil
}

func (s *fakeOutboxStore) Claim(_ context.Context, id int64, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	if ev.Status != crawl.OutboxStatusPending && ev.Status != crawl.OutboxStatusFailed {
		return false, nil
	}
	ev.Status = crawl.OutboxStatusProcessing
	return true, nil
}

func (s *fakeOutboxStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]crawl.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []crawl.OutboxEvent
	for _, ev := range s.events {
		if len(due) >= limit {
			break
		}
		if (ev.Status == crawl.OutboxStatusPending || ev.Status == crawl.OutboxStatusFailed) &&
			!ev.NextAttemptAt.After(now) {
			ev.Status = crawl.OutboxStatusProcessing
			due = append(due, *ev)
		}
	}
	return due, nil
}

func (s *fakeOutboxStore) MarkPublished(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[id]
	if ev.Status != crawl.OutboxStatusProcessing {
		return errors.New("mark published outside PROCESSING")
	}
	ev.Status = crawl.OutboxStatusPublished
	ev.ProcessedAt = &at
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id int64, retryCount int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[id]
	if retryCount < ev.RetryCount {
		return errors.New("retry count must not decrease")
	}
	ev.Status = crawl.OutboxStatusFailed
	ev.RetryCount = retryCount
	ev.NextAttemptAt = nextAttemptAt
	return nil
}

func (s *fakeOutboxStore) MarkDead(_ context.Context, id int64, _ time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = crawl.OutboxStatusDead
	return nil
}

func (s *fakeOutboxStore) Reactivate(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[id]
	if ev.Status != crawl.OutboxStatusDead {
		return false, nil
	}
	ev.Status = crawl.OutboxStatusPending
	ev.RetryCount = 0
	ev.NextAttemptAt = at
	return true, nil
}

func (s *fakeOutboxStore) ReclaimStale(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Status == crawl.OutboxStatusProcessing && ev.CreatedAt.Before(staleBefore) {
			ev.Status = crawl.OutboxStatusFailed
			n++
		}
	}
	return n, nil
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[int64]*crawl.CrawlTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[int64]*crawl.CrawlTask)}
}

func (s *fakeTaskStore) add(task crawl.CrawlTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := task
	s.tasks[task.ID] = &copied
}

func (s *fakeTaskStore) status(id int64) crawl.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *fakeTaskStore) GetTask(_ context.Context, id int64) (crawl.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawl.CrawlTask{}, crawl.ErrNotFound
	}
	return *task, nil
}

func (s *fakeTaskStore) ListTasks(_ context.Context, ids []int64) ([]crawl.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.CrawlTask
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (s *fakeTaskStore) TransitionStatus(_ context.Context, id int64, from []crawl.TaskStatus, to crawl.TaskStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if task.Status == f {
			task.Status = to
			task.UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeTaskStore) IncrementAttempts(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[id]; ok {
		task.Attempts++
		task.UpdatedAt = at
	}
	return nil
}

func (s *fakeTaskStore) ReclaimStaleRunning(_ context.Context, staleBefore time.Time, maxAttempts int, at time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var retried, failed int
	for _, task := range s.tasks {
		if task.Status != crawl.TaskStatusRunning || !task.UpdatedAt.Before(staleBefore) {
			continue
		}
		if task.Attempts >= maxAttempts {
			task.Status = crawl.TaskStatusFailed
			failed++
		} else {
			task.Status = crawl.TaskStatusRetry
			retried++
		}
		task.UpdatedAt = at
	}
	return retried, failed, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	sent     []crawl.QueueMessage
	failures int
}

func (q *fakeQueue) Send(_ context.Context, msg crawl.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("queue unavailable")
	}
	q.sent = append(q.sent, msg)
	return nil
}

func (q *fakeQueue) sentCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sent)
}

func newEvent(store *fakeOutboxStore, taskID int64, at time.Time) crawl.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{"seller_id": 7, "page_number": 1})
	return store.add(crawl.OutboxEvent{
		CrawlTaskID:    taskID,
		IdempotencyKey: "7:MINI_SHOP:1::472222",
		TaskType:       crawl.TaskTypeMiniShop,
		Payload:        payload,
		Status:         crawl.OutboxStatusPending,
		NextAttemptAt:  at,
		CreatedAt:      at,
	})
}

func newPublisher(store *fakeOutboxStore, tasks *fakeTaskStore, queue *fakeQueue, clock *fakeClock, maxRetries int) *Publisher {
	return NewPublisher(store, tasks, queue, clock, Config{
		MaxRetries:  maxRetries,
		SendTimeout: time.Second,
		Backoff:     NewBackoff(time.Second, 8*time.Second, 0),
	}, zap.NewNop())
}

func TestPublisher_PublishSuccess(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	event := newEvent(store, 1, clock.Now())

	p := newPublisher(store, tasks, queue, clock, 3)
	require.NoError(t, p.Publish(context.Background(), event))

	got := store.get(event.ID)
	assert.Equal(t, crawl.OutboxStatusPublished, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, 1, queue.sentCount())
	assert.Equal(t, crawl.TaskStatusQueued, tasks.status(1))
}

func TestPublisher_LostClaimSkipsSend(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	event := newEvent(store, 1, clock.Now())
	// Another instance already holds the claim.
	claimed, err := store.Claim(context.Background(), event.ID, clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	p := newPublisher(store, tasks, queue, clock, 3)
	require.NoError(t, p.Publish(context.Background(), event))
	assert.Zero(t, queue.sentCount())
}

func TestPublisher_PublishedIsTerminal(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	event := newEvent(store, 1, clock.Now())

	p := newPublisher(store, tasks, queue, clock, 3)
	require.NoError(t, p.Publish(context.Background(), event))
	require.NoError(t, p.Publish(context.Background(), event))

	assert.Equal(t, 1, queue.sentCount(), "a PUBLISHED row must never be re-sent")
	assert.Equal(t, crawl.OutboxStatusPublished, store.get(event.ID).Status)
}

func TestPublisher_FailureSchedulesBackoff(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{failures: 1}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	event := newEvent(store, 1, clock.Now())

	p := newPublisher(store, tasks, queue, clock, 3)
	require.NoError(t, p.Publish(context.Background(), event))

	got := store.get(event.ID)
	assert.Equal(t, crawl.OutboxStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, clock.Now().Add(time.Second), got.NextAttemptAt)
	assert.Equal(t, crawl.TaskStatusPending, tasks.status(1), "task stays PENDING until publish succeeds")
}

func TestPublisher_DeadAfterRetryBudget(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{failures: 10}

	event := newEvent(store, 1, clock.Now())

	p := newPublisher(store, tasks, queue, clock, 3)
	sweeper := NewSweeper(store, tasks, p, clock, SweeperConfig{BatchSize: 10, StaleLease: time.Hour}, zap.NewNop())

	// First attempt plus three sweeps: nextAttemptAt grows 1s, 2s, 4s, then
	// the fourth failure exceeds max-retry=3 and the row goes DEAD.
	require.NoError(t, p.Publish(context.Background(), event))
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		got := store.get(event.ID)
		require.Equal(t, crawl.OutboxStatusFailed, got.Status, "attempt %d", i+1)
		require.Equal(t, i+1, got.RetryCount)
		require.Equal(t, clock.Now().Add(want), got.NextAttemptAt)

		clock.Advance(want)
		_, err := sweeper.Sweep(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, crawl.OutboxStatusDead, store.get(event.ID).Status)
	assert.Zero(t, queue.sentCount())
}

func TestPublisher_Republish(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	event := newEvent(store, 1, clock.Now())
	p := newPublisher(store, tasks, queue, clock, 3)

	res, err := p.Republish(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, RepublishNotFound, res.State)

	res, err = p.Republish(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, RepublishDriven, res.State)
	assert.Equal(t, 1, queue.sentCount())

	res, err = p.Republish(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, RepublishAlreadyPublished, res.State)
	assert.Equal(t, 1, queue.sentCount())
	_ = event
}

func TestPublisher_RepublishReactivatesDead(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeOutboxStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}

	tasks.add(crawl.CrawlTask{ID: 1, Status: crawl.TaskStatusPending})
	event := newEvent(store, 1, clock.Now())
	require.NoError(t, store.MarkDead(context.Background(), event.ID, clock.Now(), "exhausted"))

	p := newPublisher(store, tasks, queue, clock, 3)
	res, err := p.Republish(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, RepublishDriven, res.State)
	assert.Equal(t, crawl.OutboxStatusPublished, store.get(event.ID).Status)
	assert.Equal(t, 1, queue.sentCount())
}
