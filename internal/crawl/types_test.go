package crawl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_Transitions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to TaskStatus
		allowed  bool
	}{
		{TaskStatusPending, TaskStatusQueued, true},
		{TaskStatusQueued, TaskStatusRunning, true},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusRetry, true},
		{TaskStatusRetry, TaskStatusQueued, true},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusFailed, TaskStatusQueued, false},
		{TaskStatusQueued, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusRetry.IsTerminal())
}

func TestOutboxStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, OutboxStatusPublished.IsTerminal())
	assert.True(t, OutboxStatusDead.IsTerminal())
	assert.False(t, OutboxStatusProcessing.IsTerminal())
	assert.False(t, OutboxStatusFailed.IsTerminal())
}

func TestSessionToken_Renewal(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	token := SessionToken{Token: "abc", ExpiresAt: now.Add(10 * time.Minute)}

	assert.True(t, token.Valid(now))
	assert.False(t, token.NeedsRenewal(now, 5*time.Minute))
	assert.True(t, token.NeedsRenewal(now.Add(6*time.Minute), 5*time.Minute))
	assert.False(t, token.Valid(now.Add(11*time.Minute)))
}
