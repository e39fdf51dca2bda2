package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReceiveSettingsBoundConcurrency(t *testing.T) {
	t.Parallel()

	settings := receiveSettings(8)
	assert.Equal(t, 8, settings.NumGoroutines)
	assert.Equal(t, 8, settings.MaxOutstandingMessages)

	settings = receiveSettings(0)
	assert.Equal(t, 4, settings.NumGoroutines, "unset concurrency falls back to a small default")
	assert.Equal(t, 4, settings.MaxOutstandingMessages)
}
