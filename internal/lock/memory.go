package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process crawl.Locker with the same TTL and owner-token
// semantics as the Redis implementation. Used in tests and single-node runs.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   crawl.Clock
	ttl     time.Duration
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker(clock crawl.Clock, ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		clock:   clock,
		ttl:     ttl,
	}
}

// TryAcquire returns a nil handle when the key is held and unexpired.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string) (*crawl.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return nil, nil
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(l.ttl)}
	return &crawl.LockHandle{Key: key, OwnerToken: token}, nil
}

// Release deletes the key only when ownerToken matches the stored holder.
func (l *MemoryLocker) Release(_ context.Context, key, ownerToken string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.token != ownerToken {
		return false, nil
	}
	delete(l.entries, key)
	return true, nil
}
