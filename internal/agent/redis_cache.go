package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// RedisStateCache persists pool entry states in a Redis hash so blacklist
// and cooldown decisions are shared across process instances.
type RedisStateCache struct {
	client *redis.Client
	key    string
}

// NewRedisStateCache constructs a cache under the given hash key.
func NewRedisStateCache(client *redis.Client, key string) *RedisStateCache {
	if key == "" {
		key = "crawlhub:agent:states"
	}
	return &RedisStateCache{client: client, key: key}
}

// SaveState writes one entry state as "STATE|unixCooldownUntil".
func (c *RedisStateCache) SaveState(ctx context.Context, value string, state crawl.AgentState, until time.Time) error {
	field := fmt.Sprintf("%s|%d", state, until.Unix())
	if err := c.client.HSet(ctx, c.key, value, field).Err(); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

// LoadStates reads all persisted entry states. Unparseable fields are
// skipped rather than failing the whole warm-up.
func (c *RedisStateCache) LoadStates(ctx context.Context) (map[string]CachedState, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load agent states: %w", err)
	}
	states := make(map[string]CachedState, len(raw))
	for value, field := range raw {
		state, until, ok := parseStateField(field)
		if !ok {
			continue
		}
		states[value] = CachedState{State: state, Until: until}
	}
	return states, nil
}

func parseStateField(field string) (crawl.AgentState, time.Time, bool) {
	parts := strings.SplitN(field, "|", 2)
	if len(parts) != 2 {
		return "", time.Time{}, false
	}
	switch crawl.AgentState(parts[0]) {
	case crawl.AgentActive, crawl.AgentBlacklisted, crawl.AgentCooling:
	default:
		return "", time.Time{}, false
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return crawl.AgentState(parts[0]), time.Unix(unix, 0), true
}
