// Package agent maintains the rotating set of client identities used for
// crawling: user-agent rotation with blacklist/cooldown, and session tokens
// renewed ahead of expiry.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
)

// StateCache persists entry states so blacklist and cooldown survive process
// restarts and are visible to other instances. Satisfied by *RedisStateCache.
type StateCache interface {
	SaveState(ctx context.Context, value string, state crawl.AgentState, until time.Time) error
	LoadStates(ctx context.Context) (map[string]CachedState, error)
}

// CachedState is one persisted pool entry state.
type CachedState struct {
	State crawl.AgentState
	Until time.Time
}

// PoolConfig controls rotation behavior.
type PoolConfig struct {
	CooldownPeriod time.Duration
	// BlacklistThreshold is the number of consecutive permanent failures
	// after which an entry is blacklisted automatically.
	BlacklistThreshold int
}

type entry struct {
	value                string
	state                crawl.AgentState
	lastUsedAt           time.Time
	cooldownUntil        time.Time
	consecutivePermanent int
}

// Pool rotates over ACTIVE user-agent entries, skipping BLACKLISTED and
// COOLING ones. Entry transitions are atomic under the pool mutex so
// concurrent selections never observe a half-applied state change.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	byValue map[string]*entry
	next    int
	clock   crawl.Clock
	cache   StateCache
	cfg     PoolConfig
	logger  *zap.Logger
}

// NewPool warms the pool with the given user-agent values, all ACTIVE. A nil
// cache disables cross-process state persistence.
func NewPool(values []string, clock crawl.Clock, cache StateCache, cfg PoolConfig, logger *zap.Logger) *Pool {
	metrics.Init()
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 10 * time.Minute
	}
	if cfg.BlacklistThreshold <= 0 {
		cfg.BlacklistThreshold = 5
	}
	p := &Pool{
		byValue: make(map[string]*entry, len(values)),
		clock:   clock,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
	}
	for _, v := range values {
		e := &entry{value: v, state: crawl.AgentActive}
		p.entries = append(p.entries, e)
		p.byValue[v] = e
	}
	metrics.SetAgentPoolActive(len(values))
	return p
}

// Restore applies persisted states from the cache, typically at startup.
func (p *Pool) Restore(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	states, err := p.cache.LoadStates(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for value, cached := range states {
		if e, ok := p.byValue[value]; ok {
			e.state = cached.State
			e.cooldownUntil = cached.Until
		}
	}
	p.updateActiveGaugeLocked()
	return nil
}

// Select returns the next usable user-agent value in rotation order. COOLING
// entries whose cooldown elapsed return to ACTIVE before selection.
func (p *Pool) Select(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return "", crawl.ErrNoAgentAvailable
	}
	now := p.clock.Now()
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[p.next%len(p.entries)]
		p.next++

		if e.state == crawl.AgentCooling && !now.Before(e.cooldownUntil) {
			e.state = crawl.AgentActive
			p.persistLocked(ctx, e)
		}
		if e.state != crawl.AgentActive {
			continue
		}
		e.lastUsedAt = now
		return e.value, nil
	}
	return "", crawl.ErrNoAgentAvailable
}

// Blacklist moves an entry to the terminal BLACKLISTED state. Only Recover
// brings it back.
func (p *Pool) Blacklist(ctx context.Context, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blacklistLocked(ctx, value)
}

func (p *Pool) blacklistLocked(ctx context.Context, value string) {
	e, ok := p.byValue[value]
	if !ok || e.state == crawl.AgentBlacklisted {
		return
	}
	e.state = crawl.AgentBlacklisted
	p.persistLocked(ctx, e)
	p.updateActiveGaugeLocked()
	metrics.ObserveAgentBlacklisted()
	p.logger.Warn("user agent blacklisted", zap.String("user_agent", value))
}

// Cooldown parks an entry until the configured cooldown elapses.
func (p *Pool) Cooldown(ctx context.Context, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byValue[value]
	if !ok || e.state == crawl.AgentBlacklisted {
		return
	}
	e.state = crawl.AgentCooling
	e.cooldownUntil = p.clock.Now().Add(p.cfg.CooldownPeriod)
	p.persistLocked(ctx, e)
	p.updateActiveGaugeLocked()
}

// Recover is the explicit operator path out of BLACKLISTED.
func (p *Pool) Recover(ctx context.Context, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byValue[value]
	if !ok {
		return false
	}
	e.state = crawl.AgentActive
	e.consecutivePermanent = 0
	e.cooldownUntil = time.Time{}
	p.persistLocked(ctx, e)
	p.updateActiveGaugeLocked()
	return true
}

// RecordSuccess resets the consecutive-failure counter for an entry.
func (p *Pool) RecordSuccess(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byValue[value]; ok {
		e.consecutivePermanent = 0
	}
}

// RecordPermanentFailure counts an identity-attributable permanent failure
// and blacklists the entry once the threshold is reached. It reports whether
// the entry is now blacklisted.
func (p *Pool) RecordPermanentFailure(ctx context.Context, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byValue[value]
	if !ok {
		return false
	}
	e.consecutivePermanent++
	if e.consecutivePermanent >= p.cfg.BlacklistThreshold {
		p.blacklistLocked(ctx, value)
	}
	return e.state == crawl.AgentBlacklisted
}

// ActiveCount reports how many entries are currently selectable.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeCountLocked()
}

func (p *Pool) activeCountLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.state == crawl.AgentActive {
			n++
		}
	}
	return n
}

func (p *Pool) updateActiveGaugeLocked() {
	metrics.SetAgentPoolActive(p.activeCountLocked())
}

// persistLocked writes the entry state to the cache best-effort; a cache
// outage must not block rotation.
func (p *Pool) persistLocked(ctx context.Context, e *entry) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SaveState(ctx, e.value, e.state, e.cooldownUntil); err != nil {
		p.logger.Warn("agent state cache write failed",
			zap.String("user_agent", e.value),
			zap.Error(err),
		)
	}
}
