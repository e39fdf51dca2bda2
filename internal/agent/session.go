package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// SessionConfig controls token issuance and proactive renewal.
type SessionConfig struct {
	ProbeURL string
	// RenewalBuffer is how long before expiry a token is renewed. Renewal is
	// proactive so executions never observe an expired session mid-fetch.
	RenewalBuffer time.Duration
	ProbeTimeout  time.Duration
}

type sessionProbeResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// SessionManager issues and renews per-identity session tokens by probing
// the target with the chosen user agent. Tokens are replaced, never mutated.
type SessionManager struct {
	mu      sync.Mutex
	tokens  map[string]crawl.SessionToken
	fetcher crawl.Fetcher
	clock   crawl.Clock
	cfg     SessionConfig
	logger  *zap.Logger
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(fetcher crawl.Fetcher, clock crawl.Clock, cfg SessionConfig, logger *zap.Logger) *SessionManager {
	if cfg.RenewalBuffer <= 0 {
		cfg.RenewalBuffer = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &SessionManager{
		tokens:  make(map[string]crawl.SessionToken),
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// EnsureToken returns a token valid beyond the renewal buffer for the given
// user agent, issuing or renewing as needed.
func (m *SessionManager) EnsureToken(ctx context.Context, userAgent string) (crawl.SessionToken, error) {
	m.mu.Lock()
	token, ok := m.tokens[userAgent]
	m.mu.Unlock()

	now := m.clock.Now()
	if ok && token.Valid(now) && !token.NeedsRenewal(now, m.cfg.RenewalBuffer) {
		return token, nil
	}
	return m.issue(ctx, userAgent)
}

// RenewDueTokens renews every token inside its renewal window. Run from a
// periodic schedule so renewal happens ahead of expiry, not reactively.
func (m *SessionManager) RenewDueTokens(ctx context.Context) {
	m.mu.Lock()
	var due []string
	now := m.clock.Now()
	for userAgent, token := range m.tokens {
		if token.NeedsRenewal(now, m.cfg.RenewalBuffer) {
			due = append(due, userAgent)
		}
	}
	m.mu.Unlock()

	for _, userAgent := range due {
		if _, err := m.issue(ctx, userAgent); err != nil {
			m.logger.Warn("session renewal failed",
				zap.String("user_agent", userAgent),
				zap.Error(err),
			)
		}
	}
}

func (m *SessionManager) issue(ctx context.Context, userAgent string) (crawl.SessionToken, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	resp, err := m.fetcher.Fetch(probeCtx, crawl.FetchRequest{
		URL:       m.cfg.ProbeURL,
		UserAgent: userAgent,
	})
	if err != nil {
		return crawl.SessionToken{}, fmt.Errorf("session probe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return crawl.SessionToken{}, fmt.Errorf("session probe: unexpected status %d", resp.StatusCode)
	}

	var probe sessionProbeResponse
	if err := json.Unmarshal(resp.Body, &probe); err != nil {
		return crawl.SessionToken{}, fmt.Errorf("decode session probe response: %w", err)
	}
	if probe.Token == "" || probe.ExpiresIn <= 0 {
		return crawl.SessionToken{}, fmt.Errorf("session probe: missing token or expiry")
	}

	token := crawl.SessionToken{
		Token:     probe.Token,
		ExpiresAt: m.clock.Now().Add(time.Duration(probe.ExpiresIn) * time.Second),
	}
	m.mu.Lock()
	m.tokens[userAgent] = token
	m.mu.Unlock()

	m.logger.Debug("session token issued",
		zap.String("user_agent", userAgent),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return token, nil
}
