package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
)

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 4 << 20

// HTTPFetcher implements crawl.Fetcher over net/http.
type HTTPFetcher struct {
	client *http.Client
	clock  crawl.Clock
}

// NewHTTPFetcher constructs a fetcher. A nil client falls back to a default
// with a 30 second transport timeout; per-call deadlines come from ctx.
func NewHTTPFetcher(client *http.Client, clock crawl.Clock) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, clock: clock}
}

// Fetch performs one GET with the rotated identity and session token.
func (f *HTTPFetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.SessionToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.SessionToken)
	}

	start := f.clock.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("read response from %s: %w", req.URL, err)
	}
	return crawl.FetchResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   f.clock.Now().Sub(start),
	}, nil
}
