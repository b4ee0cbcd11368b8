package serverlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"ipp-daemon/internal/core"
)

// maxListSize bounds the list body.
const maxListSize = 2 << 20

// HTTPSource downloads the list over HTTP, retrying transient failures.
type HTTPSource struct {
	url       string
	userAgent string
	client    *retryablehttp.Client
}

// NewHTTPSource creates a source for url.
func NewHTTPSource(url, userAgent string) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	if userAgent == "" {
		userAgent = "ippd/1.0"
	}
	return &HTTPSource{url: url, userAgent: userAgent, client: client}
}

// SetRetryWait overrides the retry backoff bounds.
func (s *HTTPSource) SetRetryWait(minWait, maxWait time.Duration) {
	s.client.RetryWaitMin = minWait
	s.client.RetryWaitMax = maxWait
}

// Get downloads the raw list.
func (s *HTTPSource) Get(ctx context.Context) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, s.url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	core.Log.Debugf(tag, "Downloaded %d bytes from %s", len(body), s.url)
	return body, nil
}
