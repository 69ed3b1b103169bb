package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, such as the authority's health path
type HTTPChecker struct {
	URL     string
	Headers map[string]string
	// Accepted status codes are StatusMin through StatusMax inclusive
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker creates a checker accepting 2xx and 3xx responses
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Headers:   make(map[string]string),
		StatusMin: http.StatusOK,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues a GET against the URL
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...any) Result {
		return Result{Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		msg = fmt.Sprintf("%s (expected %d-%d)", msg, h.StatusMin, h.StatusMax)
	}
	return Result{Healthy: healthy, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader adds a request header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange replaces the accepted status range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// WithTimeout sets the client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
