package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"golang.org/x/time/rate"
)

// Config configures access to the system of record
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Fetcher returns the authoritative state of one resource, or nil when the
// system of record does not know it.
type Fetcher interface {
	FetchState(ctx context.Context, resourceType types.ResourceType, resourceID string) (*types.ResourceState, error)
}

// Client is the HTTP client for the system of record
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a rate-limited client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

var resourcePaths = map[types.ResourceType]string{
	types.ResourceTransfer:      "transfers",
	types.ResourceCustomer:      "customers",
	types.ResourceFundingSource: "funding-sources",
}

// resourceResponse is the wire shape returned for every resource type
type resourceResponse struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Amount   json.RawMessage `json:"amount,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Updated  time.Time       `json:"updated,omitempty"`
}

// FetchState implements Fetcher
func (c *Client) FetchState(ctx context.Context, resourceType types.ResourceType, resourceID string) (*types.ResourceState, error) {
	fail := func(status int, err error) error {
		metrics.AuthorityRequestsTotal.WithLabelValues(string(resourceType), "error").Inc()
		return &types.FetchError{ResourceType: resourceType, ResourceID: resourceID, StatusCode: status, Err: err}
	}

	segment, ok := resourcePaths[resourceType]
	if !ok {
		return nil, fail(0, fmt.Errorf("unsupported resource type %q", resourceType))
	}
	if c.baseURL == "" {
		return nil, fail(0, fmt.Errorf("authority base URL not configured"))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fail(0, err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AuthorityRequestDuration, string(resourceType))

	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, segment, url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fail(0, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.AuthorityRequestsTotal.WithLabelValues(string(resourceType), "not_found").Inc()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp.StatusCode, fmt.Errorf("system of record returned %s", resp.Status))
	}

	var body resourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}

	state := &types.ResourceState{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       types.NormalizeStatus(body.Status),
		Metadata:     stringifyMetadata(body.Metadata),
		UpdatedAt:    body.Updated,
	}
	if len(body.Amount) > 0 && string(body.Amount) != "null" {
		amount, err := types.ParseAmount(body.Amount)
		if err != nil {
			return nil, fail(resp.StatusCode, err)
		}
		state.Amount = &amount
	}

	metrics.AuthorityRequestsTotal.WithLabelValues(string(resourceType), "ok").Inc()
	return state, nil
}

func stringifyMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
