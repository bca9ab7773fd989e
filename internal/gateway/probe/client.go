// Package probe implements the health.Prober port against a venue RPC
// endpoint exposing the JSON-RPC getHealth method.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ambush/internal/health"

	"github.com/tidwall/gjson"
)

// Client wraps the RPC health-check interaction. One client per endpoint;
// the per-check timeout comes from the caller's context.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nowFn      func() time.Time
}

const healthRequestBody = `{"jsonrpc":"2.0","id":1,"method":"getHealth"}`

func NewClient(endpoint string) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("probe endpoint cannot be empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing probe endpoint failed: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("probe endpoint must be http(s), got %q", trimmed)
	}
	return &Client{
		endpoint:   trimmed,
		httpClient: &http.Client{},
		nowFn:      time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Check issues one getHealth call. Latency is round-trip time measured
// client-side. A reachable endpoint that reports itself unhealthy is a
// successful check with Healthy=false; only transport failures error.
func (c *Client) Check(ctx context.Context) (health.Report, error) {
	if c == nil || c.httpClient == nil {
		return health.Report{}, fmt.Errorf("probe client not initialized")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(healthRequestBody)))
	if err != nil {
		return health.Report{}, fmt.Errorf("building health request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := c.nowFn()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return health.Report{}, fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	latency := c.nowFn().Sub(start).Milliseconds()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return health.Report{}, fmt.Errorf("reading health response failed: %w", err)
	}
	report := health.Report{LatencyMs: latency, CheckedAt: start}
	if resp.StatusCode >= 300 {
		return report, nil
	}
	parsed := gjson.ParseBytes(data)
	if parsed.Get("error").Exists() {
		return report, nil
	}
	result := parsed.Get("result")
	switch {
	case result.Type == gjson.String:
		report.Healthy = strings.EqualFold(result.String(), "ok")
	case result.IsObject():
		report.Healthy = result.Get("healthy").Bool()
	default:
		report.Healthy = result.Bool()
	}
	return report, nil
}
