// Package router implements the venue port against an HTTP swap-router
// sidecar. The router resolves pair identifiers to pools, quotes swaps and
// signs/submits orders on behalf of the caller.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ambush/internal/config"
	"ambush/internal/gateway/venue"
	"ambush/internal/pkg/circuit"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const Name = "router"

const maxResponseBytes = 1 << 20

var errCircuitOpen = errors.New("circuit open, request not attempted")

// Client wraps the swap-router REST API behind the venue port. A circuit
// breaker sheds calls while the router keeps failing at transport level.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *circuit.Breaker
	nowFn      func() time.Time
}

// NewClient constructs a router client from configuration.
func NewClient(cfg config.RouterConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("venue.router.base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing venue.router.base_url failed: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("venue.router.base_url must be http(s), got %q", raw)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.BreakerCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuit.New("Router", threshold, cooldown),
		nowFn:      time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

func (c *Client) Name() string { return Name }

// ResolveTarget asks the router to resolve a pair identifier to a pool. An
// identifier the router does not know yet maps to venue.ErrTargetNotFound so
// the engine keeps retrying until the pool appears.
func (c *Client) ResolveTarget(ctx context.Context, identifier string) (*venue.Target, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return nil, fmt.Errorf("target identifier cannot be empty")
	}
	res, err := c.doRequest(ctx, "resolve", http.MethodGet, "/v1/targets?id="+url.QueryEscape(id), nil)
	if err != nil {
		var rerr *venue.RemoteError
		if errors.As(err, &rerr) && rerr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", venue.ErrTargetNotFound, id)
		}
		return nil, err
	}
	pool := strings.TrimSpace(res.Get("pool").String())
	if pool == "" {
		return nil, fmt.Errorf("%w: %s (resolver returned no pool)", venue.ErrTargetNotFound, id)
	}
	target := &venue.Target{
		Identifier: id,
		Pool:       pool,
		BaseAsset:  res.Get("base_asset").String(),
		QuoteAsset: res.Get("quote_asset").String(),
		Venue:      Name,
	}
	if m, ok := res.Value().(map[string]any); ok {
		target.Raw = m
	}
	return target, nil
}

// Estimate quotes the expected output for the given input amount.
func (c *Client) Estimate(ctx context.Context, target *venue.Target, amountIn decimal.Decimal) (*venue.Quote, error) {
	if target == nil || target.Pool == "" {
		return nil, fmt.Errorf("estimate requires a resolved target")
	}
	path := fmt.Sprintf("/v1/quote?pool=%s&amount_in=%s",
		url.QueryEscape(target.Pool), url.QueryEscape(amountIn.String()))
	res, err := c.doRequest(ctx, "estimate", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	rawOut := res.Get("amount_out").String()
	amountOut, perr := decimal.NewFromString(strings.TrimSpace(rawOut))
	if perr != nil {
		return nil, fmt.Errorf("router quote has bad amount_out %q: %w", rawOut, perr)
	}
	return &venue.Quote{
		AmountOut: amountOut,
		Note:      res.Get("route").String(),
		QuotedAt:  c.nowFn(),
	}, nil
}

// orderPayload mirrors the router's /v1/orders schema. The router signs with
// the provided key material, so the payload is never logged.
type orderPayload struct {
	Pool         string `json:"pool"`
	Owner        string `json:"owner"`
	SignerKey    string `json:"signer_key,omitempty"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out"`
}

// Submit places a swap order. The router enforces min_amount_out on chain;
// an order that would fill below it fails rather than fills.
func (c *Client) Submit(ctx context.Context, req venue.SubmitRequest) (*venue.OrderResult, error) {
	if req.Target == nil || req.Target.Pool == "" {
		return nil, fmt.Errorf("submit requires a resolved target")
	}
	if strings.TrimSpace(req.Account.Address) == "" {
		return nil, fmt.Errorf("submit requires an account address")
	}
	payload := orderPayload{
		Pool:         req.Target.Pool,
		Owner:        req.Account.Address,
		SignerKey:    req.Account.Secret,
		AmountIn:     req.AmountIn.String(),
		MinAmountOut: req.MinAmountOut.String(),
	}
	res, err := c.doRequest(ctx, "submit", http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return nil, err
	}
	txID := strings.TrimSpace(res.Get("tx_id").String())
	if txID == "" {
		return nil, fmt.Errorf("router accepted the order but returned no tx_id")
	}
	result := &venue.OrderResult{TxID: txID, SubmittedAt: c.nowFn()}
	if rawOut := strings.TrimSpace(res.Get("amount_out").String()); rawOut != "" {
		if amountOut, perr := decimal.NewFromString(rawOut); perr == nil {
			result.AmountOut = amountOut
		}
	}
	return result, nil
}

// GetBalance reports the owner's balance as the router sees it.
func (c *Client) GetBalance(ctx context.Context, account venue.Account) (venue.Balance, error) {
	if strings.TrimSpace(account.Address) == "" {
		return venue.Balance{}, fmt.Errorf("balance requires an account address")
	}
	res, err := c.doRequest(ctx, "balance", http.MethodGet, "/v1/balance?owner="+url.QueryEscape(account.Address), nil)
	if err != nil {
		return venue.Balance{}, err
	}
	b := venue.Balance{
		Asset:     res.Get("asset").String(),
		UpdatedAt: c.nowFn(),
	}
	if v, perr := decimal.NewFromString(strings.TrimSpace(res.Get("total").String())); perr == nil {
		b.Total = v
	}
	if v, perr := decimal.NewFromString(strings.TrimSpace(res.Get("available").String())); perr == nil {
		b.Available = v
	}
	if m, ok := res.Value().(map[string]any); ok {
		b.Raw = m
	}
	return b, nil
}

// doRequest performs one HTTP round trip behind the breaker. Transport
// failures and 5xx responses count against the breaker; any 4xx means the
// router itself is healthy and records a success.
func (c *Client) doRequest(ctx context.Context, op, method, path string, payload any) (gjson.Result, error) {
	if c == nil || c.httpClient == nil {
		return gjson.Result{}, fmt.Errorf("router client not initialized")
	}
	if !c.breaker.Allow() {
		return gjson.Result{}, venue.NewRemoteError(Name, op, 0, errCircuitOpen)
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return gjson.Result{}, err
	}

	var body io.Reader
	if payload != nil {
		buf, merr := json.Marshal(payload)
		if merr != nil {
			return gjson.Result{}, fmt.Errorf("encoding %s payload failed: %w", op, merr)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building %s request failed: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return gjson.Result{}, venue.NewRemoteError(Name, op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return gjson.Result{}, venue.NewRemoteError(Name, op, resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
		return gjson.Result{}, venue.NewRemoteError(Name, op, resp.StatusCode, errors.New(compactBody(data, resp.Status)))
	}
	c.breaker.RecordSuccess()
	if resp.StatusCode >= 300 {
		return gjson.Result{}, venue.NewRemoteError(Name, op, resp.StatusCode, errors.New(compactBody(data, resp.Status)))
	}
	return gjson.ParseBytes(data), nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("router base URL not set")
	}
	trimmed := strings.TrimSpace(path)
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}

func compactBody(data []byte, status string) string {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return status
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}
