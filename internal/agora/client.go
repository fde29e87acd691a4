// Package agora is the HTTP client for the Agora POS platform API.
package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	tokenHeader  = "Api-Token"
	maxErrorBody = 2 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	HTTPClient    *http.Client
}

// Client talks to one POS instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient validates cfg and builds a Client. Timeout defaults to 30s and
// RatePerSecond of zero disables pacing.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: api token is empty", ErrInvalidConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{baseURL: base, token: cfg.Token, http: httpClient, limiter: limiter}, nil
}

// ExportMaster fetches one master collection and decodes it into out, which
// must point to a slice of the matching record type.
func (c *Client) ExportMaster(ctx context.Context, filter MasterFilter, out any) error {
	params := url.Values{"filter": []string{string(filter)}}
	return c.getCollection(ctx, "/export-master", params, string(filter), out)
}

// ExportInvoices fetches every ticket of a business day.
func (c *Client) ExportInvoices(ctx context.Context, businessDay time.Time) ([]Invoice, error) {
	params := url.Values{
		"business-day": []string{businessDay.Format(DayLayout)},
		"filter":       []string{"Invoices"},
	}
	var invoices []Invoice
	if err := c.getCollection(ctx, "/export/", params, "Invoices", &invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

// Probe performs the cheapest authenticated round-trip.
func (c *Client) Probe(ctx context.Context) error {
	var series []json.RawMessage
	return c.ExportMaster(ctx, FilterSeries, &series)
}

// Import pushes payload. Only HTTP 200 counts as success; the response body
// is returned for ID backfill.
func (c *Client) Import(ctx context.Context, payload ImportPayload) ([]byte, error) {
	return c.post(ctx, "/import", payload)
}

// CustomQuery runs a stored report on the POS and returns its rows.
func (c *Client) CustomQuery(ctx context.Context, guid string, params map[string]any) ([]json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := c.post(ctx, "/custom-query", map[string]any{"QueryGuid": guid, "Params": params})
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &TransportError{Op: "POST", URL: c.baseURL + "/custom-query", Err: fmt.Errorf("decode rows: %w", err)}
	}
	return rows, nil
}

// FirstRow decodes the first element of rows into out.
func FirstRow(rows []json.RawMessage, out any) error {
	if len(rows) == 0 {
		return fmt.Errorf("agora: custom query returned no rows")
	}
	if err := json.Unmarshal(rows[0], out); err != nil {
		return fmt.Errorf("agora: decode custom query row: %w", err)
	}
	return nil
}

func (c *Client) getCollection(ctx context.Context, path string, params url.Values, key string, out any) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, func(status int) bool {
		return status >= 200 && status < 300
	})
	if err != nil {
		return err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &TransportError{Op: http.MethodGet, URL: endpoint, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	raw, ok := envelope[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("[]")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: http.MethodGet, URL: endpoint, Err: fmt.Errorf("decode %s: %w", key, err)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agora: encode %s payload: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, body, func(status int) bool {
		return status == http.StatusOK
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, ok func(int) bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: method, URL: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if !ok(resp.StatusCode) {
		return nil, &TransportError{
			Op:         method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(respBody)), maxErrorBody),
		}
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
