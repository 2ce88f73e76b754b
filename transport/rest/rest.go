// Package rest adapts a PostgREST-style row service (the hosted database
// behind the application) to query fetchers and mutations.
//
// Keys map to filtered table reads:
//
//	query.Key{"patients"}                        GET /rest/v1/patients
//	query.Key{"patients", "id", 42}              GET /rest/v1/patients?id=eq.42
//	query.Key{"budgets", "patient_id", 42, "status", "open"}
//
// Responses are decoded lazily with gjson.
package rest

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

	"github.com/apex/log"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"

	"github.com/Tchelovb/clinicpro-manager-sub010/query"
)

// maxBody bounds how much of a response is read.
const maxBody = 16 << 20

// Row is a record written to a table.
type Row map[string]any

// Patch updates the rows matching Match with the columns in Set.
type Patch struct {
	Match map[string]any
	Set   Row
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %d %s", e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Retryable returns a query.RetryPolicy.Retryable func allowing up to
// attempts retries of transport failures and temporary statuses. Other
// client errors (bad filter, missing table, conflict) fail immediately.
func Retryable(attempts int) func(attempt int, err error) bool {
	return func(attempt int, err error) bool {
		if attempt >= attempts || errors.Is(err, context.Canceled) {
			return false
		}
		var se *StatusError
		if errors.As(err, &se) {
			return se.Temporary()
		}
		return true
	}
}

// RetryPolicy is query's default backoff with Retryable(attempts).
func RetryPolicy(attempts int) query.RetryPolicy {
	return query.RetryPolicy{Retryable: Retryable(attempts)}
}

// Client talks to the row service.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Logger  log.Interface
}

// New returns a Client using a pooled HTTP client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    cleanhttp.DefaultPooledClient(),
		Logger:  log.Log,
	}
}

// FetchRows is a query.Fetcher reading the rows addressed by key.
func (c *Client) FetchRows(ctx context.Context, key query.Key) (gjson.Result, error) {
	table, filter, err := parseKey(key)
	if err != nil {
		return gjson.Result{}, err
	}
	return c.do(ctx, http.MethodGet, table, filter, nil)
}

// Insert returns a query.MutateFunc adding a row to table. The result is
// the stored row as returned by the service.
func (c *Client) Insert(table string) query.MutateFunc[Row, gjson.Result] {
	return func(ctx context.Context, row Row) (gjson.Result, error) {
		res, err := c.do(ctx, http.MethodPost, table, nil, row)
		if err != nil {
			return gjson.Result{}, err
		}
		return res.Get("0"), nil
	}
}

// Update returns a query.MutateFunc patching the matching rows of table.
// The result is the array of updated rows.
func (c *Client) Update(table string) query.MutateFunc[Patch, gjson.Result] {
	return func(ctx context.Context, p Patch) (gjson.Result, error) {
		if len(p.Match) == 0 {
			return gjson.Result{}, fmt.Errorf("rest: update %s without filter", table)
		}
		filter := url.Values{}
		for col, v := range p.Match {
			filter.Set(col, "eq."+fmt.Sprint(v))
		}
		return c.do(ctx, http.MethodPatch, table, filter, p.Set)
	}
}

// Key returns the query key FetchRows maps to GET table?col=eq.val.
func Key(table string, filters ...any) query.Key {
	return append(query.Key{table}, filters...)
}

func parseKey(key query.Key) (string, url.Values, error) {
	if len(key) == 0 || len(key)%2 == 0 {
		return "", nil, fmt.Errorf("rest: key %s: want [table, column, value, ...]", key)
	}
	table, ok := key[0].(string)
	if !ok || table == "" {
		return "", nil, fmt.Errorf("rest: key %s: table must be a non-empty string", key)
	}
	filter := url.Values{}
	for i := 1; i < len(key); i += 2 {
		col, ok := key[i].(string)
		if !ok || col == "" {
			return "", nil, fmt.Errorf("rest: key %s: column %d must be a non-empty string", key, i/2)
		}
		filter.Add(col, "eq."+fmt.Sprint(key[i+1]))
	}
	return table, filter, nil
}

func (c *Client) do(ctx context.Context, method, table string, filter url.Values, body any) (gjson.Result, error) {
	u := c.BaseURL + "/rest/v1/" + url.PathEscape(table)
	if len(filter) > 0 {
		u += "?" + filter.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("rest: encode %s body: %w", table, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	logger := c.logger().WithFields(log.Fields{"method": method, "table": table})
	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rest: %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rest: read %s response: %w", table, err)
	}
	logger.WithFields(log.Fields{
		"status":   resp.StatusCode,
		"bytes":    len(raw),
		"duration": time.Since(start),
	}).Debug("rest: response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("rest: %s %s: invalid JSON response", method, table)
	}
	return gjson.ParseBytes(raw), nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return cleanhttp.DefaultPooledClient()
}

func (c *Client) logger() log.Interface {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Log
}
