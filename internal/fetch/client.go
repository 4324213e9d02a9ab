// Package fetch provides thin clients for the upstream yield, protocol and market APIs.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Source is one strategy provider feeding the aggregation pipeline.
type Source interface {
	// Name is the source tag used in strategy ids
	Name() string
	// Fetch returns the provider's raw records
	Fetch(ctx context.Context) ([]model.Record, error)
}

// Options tunes the shared HTTP client.
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultOptions matches the collector defaults: 30s per call, three retries.
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
	}
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.URL, e.Status, e.Body)
}

// HTTPClient performs JSON calls with retry and a fixed per-call timeout.
type HTTPClient struct {
	client *retryablehttp.Client
}

// NewHTTPClient creates an HTTP client with retry capabilities
func NewHTTPClient(opts Options) *HTTPClient {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPClient{client: c}
}

// GetJSON decodes the JSON body of a GET request into out.
func (h *HTTPClient) GetJSON(ctx context.Context, url string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return h.do(req, out)
}

// PostJSON sends body as JSON and decodes the response into out.
func (h *HTTPClient) PostJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h *HTTPClient) do(req *retryablehttp.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching %s", req.URL.Redacted())
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: req.URL.Redacted(), Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// listFromEnvelope extracts an object list from a bare array or from the
// first envelope key holding one, e.g. {"data": [...]} or {"vaults": [...]}.
func listFromEnvelope(payload any, keys ...string) []model.Record {
	switch v := payload.(type) {
	case []any:
		return model.Records(v)
	case map[string]any:
		for _, k := range keys {
			if items, ok := v[k].([]any); ok && len(items) > 0 {
				return model.Records(items)
			}
		}
	}
	return nil
}
