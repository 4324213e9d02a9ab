package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// DefiLlamaURLs groups the DeFiLlama endpoints.
type DefiLlamaURLs struct {
	Pools     string // yields pools list
	Protocols string // protocol metadata list
	Chart     string // base of /chart/{pool}
	Protocol  string // base of /protocol/{slug}
}

// DefiLlamaClient implements a client for the DeFiLlama yields and protocols APIs
type DefiLlamaClient struct {
	http *HTTPClient
	urls DefiLlamaURLs
}

// NewDefiLlamaClient creates a new DeFiLlama client
func NewDefiLlamaClient(h *HTTPClient, urls DefiLlamaURLs) *DefiLlamaClient {
	return &DefiLlamaClient{http: h, urls: urls}
}

// Name implements Source.
func (c *DefiLlamaClient) Name() string { return "defillama" }

// Fetch implements Source with the full yields pool list.
func (c *DefiLlamaClient) Fetch(ctx context.Context) ([]model.Record, error) {
	return c.Pools(ctx)
}

// Pools returns every pool from the yields API.
func (c *DefiLlamaClient) Pools(ctx context.Context) ([]model.Record, error) {
	return c.poolList(ctx, c.urls.Pools)
}

// SearchPools returns pools matching a free-text token search.
func (c *DefiLlamaClient) SearchPools(ctx context.Context, token string) ([]model.Record, error) {
	return c.poolList(ctx, withQuery(c.urls.Pools, "search", token))
}

func (c *DefiLlamaClient) poolList(ctx context.Context, u string) ([]model.Record, error) {
	var payload map[string]any
	if err := c.http.GetJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf("defillama pools: %w", err)
	}
	items, _ := payload["data"].([]any)
	return model.Records(items), nil
}

// Protocols returns the protocol metadata list.
func (c *DefiLlamaClient) Protocols(ctx context.Context) ([]model.Record, error) {
	var payload []any
	if err := c.http.GetJSON(ctx, c.urls.Protocols, &payload); err != nil {
		return nil, fmt.Errorf("defillama protocols: %w", err)
	}
	return model.Records(payload), nil
}

// Chart returns the historical chart of one pool.
func (c *DefiLlamaClient) Chart(ctx context.Context, poolID string) ([]model.Record, error) {
	var payload map[string]any
	u := strings.TrimRight(c.urls.Chart, "/") + "/" + url.PathEscape(poolID)
	if err := c.http.GetJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf("defillama chart %s: %w", poolID, err)
	}
	items, _ := payload["data"].([]any)
	return model.Records(items), nil
}

// Protocol returns the detail document of one protocol slug.
func (c *DefiLlamaClient) Protocol(ctx context.Context, slug string) (model.Record, error) {
	var payload map[string]any
	u := strings.TrimRight(c.urls.Protocol, "/") + "/" + url.PathEscape(slug)
	if err := c.http.GetJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf("defillama protocol %s: %w", slug, err)
	}
	return model.Record(payload), nil
}

func withQuery(base, key, value string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
