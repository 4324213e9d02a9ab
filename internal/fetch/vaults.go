package fetch

import (
	"context"
	"fmt"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// ListClient fetches a provider that serves its vaults as a JSON list,
// either bare or inside one of a few envelope keys.
type ListClient struct {
	http     *HTTPClient
	name     string
	url      string
	envelope []string
}

// NewYearnClient creates the Yearn vaults client.
func NewYearnClient(h *HTTPClient, url string) *ListClient {
	return &ListClient{http: h, name: "yearn", url: url}
}

// NewSommelierClient creates the Sommelier vaults client.
func NewSommelierClient(h *HTTPClient, url string) *ListClient {
	return &ListClient{http: h, name: "sommelier", url: url, envelope: []string{"vaults", "data"}}
}

// NewPendleClient creates the Pendle yields client.
func NewPendleClient(h *HTTPClient, url string) *ListClient {
	return &ListClient{http: h, name: "pendle", url: url, envelope: []string{"data"}}
}

// NewStakeDAOClient creates the StakeDAO vaults client.
func NewStakeDAOClient(h *HTTPClient, url string) *ListClient {
	return &ListClient{http: h, name: "stakedao", url: url, envelope: []string{"vaults", "data"}}
}

// Name implements Source.
func (c *ListClient) Name() string { return c.name }

// Fetch implements Source.
func (c *ListClient) Fetch(ctx context.Context) ([]model.Record, error) {
	var payload any
	if err := c.http.GetJSON(ctx, c.url, &payload); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return listFromEnvelope(payload, c.envelope...), nil
}
