package fetch

import (
	"context"
	"fmt"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

const morphoMarketsQuery = `query FetchMarkets($limit: Int!) {
  markets(first: $limit) {
    edges {
      node {
        id
        name
        chain
        totalSupplyUSD
        supplyApy
        underlyingTokenAddress
        underlyingTokenSymbol
      }
    }
  }
}`

// MorphoClient reads lending markets from the Morpho GraphQL API.
type MorphoClient struct {
	http  *HTTPClient
	url   string
	limit int
}

// NewMorphoClient creates a new Morpho client
func NewMorphoClient(h *HTTPClient, url string) *MorphoClient {
	return &MorphoClient{http: h, url: url, limit: 200}
}

// Name implements Source.
func (c *MorphoClient) Name() string { return "morpho" }

// Fetch implements Source with the market nodes flattened out of the edge list.
func (c *MorphoClient) Fetch(ctx context.Context) ([]model.Record, error) {
	body := map[string]any{
		"query":     morphoMarketsQuery,
		"variables": map[string]any{"limit": c.limit},
	}

	var response struct {
		Data struct {
			Markets struct {
				Edges []struct {
					Node map[string]any `json:"node"`
				} `json:"edges"`
			} `json:"markets"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.http.PostJSON(ctx, c.url, body, &response); err != nil {
		return nil, fmt.Errorf("morpho: %w", err)
	}
	if len(response.Errors) > 0 && len(response.Data.Markets.Edges) == 0 {
		return nil, fmt.Errorf("morpho: graphql error: %s", response.Errors[0].Message)
	}

	out := make([]model.Record, 0, len(response.Data.Markets.Edges))
	for _, edge := range response.Data.Markets.Edges {
		if edge.Node != nil {
			out = append(out, model.Record(edge.Node))
		}
	}
	return out, nil
}
