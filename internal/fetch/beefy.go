package fetch

import (
	"context"
	"fmt"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// BeefyClient joins Beefy vault definitions with the separate APY map.
type BeefyClient struct {
	http      *HTTPClient
	vaultsURL string
	apyURL    string
}

// NewBeefyClient creates a new Beefy client
func NewBeefyClient(h *HTTPClient, vaultsURL, apyURL string) *BeefyClient {
	return &BeefyClient{http: h, vaultsURL: vaultsURL, apyURL: apyURL}
}

// Name implements Source.
func (c *BeefyClient) Name() string { return "beefy" }

// Fetch returns vaults carrying an "apy" field. Vaults missing from the APY map are dropped.
func (c *BeefyClient) Fetch(ctx context.Context) ([]model.Record, error) {
	var vaults []any
	if err := c.http.GetJSON(ctx, c.vaultsURL, &vaults); err != nil {
		return nil, fmt.Errorf("beefy vaults: %w", err)
	}
	var apys map[string]any
	if err := c.http.GetJSON(ctx, c.apyURL, &apys); err != nil {
		return nil, fmt.Errorf("beefy apy: %w", err)
	}

	out := make([]model.Record, 0, len(vaults))
	for _, v := range model.Records(vaults) {
		id := v.String("id")
		if id == "" {
			continue
		}
		apy, ok := apys[id]
		if !ok || apy == nil {
			continue
		}
		merged := v.Clone()
		merged["apy"] = apy
		out = append(out, merged)
	}
	return out, nil
}
