package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

type fakeMeta struct {
	sites map[string]string
}

func (f fakeMeta) IconFor(_ context.Context, protocol string) string {
	return "https://icons.test/" + protocol
}

func (f fakeMeta) WebsiteFor(_ context.Context, protocol string) (string, bool) {
	site, ok := f.sites[protocol]
	return site, ok
}

func newTestNormalizer() *Normalizer {
	n := New(fakeMeta{sites: map[string]string{"aave-v3": "https://aave.com"}})
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestDefiLlamaPool(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Record(ctx, "defillama", 0, model.Record{
		"pool": "abc", "project": "aave-v3", "chain": "ethereum", "symbol": "USDC",
		"apy": 0.0, "apyBase": 4.2, "tvlUsd": 1_000_000.0, "projectId": nil,
	})
	require.NoError(t, res.Err)
	s := res.Strategy
	assert.Equal(t, "defillama:abc", s.ID)
	assert.Equal(t, "defillama", s.Source)
	assert.Equal(t, "Ethereum", s.Chain)
	assert.Equal(t, 4.2, s.APY, "falls back to apyBase")
	assert.Equal(t, "https://aave.com", s.URL)
	assert.Equal(t, "https://icons.test/aave-v3", s.IconURL)
	assert.Equal(t, "2024-05-01T12:00:00Z", s.UpdatedAt)
	assert.Equal(t, map[string]any{"category": "aave-v3"}, s.Metadata)

	res = n.Record(ctx, "defillama", 1, model.Record{"pool": "xyz"})
	require.NoError(t, res.Err)
	assert.Equal(t, "https://defillama.com/yields/pool/xyz", res.Strategy.URL)
	assert.Equal(t, "Unknown", res.Strategy.Protocol)
	assert.Equal(t, "Unknown", res.Strategy.Chain)
	assert.Equal(t, "xyz", res.Strategy.Name)

	res = n.Record(ctx, "defillama", 2, model.Record{"pool": "farm", "apy": 5_000_000.0})
	require.NoError(t, res.Err, "very large upstream apy is kept")
	assert.Equal(t, 5_000_000.0, res.Strategy.APY)
}

func TestBeefyVault(t *testing.T) {
	res := newTestNormalizer().Record(context.Background(), "beefy", 0, model.Record{
		"id": "curve-eth", "chain": "arbitrum one", "apy": 0.125, "tvl": 5000.0,
		"assets": []any{"ETH", "stETH"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "beefy:curve-eth", res.Strategy.ID)
	assert.InDelta(t, 12.5, res.Strategy.APY, 1e-9)
	assert.Equal(t, "ETH / stETH", res.Strategy.TokenPair)
	assert.Equal(t, "Arbitrum", res.Strategy.Chain)
	assert.Equal(t, "https://app.beefy.finance/#/vault/curve-eth", res.Strategy.URL)
}

func TestYearnVault(t *testing.T) {
	res := newTestNormalizer().Record(context.Background(), "yearn", 0, model.Record{
		"address": "0x5f18c75abdae578b483e5f43f12a39cf75b973a9",
		"chainId": 42161.0,
		"symbol":  "yvUSDC",
		"apy":     map[string]any{"net_apy": 0.051},
		"tvl":     map[string]any{"tvl": 2_000_000.0},
	})
	require.NoError(t, res.Err)
	s := res.Strategy
	assert.Equal(t, "yearn:0x5f18C75AbDAe578b483E5F43f12a39cF75b973a9", s.ID)
	assert.Equal(t, "Arbitrum", s.Chain)
	assert.InDelta(t, 5.1, s.APY, 1e-9)
	assert.Equal(t, 2_000_000.0, s.TVLUSD)
	assert.Equal(t, "https://yearn.fi/vaults/42161/0x5f18C75AbDAe578b483E5F43f12a39cF75b973a9", s.URL)
}

func TestFractionalRates(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Record(ctx, "sommelier", 0, model.Record{"slug": "turbo", "netApy": 0.08, "chain": "eth"})
	require.NoError(t, res.Err)
	assert.InDelta(t, 8.0, res.Strategy.APY, 1e-9)
	assert.Equal(t, "Ethereum", res.Strategy.Chain)

	res = n.Record(ctx, "stakedao", 0, model.Record{"id": "sd-crv", "apr": 14.0})
	require.NoError(t, res.Err)
	assert.Equal(t, 14.0, res.Strategy.APY, "values above 1 are already percent")
}

func TestPendleAndMorpho(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Record(ctx, "pendle", 0, model.Record{"marketAddress": "m-1", "tokens": []any{"PT", "SY"}, "liquidity": 10.0})
	require.NoError(t, res.Err)
	assert.Equal(t, "PT/SY", res.Strategy.TokenPair)
	assert.Equal(t, "https://app.pendle.finance/market/m-1", res.Strategy.URL)
	assert.Equal(t, 10.0, res.Strategy.TVLUSD)

	res = n.Record(ctx, "morpho", 0, model.Record{"id": "0xmarket", "underlyingTokenSymbol": "WETH", "supplyApy": 0.03, "chain": "base"})
	require.NoError(t, res.Err)
	assert.Equal(t, "WETH", res.Strategy.Name)
	assert.InDelta(t, 3.0, res.Strategy.APY, 1e-9)
	assert.Equal(t, "Base", res.Strategy.Chain)
}

func TestNormalize_BatchReport(t *testing.T) {
	n := newTestNormalizer()
	records := []model.Record{
		{"pool": "a", "tvlUsd": 1.0},
		{"project": "no-id"},
		{"pool": "b", "tvlUsd": -5.0},
		{"pool": "c", "apy": "not-a-number"},
	}

	out, report := n.Normalize(context.Background(), "defillama", records)
	assert.Len(t, out, 2)
	assert.Equal(t, BatchReport{Source: "defillama", Total: 4, Normalized: 2, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, "defillama:a", out[0].ID)
	assert.Equal(t, 0.0, out[1].APY)
}

func TestRecord_UnknownSourceAndPanic(t *testing.T) {
	n := newTestNormalizer()
	res := n.Record(context.Background(), "nope", 0, model.Record{})
	assert.ErrorIs(t, res.Err, ErrUnknownSource)

	n.meta = nil
	res = n.Record(context.Background(), "beefy", 3, model.Record{"id": "v"})
	var nerr *NormalizationError
	require.ErrorAs(t, res.Err, &nerr)
	assert.Equal(t, 3, nerr.Index)
	assert.Contains(t, nerr.Reason, "panic")
}

func TestSources(t *testing.T) {
	assert.Equal(t, []string{"beefy", "defillama", "morpho", "pendle", "sommelier", "stakedao", "yearn"}, Sources())
}
