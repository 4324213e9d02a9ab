package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

func TestExtractSymbols(t *testing.T) {
	assert.Equal(t, []string{"WETH", "USDC"}, ExtractSymbols("wETH-USDC"))
	assert.Equal(t, []string{"ETH", "STETH"}, ExtractSymbols("ETH / stETH"))
	assert.Equal(t, []string{"USDCE"}, ExtractSymbols("USDC.e"))
	assert.Empty(t, ExtractSymbols(""))
}

func TestBuildVolatilityMap(t *testing.T) {
	vm := BuildVolatilityMap([]model.Record{
		{"symbol": "eth", "price_change_percentage_24h": -4.0, "price_change_percentage_7d_in_currency": 10.0},
		{"symbol": ""},
	})
	assert.Len(t, vm, 1)
	assert.Equal(t, Volatility{Change24h: -4, Change7d: 10}, vm["ETH"])
}

func TestRiskIndex(t *testing.T) {
	vm := VolatilityMap{
		"ETH":  {Change24h: -5, Change7d: 10},  // 5 + 5 = 10
		"USDC": {Change24h: 0.1, Change7d: 0.2}, // 0.2
		"PEPE": {Change24h: 80, Change7d: 100},  // 130
	}

	tests := []struct {
		name string
		s    model.Strategy
		want float64
	}{
		{
			name: "unknown tokens use the default volatility",
			s:    model.Strategy{TokenPair: "FOO", Chain: "Ethereum", APY: 5},
			want: 1.0 + 15.0/25,
		},
		{
			name: "mean over resolvable symbols",
			s:    model.Strategy{TokenPair: "ETH-USDC-FOO", Chain: "Ethereum", APY: 5},
			want: 1.0 + (10+0.2)/2/25,
		},
		{
			name: "volatility contribution capped at 3",
			s:    model.Strategy{TokenPair: "PEPE", Chain: "Ethereum", APY: 5},
			want: 4.0,
		},
		{
			name: "apy and l2 bumps",
			s:    model.Strategy{TokenPair: "PEPE", Chain: "Arbitrum", APY: 150},
			want: 5.2,
		},
		{
			name: "every bump at once stays under the cap",
			s:    model.Strategy{TokenPair: "PEPE", Chain: "Base", APY: 500, Protocol: "degen"},
			want: 5.2,
		},
		{
			name: "stable and low-risk protocol discounts",
			s:    model.Strategy{TokenPair: "USDC/stable", Chain: "Ethereum", APY: 3, Protocol: "Aave"},
			want: 1.0 + 0.2/25 - 0.3 - 0.2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RiskIndex(tt.s, vm), 1e-9)
		})
	}
}

func TestRiskIndex_Bounds(t *testing.T) {
	vm := VolatilityMap{"USDC": {}}
	low := RiskIndex(model.Strategy{TokenPair: "USDC/stable", Protocol: "yearn"}, vm)
	assert.Equal(t, MinRisk, low)

	hot := VolatilityMap{"X": {Change24h: 500}}
	high := RiskIndex(model.Strategy{TokenPair: "X", Chain: "Optimism", APY: 999}, hot)
	assert.LessOrEqual(t, high, MaxRisk)
}

func TestAIScore(t *testing.T) {
	assert.Equal(t, 10.0, AIScore(10, 0, 1), "growth below 1 counts as 1")
	assert.Equal(t, 100.0, AIScore(500, 5, 1), "capped at 100")
	assert.Equal(t, 0.0, AIScore(-5, 0, 1), "never negative")
	assert.Equal(t, 33.33, AIScore(10, 0, 0.3))
	assert.Equal(t, 100.0, AIScore(10, 0, 0), "risk floored at 0.1")
	assert.Equal(t, 1500.0, RawScore(50, 3, 0.1))
}

func TestComment(t *testing.T) {
	s := model.Strategy{Protocol: "Aave", Chain: "Ethereum", APY: 4.256, TVLGrowth24h: -1.5, RiskIndex: 1.6}
	assert.Equal(t,
		"Aave on Ethereum shows APY 4.26% and declining TVL over 24h (-1.5%). Current estimated risk: 1.6.",
		Comment(s))

	s.TVLGrowth24h = 0
	assert.Contains(t, Comment(s), "steady TVL")
}

func TestApply(t *testing.T) {
	s := model.Strategy{Protocol: "Beefy", Chain: "Ethereum", TokenPair: "ETH", APY: 12}
	Apply(&s, 2.123456, VolatilityMap{"ETH": {Change24h: 2, Change7d: 4}})

	assert.Equal(t, 2.1235, s.TVLGrowth24h)
	assert.InDelta(t, 1.0+4.0/25-0.2, s.RiskIndex, 1e-9)
	assert.Equal(t, Round(12*2.123456/s.RiskIndex, 4), s.Score)
	assert.Equal(t, Round(12*2.1235/s.RiskIndex, 2), s.AIScore)
	assert.NotEmpty(t, s.AIComment)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.24, Round(1.235, 2))
	assert.Equal(t, -1.24, Round(-1.235, 2))
	assert.Equal(t, 0.0, Round(0, 4))
}
