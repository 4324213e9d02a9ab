// Package scoring derives the heuristic risk index, attractiveness score and
// comment attached to every strategy.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/types"
)

// Risk bounds and defaults
const (
	MinRisk = 0.5
	MaxRisk = 6.0

	// DefaultVolatility is assumed when none of a strategy's tokens has market data
	DefaultVolatility = 15.0

	MaxAIScore = 100.0
)

var lowRiskProtocols = map[string]struct{}{
	"yearn": {}, "aave": {}, "compound": {}, "beefy": {}, "lido": {},
}

// ExtractSymbols splits a token pair such as "WETH-USDC" or "ETH / stETH" into
// upper-cased alphanumeric symbols.
func ExtractSymbols(tokenPair string) []string {
	var out []string
	for _, part := range strings.Split(strings.ReplaceAll(tokenPair, "-", "/"), "/") {
		var b strings.Builder
		for _, r := range part {
			if isAlnum(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			out = append(out, strings.ToUpper(b.String()))
		}
	}
	return out
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// VolatilityScore averages |24h| + |7d|/2 over the symbols present in vm.
func VolatilityScore(symbols []string, vm VolatilityMap) float64 {
	var sum float64
	var n int
	for _, s := range symbols {
		v, ok := vm[s]
		if !ok {
			continue
		}
		sum += math.Abs(v.Change24h) + math.Abs(v.Change7d)/2
		n++
	}
	if n == 0 {
		return DefaultVolatility
	}
	return sum / float64(n)
}

// RiskIndex combines token volatility, APY magnitude, chain class and
// protocol/stable adjustments. The result is clamped to [MinRisk, MaxRisk].
func RiskIndex(s model.Strategy, vm VolatilityMap) float64 {
	vol := VolatilityScore(ExtractSymbols(s.TokenPair), vm)
	risk := 1.0 + math.Min(vol/25, 3.0)

	if s.APY > 50 {
		risk += 0.5
	}
	if s.APY > 120 {
		risk += 0.5
	}
	if types.IsLayer2(s.Chain) {
		risk += 0.2
	}
	if strings.Contains(strings.ToLower(s.TokenPair), "stable") {
		risk -= 0.3
	}
	if _, ok := lowRiskProtocols[strings.ToLower(s.Protocol)]; ok {
		risk -= 0.2
	}
	return clamp(risk, MinRisk, MaxRisk)
}

// RawScore is apy * max(growth, 1) / max(risk, 0.1) without any cap.
func RawScore(apy, growth, risk float64) float64 {
	return apy * math.Max(growth, 1.0) / math.Max(risk, 0.1)
}

// AIScore caps RawScore into [0, 100] and rounds it to 2 decimals.
func AIScore(apy, growth, risk float64) float64 {
	return Round(clamp(RawScore(apy, growth, risk), 0, MaxAIScore), 2)
}

// Comment renders the one-line summary shown next to a strategy.
func Comment(s model.Strategy) string {
	sentiment := "steady"
	if s.TVLGrowth24h < 0 {
		sentiment = "declining"
	}
	protocol := s.Protocol
	if protocol == "" {
		protocol = "Unknown protocol"
	}
	chain := s.Chain
	if chain == "" {
		chain = "Unknown chain"
	}
	return fmt.Sprintf("%s on %s shows APY %s%% and %s TVL over 24h (%s%%). Current estimated risk: %s.",
		protocol, chain,
		format(s.APY), sentiment, format(s.TVLGrowth24h), format(s.RiskIndex))
}

// Apply fills growth-derived fields of s from its growth and the volatility map.
func Apply(s *model.Strategy, growth float64, vm VolatilityMap) {
	s.TVLGrowth24h = Round(growth, 4)
	s.RiskIndex = Round(RiskIndex(*s, vm), 4)
	s.Score = Round(RawScore(s.APY, growth, s.RiskIndex), 4)
	s.AIScore = AIScore(s.APY, s.TVLGrowth24h, s.RiskIndex)
	s.AIComment = Comment(*s)
}

// Round rounds half away from zero at the given number of decimals.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

func format(v float64) string {
	return decimal.NewFromFloat(Round(v, 2)).String()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
