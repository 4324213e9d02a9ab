package recommend

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/scoring"
)

// Risk levels, ordered.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var riskLevels = map[string]int{RiskLow: 1, RiskMedium: 2, RiskHigh: 3}

// RiskValue maps a level to 1..3. Unknown levels, including "any", count as high.
func RiskValue(level string) int {
	if v, ok := riskLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return v
	}
	return riskLevels[RiskHigh]
}

// RiskDescription returns a short human description of a level.
func RiskDescription(level string) string {
	switch level {
	case RiskLow:
		return "Established protocols with deep liquidity and audits"
	case RiskMedium:
		return "Proven protocols with moderate risk or variable yield"
	case RiskHigh:
		return "Aggressive strategies, new protocols or thin liquidity"
	}
	return "Unknown risk level"
}

// EvaluateRisk scores a pool from its liquidity, yield and upstream predictions.
// The score is floored at 0 and rounded to 2 places.
func EvaluateRisk(p model.Pool) (level string, score float64, reasons []string) {
	reasons = []string{}
	add := func(v float64, reason string) {
		score += v
		reasons = append(reasons, reason)
	}

	if !p.Stablecoin {
		add(0.4, "Token is not a stablecoin")
	}
	if exposure := strings.ToLower(p.Exposure); exposure != "" && exposure != "single" {
		add(0.6, "Exposure type: "+exposure)
	}
	if strings.EqualFold(p.ILRisk, "yes") {
		add(1.0, "Impermanent loss risk")
	}

	switch {
	case p.TVLUSD < 5_000_000:
		add(1.0, "TVL below 5M USD")
	case p.TVLUSD < 20_000_000:
		add(0.5, "TVL below 20M USD")
	}

	switch {
	case p.APY > 20:
		add(1.2, "APY above 20%")
	case p.APY > 10:
		add(0.6, "APY above 10%")
	}

	if p.PredictedProbability != nil && *p.PredictedProbability < 50 {
		add(0.8, "Upstream model rates the pool as risky")
	}
	if strings.Contains(strings.ToLower(p.PredictedClass), "down") {
		add(0.5, "Upstream prediction: "+p.PredictedClass)
	}
	if p.TVLUSD > 100_000_000 {
		add(-0.3, "High TVL lowers risk")
	}

	score = scoring.Round(max(score, 0), 2)
	switch {
	case score <= 0.9:
		level = RiskLow
	case score <= 2.0:
		level = RiskMedium
	default:
		level = RiskHigh
	}
	return level, score, reasons
}

var (
	liquidMarkers = []string{"no lock", "no-lock", "liquid", "no unstaking"}
	lockupPattern = regexp.MustCompile(`(\d+)\s*(days?|weeks?|months?|years?)`)
)

// ParseLockup extracts the lockup period in days from a pool meta note.
// The note is returned unchanged; nil when meta is empty.
func ParseLockup(meta string) (int, *string) {
	if meta == "" {
		return 0, nil
	}
	note := meta
	lower := strings.ToLower(meta)
	for _, marker := range liquidMarkers {
		if strings.Contains(lower, marker) {
			return 0, &note
		}
	}

	m := lockupPattern.FindStringSubmatch(lower)
	if m == nil {
		return 0, &note
	}
	value, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &note
	}
	switch {
	case strings.HasPrefix(m[2], "day"):
		return value, &note
	case strings.HasPrefix(m[2], "week"):
		return value * 7, &note
	case strings.HasPrefix(m[2], "month"):
		return value * 30, &note
	default:
		return value * 365, &note
	}
}

var (
	querySeparators  = regexp.MustCompile(`[,\s/|]+`)
	symbolSeparators = regexp.MustCompile(`[-_/()\s]+`)
)

// QueryTokens splits a token query such as "eth/usdc" into upper-cased parts.
func QueryTokens(query string) []string {
	var out []string
	for _, part := range querySeparators.Split(strings.ToUpper(query), -1) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MatchesToken reports whether every part of query matches the pool's symbol,
// id, project or underlying tokens.
func MatchesToken(p model.Pool, query string) bool {
	parts := QueryTokens(query)
	if len(parts) == 0 {
		return false
	}

	symbol := strings.ToUpper(p.Symbol)
	poolRef := strings.ToUpper(p.Pool)
	project := strings.ToUpper(p.Project)
	symbolParts := symbolSeparators.Split(symbol, -1)

	match := func(single string) bool {
		if single == symbol {
			return true
		}
		for _, sp := range symbolParts {
			if sp == single {
				return true
			}
		}
		if strings.Contains(symbol, single) || strings.Contains(poolRef, single) || strings.Contains(project, single) {
			return true
		}
		for _, u := range p.Underlying {
			if strings.Contains(strings.ToUpper(u), single) {
				return true
			}
		}
		return false
	}

	for _, part := range parts {
		if !match(part) {
			return false
		}
	}
	return true
}

// PoolURL is the public page of a pool.
func PoolURL(poolID string) string {
	if poolID == "" {
		return ""
	}
	return fmt.Sprintf("https://defillama.com/yields/pool/%s", poolID)
}
