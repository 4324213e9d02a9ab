package aggregate

import (
	"math"
	"sort"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Summary is the TVL-weighted view of one run's strategies.
type Summary struct {
	APY    float64 `json:"weighted_apy"`
	TVL    float64 `json:"total_tvl"`
	Median float64 `json:"median_apy"`
	Count  int     `json:"count"`
}

// Weighted berechnet den TVL-gewichteten APY über alle Strategien mit positiver TVL
func Weighted(strategies []model.Strategy) Summary {
	var totalTVL, weightedAPY float64
	valid := 0

	for _, s := range strategies {
		if s.TVLUSD > 0 && !math.IsNaN(s.APY) && !math.IsInf(s.APY, 0) {
			totalTVL += s.TVLUSD
			weightedAPY += s.APY * s.TVLUSD
			valid++
		}
	}

	if valid == 0 || totalTVL <= 0 || math.IsNaN(weightedAPY) {
		return Summary{}
	}
	return Summary{APY: weightedAPY / totalTVL, TVL: totalTVL, Count: valid}
}

// Median berechnet den Medianwert einer Eigenschaft über Strategien mit positiver TVL
func Median(strategies []model.Strategy, selector func(model.Strategy) float64) float64 {
	values := make([]float64, 0, len(strategies))
	for _, s := range strategies {
		if s.TVLUSD > 0 {
			values = append(values, selector(s))
		}
	}
	if len(values) == 0 {
		return 0
	}

	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// FilterOutliers entfernt APY-Ausreißer per IQR, damit einzelne Farm-Pools die Kennzahlen nicht verzerren
func FilterOutliers(strategies []model.Strategy) []model.Strategy {
	if len(strategies) < 4 {
		return strategies
	}

	apyValues := make([]float64, 0, len(strategies))
	for _, s := range strategies {
		if s.TVLUSD > 0 {
			apyValues = append(apyValues, s.APY)
		}
	}
	if len(apyValues) < 4 {
		return strategies
	}

	sort.Float64s(apyValues)
	n := len(apyValues)
	q1 := apyValues[n/4]
	q3 := apyValues[n*3/4]
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	filtered := make([]model.Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s.APY >= lower && s.APY <= upper {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Summarize kombiniert Ausreißerfilter, gewichteten Durchschnitt und Median
func Summarize(strategies []model.Strategy) Summary {
	filtered := FilterOutliers(strategies)
	sum := Weighted(filtered)
	sum.Median = Median(filtered, func(s model.Strategy) float64 { return s.APY })
	return sum
}

// Merge dedupliziert nach ID: die höhere APY gewinnt, bei Gleichstand bleibt der erste Eintrag.
// Die Reihenfolge der ersten Sichtung bleibt erhalten.
func Merge(batches ...[]model.Strategy) []model.Strategy {
	index := make(map[string]int)
	out := make([]model.Strategy, 0)

	for _, batch := range batches {
		for _, s := range batch {
			i, seen := index[s.ID]
			if !seen {
				index[s.ID] = len(out)
				out = append(out, s)
				continue
			}
			if out[i].APY >= s.APY {
				continue
			}
			out[i] = s
		}
	}
	return out
}
