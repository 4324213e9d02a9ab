package scoring

import (
	"strings"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Volatility holds the recent price change percentages of one token.
type Volatility struct {
	Change24h float64 `json:"price_change_24h"`
	Change7d  float64 `json:"price_change_7d"`
}

// VolatilityMap is keyed by upper-cased token symbol.
type VolatilityMap map[string]Volatility

// BuildVolatilityMap indexes CoinGecko market rows by symbol.
// Later rows overwrite earlier ones with the same symbol.
func BuildVolatilityMap(markets []model.Record) VolatilityMap {
	out := make(VolatilityMap, len(markets))
	for _, m := range markets {
		symbol := strings.ToUpper(m.String("symbol"))
		if symbol == "" {
			continue
		}
		out[symbol] = Volatility{
			Change24h: m.Float("price_change_percentage_24h", "price_change_percentage_24h_in_currency"),
			Change7d:  m.Float("price_change_percentage_7d", "price_change_percentage_7d_in_currency"),
		}
	}
	return out
}
