package model

// Pool is a DeFiLlama yields pool with the derived token fields used by lookups.
type Pool struct {
	Pool       string   `json:"pool"`
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	TVLUSD     float64  `json:"tvlUsd"`
	APY        float64  `json:"apy"`
	APYBase    *float64 `json:"apyBase,omitempty"`
	APYReward  *float64 `json:"apyReward,omitempty"`
	APYPct7D   *float64 `json:"apyPct7D,omitempty"`
	APYPct30D  *float64 `json:"apyPct30D,omitempty"`
	Stablecoin bool     `json:"stablecoin"`
	ILRisk     string   `json:"ilRisk,omitempty"`
	Exposure   string   `json:"exposure,omitempty"`
	PoolMeta   string   `json:"poolMeta,omitempty"`
	Underlying []string `json:"underlyingTokens,omitempty"`

	// Count is the number of upstream observations; nil when absent or non-numeric
	Count *float64 `json:"count,omitempty"`

	PredictedClass       string   `json:"predictedClass,omitempty"`
	PredictedProbability *float64 `json:"predictedProbability,omitempty"`

	Tokens          []string `json:"tokens,omitempty"`
	Category        string   `json:"category,omitempty"`
	ContainsWrapper bool     `json:"contains_wrapper"`
	Pair            string   `json:"pair,omitempty"`
}

// PoolFromRecord maps a raw pools API item. Derived token fields are left empty.
func PoolFromRecord(r Record) Pool {
	p := Pool{
		Pool:       r.String("pool"),
		Chain:      r.String("chain"),
		Project:    r.String("project"),
		Symbol:     r.String("symbol"),
		TVLUSD:     r.Float("tvlUsd"),
		APY:        r.Float("apy"),
		APYBase:    optFloat(r, "apyBase"),
		APYReward:  optFloat(r, "apyReward"),
		APYPct7D:   optFloat(r, "apyPct7D"),
		APYPct30D:  optFloat(r, "apyPct30D"),
		Stablecoin: r.Bool("stablecoin"),
		ILRisk:     r.String("ilRisk"),
		Exposure:   r.String("exposure"),
		PoolMeta:   r.String("poolMeta"),
		Underlying: r.Strings("underlyingTokens"),
		Count:      optFloat(r, "count"),
	}
	if pred := r.Object("predictions"); pred != nil {
		p.PredictedClass = pred.String("predictedClass")
		p.PredictedProbability = optFloat(pred, "predictedProbability")
	}
	return p
}

// ChartPoint is one sample of a pool's historical chart.
type ChartPoint struct {
	Timestamp string   `json:"timestamp"`
	TVLUSD    *float64 `json:"tvlUsd,omitempty"`
	APY       *float64 `json:"apy,omitempty"`
}

// ChartPointFromRecord maps a raw chart item.
func ChartPointFromRecord(r Record) ChartPoint {
	return ChartPoint{
		Timestamp: r.String("timestamp"),
		TVLUSD:    optFloat(r, "tvlUsd"),
		APY:       optFloat(r, "apy"),
	}
}

func optFloat(r Record, key string) *float64 {
	if f, ok := r.OptFloat(key); ok {
		return &f
	}
	return nil
}
