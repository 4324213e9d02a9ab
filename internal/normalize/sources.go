package normalize

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/types"
)

// checksumID returns the EIP-55 form of id when it is a plain hex address.
func checksumID(id string) string {
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// fractionToPercent scales rates reported as fractions (0.05) into percent.
// Values above 1 are assumed to be percent already.
func fractionToPercent(v float64) float64 {
	if v != 0 && v <= 1 {
		return v * 100
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// compactMeta drops nil entries so the metadata map only carries known fields.
func compactMeta(r model.Record, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for outKey, inKey := range mapping {
		if v, ok := r[inKey]; ok && v != nil {
			out[outKey] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (n *Normalizer) base(ctx context.Context, source, nativeID, protocol string) *model.Strategy {
	return &model.Strategy{
		ID:        source + ":" + nativeID,
		Source:    source,
		Protocol:  protocol,
		IconURL:   n.meta.IconFor(ctx, protocol),
		UpdatedAt: model.NowRFC3339(n.now()),
	}
}

func (n *Normalizer) defillamaPool(ctx context.Context, r model.Record) (*model.Strategy, error) {
	poolID := r.String("pool")
	if poolID == "" {
		return nil, ErrSkipped
	}
	protocol := firstNonEmpty(r.String("project"), "Unknown")

	s := n.base(ctx, "defillama", poolID, protocol)
	s.Name = firstNonEmpty(r.String("project", "pool"), "Unknown pool")
	s.Chain = types.CanonicalChain(r.String("chain"))
	s.TokenPair = r.String("symbol")
	s.APY = r.Float("apy", "apyBase")
	s.TVLUSD = r.Float("tvlUsd")

	if site, ok := n.meta.WebsiteFor(ctx, protocol); ok {
		s.URL = site
	} else {
		s.URL = "https://defillama.com/yields/pool/" + poolID
	}
	s.Metadata = compactMeta(r, map[string]string{
		"category":   "project",
		"project_id": "projectId",
		"confidence": "confidence",
	})
	return s, nil
}

func (n *Normalizer) beefyVault(ctx context.Context, r model.Record) (*model.Strategy, error) {
	vaultID := r.String("id")
	if vaultID == "" {
		return nil, ErrSkipped
	}

	s := n.base(ctx, "beefy", vaultID, "Beefy")
	s.Name = firstNonEmpty(r.String("name"), vaultID)
	s.Chain = types.CanonicalChain(r.String("chain"))
	s.TokenPair = firstNonEmpty(strings.Join(r.Strings("assets"), " / "), r.String("symbol"))
	if apy, ok := r.OptFloat("apy"); ok {
		s.APY = apy * 100
	}
	s.TVLUSD = r.Float("tvl")
	s.URL = "https://app.beefy.finance/#/vault/" + vaultID
	s.Metadata = compactMeta(r, map[string]string{
		"strategy_type": "strategyType",
		"platform":      "platform",
	})
	return s, nil
}

func (n *Normalizer) yearnVault(ctx context.Context, r model.Record) (*model.Strategy, error) {
	address := r.String("address")
	if address == "" {
		return nil, ErrSkipped
	}
	address = checksumID(address)

	chainID, ok := r.Int("chainID", "chainId")
	if !ok || chainID == 0 {
		chainID = 1
	}

	s := n.base(ctx, "yearn", address, "Yearn")
	s.Name = firstNonEmpty(r.String("name", "display_name", "displayName"), address)
	s.Chain = types.ChainByID(chainID)
	s.TokenPair = r.String("symbol", "display_name", "displayName")
	if apy := r.Object("apy"); apy != nil {
		s.APY = apy.Float("net_apy") * 100
	}
	if tvl := r.Object("tvl"); tvl != nil {
		s.TVLUSD = tvl.Float("tvl")
	}
	s.URL = fmt.Sprintf("https://yearn.fi/vaults/%s/%s", strconv.Itoa(chainID), address)
	s.Metadata = compactMeta(r, map[string]string{
		"decimals": "decimals",
		"type":     "type",
	})
	return s, nil
}

func (n *Normalizer) sommelierVault(ctx context.Context, r model.Record) (*model.Strategy, error) {
	vaultID := r.String("address", "id", "slug")
	if vaultID == "" {
		return nil, ErrSkipped
	}
	vaultID = checksumID(vaultID)

	s := n.base(ctx, "sommelier", vaultID, "Sommelier")
	s.Name = firstNonEmpty(r.String("name", "strategyName"), vaultID)
	s.Chain = types.CanonicalChain(r.String("chain", "network"))
	s.TokenPair = firstNonEmpty(r.String("symbol", "depositTokenSymbol"), strings.Join(r.Strings("assets"), "/"))
	s.APY = fractionToPercent(r.Float("net_apy", "netApy", "apy"))
	s.TVLUSD = r.Float("tvl_usd", "tvl")
	s.URL = r.String("details_url", "url", "strategyUrl")
	s.Metadata = compactMeta(r, map[string]string{
		"manager":  "manager",
		"strategy": "strategy",
	})
	return s, nil
}

func (n *Normalizer) pendleMarket(ctx context.Context, r model.Record) (*model.Strategy, error) {
	marketID := r.String("market", "marketAddress", "id")
	if marketID == "" {
		return nil, ErrSkipped
	}
	marketID = checksumID(marketID)

	s := n.base(ctx, "pendle", marketID, "Pendle")
	s.Name = firstNonEmpty(r.String("name", "marketName"), marketID)
	s.Chain = types.CanonicalChain(r.String("chain", "network"))
	s.TokenPair = r.String("pair", "assetSymbol")
	if s.TokenPair == "" {
		s.TokenPair = firstNonEmpty(strings.Join(r.Strings("tokens"), "/"), r.String("tokens"))
	}
	s.APY = r.Float("apy", "total_apy")
	s.TVLUSD = r.Float("tvl", "tvlUsd", "liquidity")
	s.URL = firstNonEmpty(r.String("url", "explorerUrl"), "https://app.pendle.finance/market/"+marketID)
	s.Metadata = compactMeta(r, map[string]string{
		"lp_apy":   "lp_apy",
		"base_apy": "base_apy",
	})
	return s, nil
}

func (n *Normalizer) stakeDAOVault(ctx context.Context, r model.Record) (*model.Strategy, error) {
	vaultID := r.String("id", "address", "slug")
	if vaultID == "" {
		return nil, ErrSkipped
	}
	vaultID = checksumID(vaultID)

	s := n.base(ctx, "stakedao", vaultID, "StakeDAO")
	s.Name = firstNonEmpty(r.String("name", "displayName"), vaultID)
	s.Chain = types.CanonicalChain(r.String("chain", "network"))
	s.TokenPair = r.String("symbol", "underlying")
	s.APY = fractionToPercent(r.Float("apy", "apr"))
	s.TVLUSD = r.Float("tvl", "tvlUsd")
	s.URL = r.String("url", "detailsUrl", "stakingUrl")
	s.Metadata = compactMeta(r, map[string]string{"category": "category"})
	return s, nil
}

func (n *Normalizer) morphoMarket(ctx context.Context, r model.Record) (*model.Strategy, error) {
	marketID := r.String("id")
	if marketID == "" {
		return nil, ErrSkipped
	}
	symbol := r.String("underlyingTokenSymbol", "name")

	s := n.base(ctx, "morpho", marketID, "Morpho")
	s.Name = firstNonEmpty(r.String("name"), symbol, marketID)
	s.Chain = types.CanonicalChain(r.String("chain"))
	s.TokenPair = symbol
	s.APY = r.Float("supplyApy") * 100
	s.TVLUSD = r.Float("totalSupplyUSD")
	s.URL = "https://app.morpho.org/market/" + marketID
	if underlying := r.String("underlyingTokenAddress"); underlying != "" {
		s.Metadata = map[string]any{"underlying": checksumID(underlying)}
	}
	return s, nil
}
