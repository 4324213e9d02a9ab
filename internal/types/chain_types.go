// Package types contains shared chain definitions used across multiple packages
package types

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Chain is a canonical display name of a blockchain network
type Chain string

// Canonical chain names
const (
	ChainEthereum Chain = "Ethereum"
	ChainPolygon  Chain = "Polygon"
	ChainArbitrum Chain = "Arbitrum"
	ChainOptimism Chain = "Optimism"
	ChainFantom   Chain = "Fantom"
	ChainBase     Chain = "Base"
	ChainUnknown  Chain = "Unknown"
)

// chainSynonyms maps lower-cased upstream spellings onto canonical names.
var chainSynonyms = map[string]Chain{
	"eth":          ChainEthereum,
	"ethereum":     ChainEthereum,
	"arb":          ChainArbitrum,
	"arbitrum one": ChainArbitrum,
	"polygon pos":  ChainPolygon,
}

// chainIDs covers the EVM chain ids Yearn reports.
var chainIDs = map[int]Chain{
	1:     ChainEthereum,
	137:   ChainPolygon,
	250:   ChainFantom,
	10:    ChainOptimism,
	42161: ChainArbitrum,
}

// layer2Keywords mark chains that get the L2 risk adjustment (substring match).
var layer2Keywords = []string{"arbitrum", "optimism", "polygon", "base"}

var titleCaser = cases.Title(language.Und)

// CanonicalChain maps a free-form chain name onto its canonical spelling.
// Unknown names are title-cased; empty input becomes "Unknown".
func CanonicalChain(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return string(ChainUnknown)
	}
	if c, ok := chainSynonyms[strings.ToLower(trimmed)]; ok {
		return string(c)
	}
	return titleCaser.String(trimmed)
}

// ChainByID returns the chain name for an EVM chain id, or the id itself.
func ChainByID(id int) string {
	if c, ok := chainIDs[id]; ok {
		return string(c)
	}
	return strconv.Itoa(id)
}

// IsLayer2 reports whether chain belongs to the fixed L2 set.
func IsLayer2(chain string) bool {
	lowered := strings.ToLower(chain)
	for _, kw := range layer2Keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
