// Package tokens parses pool symbols into token lists and classifies pairs.
package tokens

import (
	"regexp"
	"sort"
	"strings"
)

// Pair categories
const (
	CategoryUnknown       = "unknown"
	CategoryStableStable  = "stable-stable"
	CategoryWrapperSingle = "wrapper-single"
	CategorySingle        = "single"
	CategoryTokenStable   = "token-stable"
	CategoryTokenWrapper  = "token-wrapper"
	CategoryMixed         = "mixed"
)

var stableTokens = map[string]struct{}{
	"USDT": {}, "USDC": {}, "USDC.E": {}, "USDT.E": {}, "DAI": {}, "BUSD": {},
	"TUSD": {}, "FRAX": {}, "USDD": {}, "LUSD": {}, "GUSD": {}, "USDJ": {},
	"SUSD": {}, "USDP": {}, "EURC": {}, "EURS": {}, "UST": {},
}

var wrapperPrefixes = []string{"W", "ST", "L", "A", "R", "CB", "WB", "S", "C"}

var separator = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// Parse splits a pool symbol such as "wETH-USDC" into upper-cased tokens.
func Parse(symbol string) []string {
	parts := separator.Split(strings.ToUpper(symbol), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizePair returns the sorted tokens joined by "-", or the upper-cased symbol when it has none.
func NormalizePair(symbol string) string {
	toks := Parse(symbol)
	if len(toks) == 0 {
		return strings.ToUpper(symbol)
	}
	sort.Strings(toks)
	return strings.Join(toks, "-")
}

// IsStable reports whether token is a known stablecoin.
func IsStable(token string) bool {
	_, ok := stableTokens[strings.ToUpper(token)]
	return ok
}

func hasWrapperPrefix(token string) bool {
	for _, p := range wrapperPrefixes {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return false
}

// Classify assigns a pair category from the parsed tokens.
func Classify(toks []string) string {
	if len(toks) == 0 {
		return CategoryUnknown
	}
	upper := make([]string, len(toks))
	distinct := make(map[string]struct{}, len(toks))
	stable, wrapped := 0, 0
	for i, t := range toks {
		upper[i] = strings.ToUpper(t)
		distinct[upper[i]] = struct{}{}
		if IsStable(upper[i]) {
			stable++
		}
		if hasWrapperPrefix(upper[i]) {
			wrapped++
		}
	}

	if len(distinct) == 1 {
		switch {
		case IsStable(upper[0]):
			return CategoryStableStable
		case hasWrapperPrefix(upper[0]):
			return CategoryWrapperSingle
		default:
			return CategorySingle
		}
	}

	switch {
	case stable >= 1 && stable < len(upper):
		return CategoryTokenStable
	case wrapped >= 1:
		return CategoryTokenWrapper
	case stable == len(upper):
		return CategoryStableStable
	}
	return CategoryMixed
}

// ContainsWrapper reports whether any token looks like a wrapped or derivative asset.
func ContainsWrapper(toks []string) bool {
	for _, t := range toks {
		u := strings.ToUpper(t)
		if hasWrapperPrefix(u) || strings.HasSuffix(u, "WRAP") || strings.HasSuffix(u, "WRAPPED") {
			return true
		}
	}
	return false
}
