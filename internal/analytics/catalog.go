package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/model"
)

const (
	TopTokensLimit = 100
	CatalogTTL     = 30 * time.Minute
)

// ErrCatalogUnavailable is returned when no market tokens could be loaded.
var ErrCatalogUnavailable = errors.New("market token list unavailable")

// MarketSource lists market rows ordered by market cap, largest first.
type MarketSource interface {
	Markets(ctx context.Context) ([]model.Record, error)
}

// TokenStore persists the token list between calls and processes.
type TokenStore interface {
	GetTokens(ctx context.Context) (*cache.TokenList, error)
	SetTokens(ctx context.Context, tokens []model.Record, ttl time.Duration) error
}

// Catalog is the allowlist of top market tokens new-pool searches are limited to.
type Catalog struct {
	markets MarketSource
	store   TokenStore
	limit   int
	ttl     time.Duration

	mu sync.Mutex
}

// NewCatalog creates a Catalog of the top TopTokensLimit tokens. store may be nil.
func NewCatalog(markets MarketSource, store TokenStore) *Catalog {
	return &Catalog{markets: markets, store: store, limit: TopTokensLimit, ttl: CatalogTTL}
}

// Tokens returns the cached token list, reloading it from the market source
// when missing, empty or forced.
func (c *Catalog) Tokens(ctx context.Context, force bool) ([]model.Record, error) {
	if !force {
		if tokens := c.cached(ctx); len(tokens) > 0 {
			return tokens, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !force {
		if tokens := c.cached(ctx); len(tokens) > 0 {
			return tokens, nil
		}
	}

	rows, err := c.markets.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	tokens := topTokens(rows, c.limit)
	if len(tokens) == 0 {
		return nil, ErrCatalogUnavailable
	}

	if c.store != nil {
		if err := c.store.SetTokens(ctx, tokens, c.ttl); err != nil {
			logrus.Warnf("Failed to cache token list: %v", err)
		}
	}
	logrus.WithField("tokens", len(tokens)).Info("Market token list loaded")
	return tokens, nil
}

// Symbols returns the upper-cased symbols of Tokens.
func (c *Catalog) Symbols(ctx context.Context, force bool) (map[string]bool, error) {
	tokens, err := c.Tokens(ctx, force)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t.String("symbol")] = true
	}
	return set, nil
}

func (c *Catalog) cached(ctx context.Context) []model.Record {
	if c.store == nil {
		return nil
	}
	list, err := c.store.GetTokens(ctx)
	if err != nil {
		logrus.Warnf("Token list cache read failed: %v", err)
		return nil
	}
	if list == nil {
		return nil
	}
	return list.Tokens
}

// topTokens keeps the first limit distinct symbols as {symbol, name, slug}.
func topTokens(rows []model.Record, limit int) []model.Record {
	out := make([]model.Record, 0, min(len(rows), limit))
	seen := make(map[string]bool)
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		symbol := strings.ToUpper(strings.TrimSpace(r.String("symbol")))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true

		slug := r.String("id", "slug")
		if slug == "" {
			slug = strings.ToLower(symbol)
		}
		name := r.String("name")
		if name == "" {
			name = symbol
		}
		out = append(out, model.Record{"symbol": symbol, "name": name, "slug": slug})
	}
	return out
}
