package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/model"
)

type fakeMarkets struct {
	rows  []model.Record
	err   error
	calls int
}

func (f *fakeMarkets) Markets(context.Context) ([]model.Record, error) {
	f.calls++
	return f.rows, f.err
}

type staticCatalog map[string]bool

func (c staticCatalog) Symbols(context.Context, bool) (map[string]bool, error) { return c, nil }

func newTokenCache(t *testing.T) (*cache.StrategyCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, "defi:strategies", 10*time.Minute, "refresh-queue"), mr
}

func TestCatalog_LoadsAndCachesTopTokens(t *testing.T) {
	rows := make([]model.Record, 0, 120)
	rows = append(rows,
		model.Record{"id": "ethereum", "symbol": "eth", "name": "Ethereum"},
		model.Record{"id": "weird", "symbol": ""},
		model.Record{"id": "ethereum-dup", "symbol": "ETH"},
	)
	for i := 0; i < 117; i++ {
		rows = append(rows, model.Record{"symbol": "T" + string(rune('A'+i%26)) + string(rune('A'+i/26))})
	}
	markets := &fakeMarkets{rows: rows}
	store, mr := newTokenCache(t)
	c := NewCatalog(markets, store)
	ctx := context.Background()

	tokens, err := c.Tokens(ctx, false)
	require.NoError(t, err)
	assert.Len(t, tokens, TopTokensLimit)
	assert.Equal(t, model.Record{"symbol": "ETH", "name": "Ethereum", "slug": "ethereum"}, tokens[0])
	assert.Equal(t, "taa", tokens[1].String("slug"))
	assert.Equal(t, CatalogTTL, mr.TTL("defi:strategies:tokens"))

	symbols, err := c.Symbols(ctx, false)
	require.NoError(t, err)
	assert.True(t, symbols["ETH"])
	assert.Equal(t, 1, markets.calls, "served from the token cache")

	_, err = c.Symbols(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, markets.calls)
}

func TestCatalog_Unavailable(t *testing.T) {
	c := NewCatalog(&fakeMarkets{err: errors.New("rate limited")}, nil)
	_, err := c.Symbols(context.Background(), false)
	assert.ErrorIs(t, err, ErrCatalogUnavailable)

	c = NewCatalog(&fakeMarkets{}, nil)
	_, err = c.Symbols(context.Background(), false)
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}

func TestGetNewPools_OnlySearchesTrackedSymbols(t *testing.T) {
	up := &fakeUpstream{
		pools: map[string][]model.Record{
			"ETH": {{"pool": "p1", "symbol": "ETH-PEPE2", "project": "uni", "chain": "Ethereum", "tvlUsd": 10.0, "count": 1.0}},
		},
		charts: map[string][]model.Record{"p1": {point(1, 10, 1), point(0, 20, 2)}},
	}
	s := New(up, staticCatalog{"ETH": true, "USDC": true}, nil)
	s.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	res, err := s.GetNewPools(ctx, Query{Period: "24h", Symbols: []string{"pepe2", "eth"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH"}, up.searched, "untracked symbols are not searched")
	require.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"pepe2", "eth"}, res.Filters.Symbols)

	_, err = s.GetNewPools(ctx, Query{Period: "24h", Symbols: []string{"PEPE2"}})
	assert.ErrorIs(t, err, ErrSymbolsNotTracked)
	assert.Len(t, up.searched, 1)
}
