package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/config"
	"github.com/yourorg/strategy-aggregator/internal/integrity"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/recommend"
	"github.com/yourorg/strategy-aggregator/internal/storage"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "success", "data": []any{
			map[string]any{"pool": "p-eth", "project": "lido", "chain": "Ethereum", "symbol": "STETH", "apy": 3.1, "tvlUsd": 9e9},
			map[string]any{"pool": "p-usdc", "project": "aave-v3", "chain": "Arbitrum", "symbol": "USDC", "apy": 4.5, "tvlUsd": 2e8, "stablecoin": true},
		}})
	})
	mux.HandleFunc("/protocols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{map[string]any{"slug": "lido", "name": "Lido", "logo": "https://icons/lido.png", "url": "https://lido.fi"}})
	})
	mux.HandleFunc("/protocol/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"url": "https://lido.fi"})
	})
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(base string) config.Config {
	return config.Config{
		DefiLlamaURL:            base + "/pools",
		DefiLlamaProtocolsURL:   base + "/protocols",
		DefiLlamaChartURL:       base + "/chart",
		DefiLlamaProtocolURL:    base + "/protocol",
		BeefyVaultsURL:          base + "/missing",
		BeefyAPYURL:             base + "/missing",
		YearnURL:                base + "/missing",
		SommelierURL:            base + "/missing",
		PendleURL:               base + "/missing",
		StakeDAOURL:             base + "/missing",
		MorphoURL:               base + "/missing",
		CoinGeckoMarketURL:      base + "/markets",
		CoinGeckoPages:          1,
		HTTPTimeout:             5 * time.Second,
		LatestTTL:               30 * time.Minute,
		CachePrefix:             "defi:strategies",
		CacheTTL:                10 * time.Minute,
		RefreshQueueSuffix:      "refresh-queue",
		RefreshPopTimeout:       100 * time.Millisecond,
		PoolIndexTTL:            time.Minute,
		BreakerFailureThreshold: 3,
		BreakerResetDelay:       time.Minute,
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	srv := upstream(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := Build(testConfig(srv.URL), rdb, prometheus.NewRegistry())
	defer func() { _ = a.Close() }()
	ctx := context.Background()

	report, err := a.Pipeline.CollectAndStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Strategies)

	s, err := a.Store.GetStrategy(ctx, "defillama:p-eth")
	require.NoError(t, err)
	assert.Equal(t, "https://icons/lido.png", s.IconURL)

	chains, err := a.Store.GetChains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Arbitrum", "Ethereum"}, chains)

	resp, err := a.Recommender.Serve(ctx, recommend.Request{Token: "usdc"})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusMiss, resp.Cache.Status)
	require.NotNil(t, resp.Recommendation.Analysis)
	assert.Equal(t, "p-usdc", resp.Recommendation.Analysis.Best.PoolID)

	require.NoError(t, a.Dispatcher.Handle(ctx, model.RefreshRequest{Key: storage.LatestKey}))
	env, err := a.Store.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), env.Version)
	verified, err := integrity.Verify(env)
	require.NoError(t, err)
	assert.True(t, verified)
}
