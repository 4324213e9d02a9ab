// Package app wires the aggregator components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/aggregate"
	"github.com/yourorg/strategy-aggregator/internal/analytics"
	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/circuitbreaker"
	"github.com/yourorg/strategy-aggregator/internal/config"
	"github.com/yourorg/strategy-aggregator/internal/fetch"
	"github.com/yourorg/strategy-aggregator/internal/metadata"
	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/normalize"
	"github.com/yourorg/strategy-aggregator/internal/poolindex"
	"github.com/yourorg/strategy-aggregator/internal/recommend"
	"github.com/yourorg/strategy-aggregator/internal/refresh"
	"github.com/yourorg/strategy-aggregator/internal/storage"
)

// App holds every long-lived component of one process.
type App struct {
	Config   config.Config
	Redis    redis.UniversalClient
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Set

	DefiLlama *fetch.DefiLlamaClient
	Resolver  *metadata.Resolver

	Store       *storage.Store
	Cache       *cache.StrategyCache
	Pipeline    *aggregate.Pipeline
	PoolIndex   *poolindex.Index
	Analytics   *analytics.Service
	Recommender *recommend.Recommender
	Dispatcher  *refresh.Dispatcher
	Worker      *refresh.Worker
}

// New connects to Redis and builds the component graph.
// reg receives the Prometheus collectors; nil uses the default registry.
func New(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*App, error) {
	rdb, err := storage.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return Build(cfg, rdb, reg), nil
}

// Build assembles the components on an existing Redis client.
func Build(cfg config.Config, rdb redis.UniversalClient, reg prometheus.Registerer) *App {
	m := metrics.New(metrics.DefaultNamespace, reg)

	opts := fetch.DefaultOptions()
	if cfg.HTTPTimeout > 0 {
		opts.Timeout = cfg.HTTPTimeout
	}
	httpClient := fetch.NewHTTPClient(opts)

	llama := fetch.NewDefiLlamaClient(httpClient, fetch.DefiLlamaURLs{
		Pools:     cfg.DefiLlamaURL,
		Protocols: cfg.DefiLlamaProtocolsURL,
		Chart:     cfg.DefiLlamaChartURL,
		Protocol:  cfg.DefiLlamaProtocolURL,
	})
	sources := []fetch.Source{
		llama,
		fetch.NewBeefyClient(httpClient, cfg.BeefyVaultsURL, cfg.BeefyAPYURL),
		fetch.NewYearnClient(httpClient, cfg.YearnURL),
		fetch.NewSommelierClient(httpClient, cfg.SommelierURL),
		fetch.NewPendleClient(httpClient, cfg.PendleURL),
		fetch.NewStakeDAOClient(httpClient, cfg.StakeDAOURL),
		fetch.NewMorphoClient(httpClient, cfg.MorphoURL),
	}
	markets := fetch.NewCoinGeckoClient(httpClient, fetch.CoinGeckoOptions{
		URL:        cfg.CoinGeckoMarketURL,
		VsCurrency: cfg.CoinGeckoVsCurrency,
		PerPage:    cfg.CoinGeckoPerPage,
		Pages:      cfg.CoinGeckoPages,
		RPS:        cfg.CoinGeckoRPS,
	})

	breakers := circuitbreaker.NewSet(cfg.BreakerFailureThreshold, cfg.BreakerResetDelay,
		func(name string, from, to circuitbreaker.State) {
			m.SetBreakerState(name, int(to))
			logrus.WithFields(logrus.Fields{
				"source": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("Source circuit breaker changed state")
		})

	resolver := metadata.NewResolver(llama, cfg.DefaultIconURL)
	store := storage.NewStore(rdb, cfg.LatestTTL)
	strategyCache := cache.New(rdb, cfg.CachePrefix, cfg.CacheTTL, cfg.RefreshQueueSuffix)

	pipeline := aggregate.New(sources, markets, normalize.New(resolver), store, breakers, m, aggregate.DefaultOptions())
	index := poolindex.New(llama, cfg.PoolIndexTTL, m)
	newPools := analytics.New(llama, analytics.NewCatalog(markets, strategyCache), m)
	recommender := recommend.New(index, newPools, strategyCache, m)

	dispatcher := refresh.NewDispatcher(storage.LatestKey, pipeline, recommender, strategyCache.IsStrategyKey).
		WithPending(strategyCache)
	worker := refresh.NewWorker(strategyCache, dispatcher, cfg.RefreshPopTimeout, m)

	return &App{
		Config:      cfg,
		Redis:       rdb,
		Metrics:     m,
		Breakers:    breakers,
		DefiLlama:   llama,
		Resolver:    resolver,
		Store:       store,
		Cache:       strategyCache,
		Pipeline:    pipeline,
		PoolIndex:   index,
		Analytics:   newPools,
		Recommender: recommender,
		Dispatcher:  dispatcher,
		Worker:      worker,
	}
}

// Close releases the Redis connection.
func (a *App) Close() error {
	return a.Redis.Close()
}
