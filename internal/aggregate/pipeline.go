// Package aggregate runs the collection pipeline: fetch every source, normalize,
// merge, score and persist the latest snapshot.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/strategy-aggregator/internal/circuitbreaker"
	"github.com/yourorg/strategy-aggregator/internal/fetch"
	"github.com/yourorg/strategy-aggregator/internal/integrity"
	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/normalize"
	"github.com/yourorg/strategy-aggregator/internal/otel"
	"github.com/yourorg/strategy-aggregator/internal/scoring"
	"github.com/yourorg/strategy-aggregator/internal/storage"
)

// MarketSource supplies the CoinGecko market rows behind the volatility map.
type MarketSource interface {
	Markets(ctx context.Context) ([]model.Record, error)
}

// Normalizer maps one source batch onto strategies.
type Normalizer interface {
	Normalize(ctx context.Context, source string, records []model.Record) ([]model.Strategy, normalize.BatchReport)
}

// SourceReport is the fetch outcome of one source in one run.
type SourceReport struct {
	Source   string        `json:"source"`
	Records  int           `json:"records"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunReport describes one pipeline run.
type RunReport struct {
	RawRecords int                     `json:"raw_records"`
	Strategies int                     `json:"strategies"`
	Version    int64                   `json:"version"`
	Locked     bool                    `json:"locked"`
	Sources    []SourceReport          `json:"sources"`
	Batches    []normalize.BatchReport `json:"batches"`
	Summary    Summary                 `json:"summary"`
	Duration   time.Duration           `json:"duration"`
}

// Options tunes the advisory run lock.
type Options struct {
	LockTTL  time.Duration
	LockWait time.Duration
}

// DefaultOptions returns lock settings sized for a multi-minute run.
func DefaultOptions() Options {
	return Options{LockTTL: 5 * time.Minute, LockWait: 30 * time.Second}
}

// Pipeline collects and stores the latest strategy snapshot.
type Pipeline struct {
	sources    []fetch.Source
	markets    MarketSource
	normalizer Normalizer
	store      *storage.Store
	breakers   *circuitbreaker.Set
	metrics    *metrics.Metrics
	opts       Options
	now        func() time.Time
}

// New creates a pipeline. Sources are merged in the order given. breakers and m may be nil.
func New(sources []fetch.Source, markets MarketSource, normalizer Normalizer, store *storage.Store,
	breakers *circuitbreaker.Set, m *metrics.Metrics, opts Options) *Pipeline {
	return &Pipeline{
		sources:    sources,
		markets:    markets,
		normalizer: normalizer,
		store:      store,
		breakers:   breakers,
		metrics:    m,
		opts:       opts,
		now:        time.Now,
	}
}

// CollectAndStore runs one full collection. Upstream failures degrade to empty
// sources; the returned error only reports persistence failures.
func (p *Pipeline) CollectAndStore(ctx context.Context) (RunReport, error) {
	ctx, span := otel.Start(ctx, "pipeline.collect_and_store")
	defer span.End()

	start := p.now()
	report := RunReport{}

	lock, err := p.store.AcquireRunLock(ctx, p.opts.LockTTL, p.opts.LockWait)
	switch {
	case err != nil:
		logrus.Warnf("Run lock unavailable, continuing without it: %v", err)
	case lock == nil:
		logrus.Warn("Another pipeline run holds the lock, continuing without it")
	default:
		report.Locked = true
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logrus.Warnf("Failed to release run lock: %v", err)
			}
		}()
	}

	var (
		vm      scoring.VolatilityMap
		batches = make([][]model.Record, len(p.sources))
	)
	report.Sources = make([]SourceReport, len(p.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vm = p.volatility(gctx)
		return nil
	})
	for i, src := range p.sources {
		i, src := i, src
		g.Go(func() error {
			batches[i], report.Sources[i] = p.fetchSource(gctx, src)
			return nil
		})
	}
	_ = g.Wait()

	normalized := make([][]model.Strategy, 0, len(p.sources))
	for i, src := range p.sources {
		report.RawRecords += len(batches[i])
		items, batch := p.normalizer.Normalize(ctx, src.Name(), batches[i])
		report.Batches = append(report.Batches, batch)
		p.metrics.ObserveBatch(batch.Source, batch.Skipped, batch.Failed)
		logrus.WithFields(logrus.Fields{
			"source":     batch.Source,
			"fetched":    batch.Total,
			"normalized": batch.Normalized,
			"skipped":    batch.Skipped,
			"failed":     batch.Failed,
		}).Info("Normalized source batch")
		normalized = append(normalized, items)
	}

	strategies := Merge(normalized...)
	persistErr := p.score(ctx, strategies, vm)

	report.Strategies = len(strategies)
	report.Summary = Summarize(strategies)
	p.metrics.ObserveAPY(report.Summary.APY, report.Summary.Median)

	version, saveErr := p.saveLatest(ctx, strategies)
	report.Version = version
	persistErr = errors.Join(persistErr, saveErr)

	report.Duration = p.now().Sub(start)
	status := "success"
	if persistErr != nil {
		status = "error"
		otel.RecordError(ctx, persistErr)
	}
	p.metrics.ObservePipeline(status, report.Duration.Seconds(), report.RawRecords, report.Strategies)
	span.SetAttributes(
		attribute.Int("pipeline.raw_records", report.RawRecords),
		attribute.Int("pipeline.strategies", report.Strategies),
	)

	logrus.WithFields(logrus.Fields{
		"raw_records":  report.RawRecords,
		"strategies":   report.Strategies,
		"version":      report.Version,
		"weighted_apy": report.Summary.APY,
		"median_apy":   report.Summary.Median,
		"duration":     report.Duration,
	}).Info("Stored strategies")

	return report, persistErr
}

func (p *Pipeline) volatility(ctx context.Context) scoring.VolatilityMap {
	if p.markets == nil {
		return scoring.VolatilityMap{}
	}
	markets, err := p.markets.Markets(ctx)
	if err != nil {
		logrus.Warnf("Market data unavailable, using default volatility: %v", err)
	}
	return scoring.BuildVolatilityMap(markets)
}

func (p *Pipeline) fetchSource(ctx context.Context, src fetch.Source) ([]model.Record, SourceReport) {
	name := src.Name()
	rep := SourceReport{Source: name}

	var cb *circuitbreaker.CircuitBreaker
	if p.breakers != nil {
		cb = p.breakers.Get(name)
		if err := cb.Allow(); err != nil {
			rep.Skipped = true
			rep.Error = err.Error()
			logrus.WithField("source", name).Warn("Skipping source while its circuit is open")
			return nil, rep
		}
	}

	ctx, span := otel.Start(ctx, "pipeline.fetch."+name)
	defer span.End()

	start := time.Now()
	records, err := src.Fetch(ctx)
	rep.Duration = time.Since(start)
	p.metrics.ObserveSource(name, len(records), err)

	if err != nil {
		otel.RecordError(ctx, err)
		if cb != nil {
			cb.RecordFailure(err)
		}
		rep.Error = err.Error()
		logrus.WithField("source", name).Warnf("Source fetch failed: %v", err)
		return nil, rep
	}
	if cb != nil {
		cb.RecordSuccess()
	}
	rep.Records = len(records)
	return records, rep
}

// score computes growth against the stored snapshots and fills every scoring
// field, then persists the new snapshots and TVL points.
func (p *Pipeline) score(ctx context.Context, strategies []model.Strategy, vm scoring.VolatilityMap) error {
	ids := make([]string, len(strategies))
	for i, s := range strategies {
		ids[i] = s.ID
	}

	previous, err := p.store.LoadSnapshots(ctx, ids)
	if err != nil {
		logrus.Warnf("Previous snapshots unavailable, growth defaults to 0: %v", err)
		previous = map[string]model.Snapshot{}
	}

	now := p.now().UTC()
	stamp := model.NowRFC3339(now)
	snaps := make(map[string]model.Snapshot, len(strategies))
	tvl := make(map[string]float64, len(strategies))

	for i := range strategies {
		s := &strategies[i]
		prev, ok := previous[s.ID]
		growth := storage.ComputeGrowth(prev, ok, s.TVLUSD, now)
		scoring.Apply(s, growth, vm)

		snaps[s.ID] = model.Snapshot{TVLUSD: s.TVLUSD, Timestamp: stamp}
		tvl[s.ID] = s.TVLUSD
	}

	return errors.Join(
		p.store.SaveSnapshots(ctx, snaps),
		p.store.AppendTVLPoints(ctx, tvl, now),
	)
}

func (p *Pipeline) saveLatest(ctx context.Context, strategies []model.Strategy) (int64, error) {
	version, err := p.store.NextVersion(ctx)
	if err != nil {
		return 0, err
	}

	env := model.LatestEnvelope{
		Version:   version,
		UpdatedAt: model.NowRFC3339(p.now()),
		Count:     len(strategies),
		Items:     strategies,
	}
	if err := integrity.Seal(&env); err != nil {
		return version, err
	}
	err = p.store.SaveLatest(ctx, env)
	if errors.Is(err, storage.ErrStaleVersion) {
		logrus.WithField("version", version).Warn("A newer run already stored its envelope, keeping it")
		return version, nil
	}
	if err != nil {
		return version, fmt.Errorf("save latest: %w", err)
	}
	return version, nil
}
