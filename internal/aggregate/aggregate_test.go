package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/circuitbreaker"
	"github.com/yourorg/strategy-aggregator/internal/fetch"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/normalize"
	"github.com/yourorg/strategy-aggregator/internal/storage"
)

func TestWeighted(t *testing.T) {
	tests := []struct {
		name       string
		strategies []model.Strategy
		expected   Summary
	}{
		{name: "empty", expected: Summary{}},
		{
			name:       "single strategy",
			strategies: []model.Strategy{{APY: 5, TVLUSD: 1000}},
			expected:   Summary{APY: 5, TVL: 1000, Count: 1},
		},
		{
			name: "weighted by tvl",
			strategies: []model.Strategy{
				{APY: 5, TVLUSD: 1000},
				{APY: 10, TVLUSD: 3000},
				{APY: 99, TVLUSD: 0},
			},
			expected: Summary{APY: 8.75, TVL: 4000, Count: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Weighted(tt.strategies))
		})
	}
}

func TestMedian(t *testing.T) {
	apy := func(s model.Strategy) float64 { return s.APY }
	assert.Equal(t, 0.0, Median(nil, apy))
	assert.Equal(t, 3.0, Median([]model.Strategy{{APY: 1, TVLUSD: 1}, {APY: 3, TVLUSD: 1}, {APY: 9, TVLUSD: 1}}, apy))
	assert.Equal(t, 2.0, Median([]model.Strategy{{APY: 1, TVLUSD: 1}, {APY: 3, TVLUSD: 1}}, apy))
}

func TestFilterOutliers(t *testing.T) {
	in := []model.Strategy{
		{ID: "a", APY: 4, TVLUSD: 1}, {ID: "b", APY: 5, TVLUSD: 1}, {ID: "c", APY: 5, TVLUSD: 1},
		{ID: "d", APY: 6, TVLUSD: 1}, {ID: "e", APY: 5000, TVLUSD: 1},
	}
	out := FilterOutliers(in)
	assert.Len(t, out, 4)
	for _, s := range out {
		assert.NotEqual(t, "e", s.ID)
	}
}

func TestMerge_HigherAPYWins(t *testing.T) {
	merged := Merge(
		[]model.Strategy{{ID: "x:1", APY: 5.0, Name: "first"}, {ID: "x:2", APY: 1}},
		[]model.Strategy{{ID: "x:1", APY: 7.0, Name: "second"}, {ID: "x:2", APY: 1, Name: "tie"}},
	)
	require.Len(t, merged, 2)
	assert.Equal(t, "x:1", merged[0].ID, "first-seen order kept")
	assert.Equal(t, 7.0, merged[0].APY)
	assert.Equal(t, "second", merged[0].Name)
	assert.Empty(t, merged[1].Name, "ties keep the first record")
}

type stubSource struct {
	name    string
	records []model.Record
	err     error
	calls   int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(context.Context) ([]model.Record, error) {
	s.calls++
	return s.records, s.err
}

type stubMarkets struct{}

func (stubMarkets) Markets(context.Context) ([]model.Record, error) {
	return []model.Record{{"symbol": "eth", "price_change_percentage_24h": 2.0, "price_change_percentage_7d": 4.0}}, nil
}

type stubMeta struct{}

func (stubMeta) IconFor(context.Context, string) string             { return "icon" }
func (stubMeta) WebsiteFor(context.Context, string) (string, bool) { return "", false }

type harness struct {
	pipeline *Pipeline
	store    *storage.Store
	now      *time.Time
}

func newHarness(t *testing.T, sources ...fetch.Source) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := storage.NewStore(rdb, 30*time.Minute)
	breakers := circuitbreaker.NewSet(2, time.Hour, nil)
	p := New(sources, stubMarkets{}, normalize.New(stubMeta{}), store, breakers, nil, Options{LockTTL: time.Minute})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return harness{pipeline: p, store: store, now: &now}
}

func TestCollectAndStore_DedupAndScoring(t *testing.T) {
	llama := &stubSource{name: "defillama", records: []model.Record{
		{"pool": "p1", "project": "aave", "chain": "ethereum", "symbol": "ETH", "apy": 5.0, "tvlUsd": 1000.0},
		{"pool": "p1", "project": "aave", "chain": "ethereum", "symbol": "ETH", "apy": 7.0, "tvlUsd": 1000.0},
		{"project": "no-id"},
	}}
	h := newHarness(t, llama)
	ctx := context.Background()

	report, err := h.pipeline.CollectAndStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.RawRecords)
	assert.Equal(t, 1, report.Strategies)
	assert.True(t, report.Locked)
	assert.Equal(t, int64(1), report.Version)
	assert.Equal(t, normalize.BatchReport{Source: "defillama", Total: 3, Normalized: 2, Skipped: 1}, report.Batches[0])

	env, err := h.store.GetLatest(ctx)
	require.NoError(t, err)
	require.Len(t, env.Items, 1)
	s := env.Items[0]
	assert.Equal(t, 7.0, s.APY, "higher apy wins")
	assert.Equal(t, 0.0, s.TVLGrowth24h, "first sighting has no growth")
	assert.GreaterOrEqual(t, s.RiskIndex, 0.5)
	assert.LessOrEqual(t, s.RiskIndex, 6.0)
	assert.GreaterOrEqual(t, s.AIScore, 0.0)
	assert.LessOrEqual(t, s.AIScore, 100.0)
	assert.NotEmpty(t, s.AIComment)

	history, err := h.store.GetTVLHistory(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCollectAndStore_GrowthAcrossRuns(t *testing.T) {
	src := &stubSource{name: "beefy", records: []model.Record{{"id": "v", "apy": 0.1, "tvl": 1000.0}}}
	h := newHarness(t, src)
	ctx := context.Background()

	_, err := h.pipeline.CollectAndStore(ctx)
	require.NoError(t, err)

	*h.now = h.now.Add(2 * time.Hour)
	_, err = h.pipeline.CollectAndStore(ctx)
	require.NoError(t, err)
	s, err := h.store.GetStrategy(ctx, "beefy:v")
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.TVLGrowth24h, "unchanged tvl")

	src.records = []model.Record{{"id": "v", "apy": 0.1, "tvl": 1250.0}}
	*h.now = h.now.Add(2 * time.Hour)
	report, err := h.pipeline.CollectAndStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Version)

	s, err = h.store.GetStrategy(ctx, "beefy:v")
	require.NoError(t, err)
	assert.Equal(t, 25.0, s.TVLGrowth24h)
}

func TestCollectAndStore_FailingSourceIsIsolated(t *testing.T) {
	broken := &stubSource{name: "yearn", err: errors.New("timeout")}
	ok := &stubSource{name: "beefy", records: []model.Record{{"id": "v", "apy": 0.1, "tvl": 10.0}}}
	h := newHarness(t, broken, ok)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := h.pipeline.CollectAndStore(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Strategies)
	}
	assert.Equal(t, 2, broken.calls, "circuit opens after two failures")

	report, err := h.pipeline.CollectAndStore(ctx)
	require.NoError(t, err)
	assert.True(t, report.Sources[0].Skipped)
	assert.Equal(t, 1, report.Sources[1].Records)
}

func TestCollectAndStore_EmptyUpstreams(t *testing.T) {
	h := newHarness(t, &stubSource{name: "morpho"})
	report, err := h.pipeline.CollectAndStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Strategies)

	env, err := h.store.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, env.Count)
}
