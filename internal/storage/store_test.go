package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 30*time.Minute), mr
}

func TestTVLKey(t *testing.T) {
	assert.Equal(t, "strategies:tvl:defillama:abc", TVLKey("defillama::a bc"))
}

func TestComputeGrowth(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dayAgo := model.NowRFC3339(now.Add(-24 * time.Hour))
	recent := model.NowRFC3339(now.Add(-10 * time.Minute))

	tests := []struct {
		name    string
		prev    model.Snapshot
		hasPrev bool
		current float64
		want    float64
	}{
		{name: "first sighting", current: 100, want: 0},
		{name: "unchanged", prev: model.Snapshot{TVLUSD: 100, Timestamp: dayAgo}, hasPrev: true, current: 100, want: 0},
		{name: "growth", prev: model.Snapshot{TVLUSD: 100, Timestamp: dayAgo}, hasPrev: true, current: 125, want: 25},
		{name: "decline", prev: model.Snapshot{TVLUSD: 100, Timestamp: dayAgo}, hasPrev: true, current: 80, want: -20},
		{name: "zero baseline", prev: model.Snapshot{TVLUSD: 0, Timestamp: dayAgo}, hasPrev: true, current: 80, want: 0},
		{name: "recent decline floored", prev: model.Snapshot{TVLUSD: 100, Timestamp: recent}, hasPrev: true, current: 80, want: 0},
		{name: "recent growth kept", prev: model.Snapshot{TVLUSD: 100, Timestamp: recent}, hasPrev: true, current: 110, want: 10},
		{name: "bad timestamp counts as a day old", prev: model.Snapshot{TVLUSD: 100, Timestamp: "yesterday"}, hasPrev: true, current: 50, want: -50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeGrowth(tt.prev, tt.hasPrev, tt.current, now), 1e-9)
		})
	}
}

func TestSnapshotsRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshots(ctx, map[string]model.Snapshot{
		"beefy:a": {TVLUSD: 10, Timestamp: "2024-05-01T00:00:00Z"},
	}))
	mr.HSet(SnapshotHash, "beefy:broken", "{not json")

	snaps, err := store.LoadSnapshots(ctx, []string{"beefy:a", "beefy:broken", "beefy:missing"})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, 10.0, snaps["beefy:a"].TVLUSD)
}

func TestAppendTVLPoints_Capped(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < TVLHistoryCap+10; i++ {
		require.NoError(t, store.AppendTVLPoints(ctx, map[string]float64{"beefy:a": float64(i)}, start.Add(time.Duration(i)*15*time.Minute)))
	}

	history, err := store.GetTVLHistory(ctx, "beefy:a", 0)
	require.NoError(t, err)
	require.Len(t, history, TVLHistoryCap)
	assert.Equal(t, 10.0, history[0].V, "oldest points evicted")
	assert.Equal(t, float64(TVLHistoryCap+9), history[len(history)-1].V)

	last, err := store.GetTVLHistory(ctx, "beefy:a", 3)
	require.NoError(t, err)
	assert.Len(t, last, 3)

	assert.Equal(t, 2*time.Hour, mr.TTL(TVLKey("beefy:a")))
}

func TestSaveLatest(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	items := []model.Strategy{
		{ID: "beefy:a", Source: "beefy", Protocol: "Beefy", Chain: "Ethereum"},
		{ID: "yearn:b", Source: "yearn", Protocol: "Yearn", Chain: "Ethereum"},
	}
	require.NoError(t, store.SaveLatest(ctx, model.LatestEnvelope{Version: 1, Count: 2, Items: items}))

	env, err := store.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Count)
	assert.Equal(t, 30*time.Minute, mr.TTL(LatestKey))

	got, err := store.GetStrategy(ctx, "yearn:b")
	require.NoError(t, err)
	assert.Equal(t, "Yearn", got.Protocol)

	protocols, err := store.GetProtocols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beefy", "Yearn"}, protocols)

	// the next run fully replaces sets and items
	require.NoError(t, store.SaveLatest(ctx, model.LatestEnvelope{Version: 2, Count: 1, Items: []model.Strategy{
		{ID: "morpho:c", Source: "morpho", Protocol: "Morpho", Chain: "Base"},
	}}))
	chains, err := store.GetChains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Base"}, chains)
	_, err = store.GetStrategy(ctx, "beefy:a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLatest_RefusesOlderVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLatest(ctx, model.LatestEnvelope{Version: 5}))
	err := store.SaveLatest(ctx, model.LatestEnvelope{Version: 4, Count: 9})
	assert.ErrorIs(t, err, ErrStaleVersion)

	env, err := store.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), env.Version)
}

func TestGetLatest_Expired(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLatest(ctx, model.LatestEnvelope{Version: 1}))
	mr.FastForward(31 * time.Minute)

	_, err := store.GetLatest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		v, err := store.NextVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestRunLock(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	first, err := store.AcquireRunLock(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.AcquireRunLock(ctx, time.Minute, 0)
	require.NoError(t, err)
	assert.Nil(t, second, "held by the first run")

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(LatestLockKey))

	third, err := store.AcquireRunLock(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, third)

	// a stale holder cannot release somebody else's lock
	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists(LatestLockKey))
}

func TestTopByScore(t *testing.T) {
	in := make([]model.Strategy, 0, 5)
	for i := 0; i < 5; i++ {
		in = append(in, model.Strategy{ID: fmt.Sprintf("s:%d", i), AIScore: float64(i % 3), Score: float64(i)})
	}
	top := TopByScore(in, 3)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"s:2", "s:4", "s:1"}, []string{top[0].ID, top[1].ID, top[2].ID})
	assert.Equal(t, "s:0", in[0].ID, "input untouched")
}
