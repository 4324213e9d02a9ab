package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Accessors(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{
		"pool": "abc",
		"apy": "7.5",
		"apyBase": 3,
		"zero": 0,
		"bad": "n/a",
		"flag": true,
		"assets": ["ETH", "", "USDC"],
		"nested": {"x": 1.5}
	}`), &r))

	assert.Equal(t, "abc", r.String("missing", "pool"))
	assert.Equal(t, 7.5, r.Float("apy"))
	assert.Equal(t, 3.0, r.Float("zero", "apyBase"))
	assert.Equal(t, 0.0, r.Float("bad"))
	assert.True(t, r.Bool("flag"))
	assert.Equal(t, []string{"ETH", "USDC"}, r.Strings("assets"))
	assert.Equal(t, 1.5, r.Object("nested").Float("x"))

	_, ok := r.OptFloat("flag")
	assert.False(t, ok, "booleans are not numbers")
	_, ok = r.OptFloat("bad")
	assert.False(t, ok)
}

func TestPoolFromRecord(t *testing.T) {
	r := Record{
		"pool":        "p-1",
		"symbol":      "WETH-USDC",
		"tvlUsd":      1_000_000.0,
		"apy":         4.2,
		"count":       3.0,
		"predictions": map[string]any{"predictedClass": "Down", "predictedProbability": 40.0},
	}
	p := PoolFromRecord(r)
	assert.Equal(t, "p-1", p.Pool)
	assert.Equal(t, 1_000_000.0, p.TVLUSD)
	require.NotNil(t, p.Count)
	assert.Equal(t, 3.0, *p.Count)
	assert.Equal(t, "Down", p.PredictedClass)
	require.NotNil(t, p.PredictedProbability)
	assert.Nil(t, p.APYBase)
}

func TestCacheEntry_Expiry(t *testing.T) {
	now := time.Now()
	e := CacheEntry{UpdatedAt: now.Add(-time.Minute), ExpiresAt: now}
	assert.True(t, e.IsExpired(now), "expiry is inclusive")
	assert.False(t, e.IsExpired(now.Add(-time.Second)))
	assert.Equal(t, time.Minute, e.Age(now))
}
