// Package model defines the core data structures for the strategy aggregator.
package model

import (
	"encoding/json"
	"time"
)

// Strategy is one yield-bearing position normalized into the unified schema.
// This is the record that flows from the normalizer through scoring into storage.
type Strategy struct {
	// ID is "{source}:{native_pool_id}" and is unique within the latest snapshot
	ID     string `json:"id"`
	Source string `json:"source"`

	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Chain     string `json:"chain"`
	TokenPair string `json:"token_pair"`

	// APY in percent (5.0 means 5%)
	APY    float64 `json:"apy"`
	TVLUSD float64 `json:"tvl_usd"`

	// Filled in by the pipeline after normalization
	TVLGrowth24h float64 `json:"tvl_growth_24h"`
	RiskIndex    float64 `json:"risk_index"`
	AIScore      float64 `json:"ai_score"`
	Score        float64 `json:"score"`
	AIComment    string  `json:"ai_comment"`

	URL      string         `json:"url,omitempty"`
	IconURL  string         `json:"icon_url"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// UpdatedAt is RFC3339 UTC
	UpdatedAt string `json:"updated_at"`
}

// Snapshot is the last known TVL of a strategy, used as the growth baseline.
type Snapshot struct {
	TVLUSD    float64 `json:"tvl_usd"`
	Timestamp string  `json:"timestamp"`
}

// Time parses the snapshot timestamp.
func (s Snapshot) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s.Timestamp)
}

// TVLPoint is one sample of a strategy's bounded TVL series.
type TVLPoint struct {
	T string  `json:"t"`
	V float64 `json:"v"`
}

// LatestEnvelope is the bulk "latest" document written by every pipeline run.
type LatestEnvelope struct {
	Version   int64      `json:"version"`
	UpdatedAt string     `json:"updated_at"`
	Count     int        `json:"count"`
	Items     []Strategy `json:"items"`
	Checksum  string     `json:"checksum,omitempty"`
}

// CacheEntry wraps a cached payload with its freshness bounds.
type CacheEntry struct {
	Key       string          `json:"-"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// IsExpired reports whether the entry is past its hard expiry.
func (e CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Age is the time elapsed since the entry was written.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

// RefreshRequest is one item on the refresh queue.
type RefreshRequest struct {
	Key     string          `json:"key"`
	Request json.RawMessage `json:"request,omitempty"`
}

// NowRFC3339 formats t in UTC the way every persisted timestamp is written.
func NowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
