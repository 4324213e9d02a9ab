package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Redis key layout.
const (
	LatestKey        = "strategies:latest"
	LatestVersionKey = "strategies:latest:version"
	LatestSeqKey     = "strategies:latest:seq"
	LatestLockKey    = "strategies:latest:lock"
	SnapshotHash     = "strategies:last"
	ItemsHash        = "strategies:items"
	TVLPrefix        = "strategies:tvl"
	ProtocolSet      = "strategies:protocols"
	ChainSet         = "strategies:chains"
)

// TVLHistoryCap is the number of points kept per strategy (about 24h at 15m intervals).
const TVLHistoryCap = 96

var (
	// ErrNotFound is returned by point reads when nothing is stored under the key.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion means a newer envelope was already written.
	ErrStaleVersion = errors.New("latest envelope has a newer version")
)

// Store is the Redis-backed snapshot store.
type Store struct {
	rdb       redis.UniversalClient
	latestTTL time.Duration
}

// NewStore creates a store. latestTTL bounds the latest envelope; TVL series live four times as long.
func NewStore(rdb redis.UniversalClient, latestTTL time.Duration) *Store {
	return &Store{rdb: rdb, latestTTL: latestTTL}
}

// TVLKey returns the sorted-set key holding a strategy's TVL series.
func TVLKey(strategyID string) string {
	safe := strings.ReplaceAll(strategyID, " ", "")
	safe = strings.ReplaceAll(safe, "::", ":")
	return TVLPrefix + ":" + safe
}

// LoadSnapshots returns the previous snapshots of ids. Missing or malformed entries are absent from the map.
func (s *Store) LoadSnapshots(ctx context.Context, ids []string) (map[string]model.Snapshot, error) {
	out := make(map[string]model.Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	values, err := s.rdb.HMGet(ctx, SnapshotHash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			logrus.WithField("id", ids[i]).Debugf("Ignoring malformed snapshot: %v", err)
			continue
		}
		out[ids[i]] = snap
	}
	return out, nil
}

// SaveSnapshots overwrites the growth baselines of the given strategies.
func (s *Store) SaveSnapshots(ctx context.Context, snaps map[string]model.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	fields := make(map[string]any, len(snaps))
	for id, snap := range snaps {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", id, err)
		}
		fields[id] = string(b)
	}
	if err := s.rdb.HSet(ctx, SnapshotHash, fields).Err(); err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}

// AppendTVLPoints adds one point per strategy and trims each series to TVLHistoryCap.
func (s *Store) AppendTVLPoints(ctx context.Context, tvl map[string]float64, at time.Time) error {
	if len(tvl) == 0 {
		return nil
	}
	score := float64(at.UnixNano()) / float64(time.Second)
	ts := model.NowRFC3339(at)

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, v := range tvl {
			member, err := json.Marshal(model.TVLPoint{T: ts, V: v})
			if err != nil {
				return err
			}
			key := TVLKey(id)
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(member)})
			pipe.ZRemRangeByRank(ctx, key, 0, -(TVLHistoryCap + 1))
			pipe.Expire(ctx, key, s.latestTTL*4)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append tvl points: %w", err)
	}
	return nil
}

// NextVersion allocates a monotonically increasing envelope version.
func (s *Store) NextVersion(ctx context.Context) (int64, error) {
	v, err := s.rdb.Incr(ctx, LatestSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return v, nil
}

// SaveLatest replaces the latest envelope, the item hash and the protocol and chain sets.
// Everything is written in one MULTI; an envelope older than the stored one is refused with ErrStaleVersion.
func (s *Store) SaveLatest(ctx context.Context, env model.LatestEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode latest: %w", err)
	}

	items := make(map[string]any, len(env.Items))
	protocols := make([]any, 0)
	chains := make([]any, 0)
	seenProtocol := make(map[string]bool)
	seenChain := make(map[string]bool)
	for _, item := range env.Items {
		b, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode strategy %s: %w", item.ID, err)
		}
		items[item.ID] = string(b)
		if item.Protocol != "" && !seenProtocol[item.Protocol] {
			seenProtocol[item.Protocol] = true
			protocols = append(protocols, item.Protocol)
		}
		if item.Chain != "" && !seenChain[item.Chain] {
			seenChain[item.Chain] = true
			chains = append(chains, item.Chain)
		}
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, LatestVersionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current > env.Version {
			return ErrStaleVersion
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, LatestKey, payload, s.latestTTL)
			pipe.Set(ctx, LatestVersionKey, env.Version, 0)
			pipe.Del(ctx, ProtocolSet, ChainSet, ItemsHash)
			if len(protocols) > 0 {
				pipe.SAdd(ctx, ProtocolSet, protocols...)
			}
			if len(chains) > 0 {
				pipe.SAdd(ctx, ChainSet, chains...)
			}
			if len(items) > 0 {
				pipe.HSet(ctx, ItemsHash, items)
			}
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, LatestVersionKey); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return err
		}
		return fmt.Errorf("save latest: %w", err)
	}
	return nil
}

// GetLatest returns the bulk envelope, or ErrNotFound once it expired.
func (s *Store) GetLatest(ctx context.Context) (model.LatestEnvelope, error) {
	var env model.LatestEnvelope
	raw, err := s.rdb.Get(ctx, LatestKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return env, ErrNotFound
	}
	if err != nil {
		return env, fmt.Errorf("get latest: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode latest: %w", err)
	}
	return env, nil
}

// GetStrategy returns one strategy from the item hash.
func (s *Store) GetStrategy(ctx context.Context, id string) (model.Strategy, error) {
	var out model.Strategy
	raw, err := s.rdb.HGet(ctx, ItemsHash, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, fmt.Errorf("get strategy: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode strategy %s: %w", id, err)
	}
	return out, nil
}

// GetTVLHistory returns the newest limit points in chronological order.
func (s *Store) GetTVLHistory(ctx context.Context, id string, limit int) ([]model.TVLPoint, error) {
	if limit <= 0 || limit > TVLHistoryCap {
		limit = TVLHistoryCap
	}
	members, err := s.rdb.ZRange(ctx, TVLKey(id), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get tvl history: %w", err)
	}

	out := make([]model.TVLPoint, 0, len(members))
	for _, m := range members {
		var p model.TVLPoint
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GetProtocols returns the distinct protocols of the latest run, sorted.
func (s *Store) GetProtocols(ctx context.Context) ([]string, error) {
	return s.sortedMembers(ctx, ProtocolSet)
}

// GetChains returns the distinct chains of the latest run, sorted.
func (s *Store) GetChains(ctx context.Context) ([]string, error) {
	return s.sortedMembers(ctx, ChainSet)
}

func (s *Store) sortedMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

// ComputeGrowth returns the TVL growth in percent against the previous snapshot.
// Without a usable baseline the growth is 0. A baseline younger than one hour
// never reports a decline; an unreadable timestamp counts as a day old.
func ComputeGrowth(prev model.Snapshot, hasPrev bool, current float64, now time.Time) float64 {
	if !hasPrev {
		return 0
	}

	prevTS, err := prev.Time()
	if err != nil {
		prevTS = now.Add(-24 * time.Hour)
	}

	growth := 0.0
	if prev.TVLUSD > 0 {
		growth = (current - prev.TVLUSD) / prev.TVLUSD * 100
	}
	if now.Sub(prevTS) < time.Hour && growth < 0 {
		growth = 0
	}
	return growth
}

// TopByScore returns the best limit strategies by (ai_score, score) descending.
func TopByScore(strategies []model.Strategy, limit int) []model.Strategy {
	sorted := make([]model.Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AIScore != sorted[j].AIScore {
			return sorted[i].AIScore > sorted[j].AIScore
		}
		return sorted[i].Score > sorted[j].Score
	})
	if limit >= 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted
}
