// Package cache implements the Redis-backed strategy response cache with
// stale-while-revalidate reads and a FIFO refresh queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Status is the freshness class of a lookup.
type Status string

const (
	StatusFresh Status = "hit"
	StatusStale Status = "stale"
	StatusMiss  Status = "miss"
)

// ErrMalformedRequest is returned when a queued refresh payload cannot be decoded.
var ErrMalformedRequest = errors.New("malformed refresh request")

// StrategyCache stores computed strategy responses under request-derived keys.
type StrategyCache struct {
	rdb        redis.UniversalClient
	prefix     string
	ttl        time.Duration
	staleAfter time.Duration
	queueKey   string
	tokensKey  string
	now        func() time.Time
}

// New creates a cache. Entries turn stale after half their TTL.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration, queueSuffix string) *StrategyCache {
	return &StrategyCache{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		staleAfter: ttl / 2,
		queueKey:   prefix + ":" + queueSuffix,
		tokensKey:  prefix + ":tokens",
		now:        time.Now,
	}
}

// StrategyKey derives the cache key of a strategy request.
func (c *StrategyCache) StrategyKey(token, riskLevel string, includeWrappers bool) string {
	risk := strings.ToLower(strings.TrimSpace(riskLevel))
	if risk == "" {
		risk = "any"
	}
	wrappers := "no"
	if includeWrappers {
		wrappers = "with"
	}
	return fmt.Sprintf("%s:strategy:%s:%s:%s", c.prefix, strings.ToUpper(strings.TrimSpace(token)), risk, wrappers)
}

// IsStrategyKey reports whether key was produced by StrategyKey.
func (c *StrategyCache) IsStrategyKey(key string) bool {
	return strings.HasPrefix(key, c.prefix+":strategy:")
}

// QueueKey is the Redis list holding refresh requests.
func (c *StrategyCache) QueueKey() string { return c.queueKey }

// TTL is the default entry lifetime.
func (c *StrategyCache) TTL() time.Duration { return c.ttl }

func (c *StrategyCache) pendingKey(key string) string {
	return c.prefix + ":refresh-pending:" + key
}

// Get returns the entry under key, or nil when it is absent, malformed or expired.
func (c *StrategyCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry.Data) == 0 || entry.ExpiresAt.IsZero() {
		return nil, nil
	}
	entry.Key = key
	if entry.IsExpired(c.now()) {
		return nil, nil
	}
	return &entry, nil
}

func (c *StrategyCache) entry(key string, data any, ttl time.Duration) (model.CacheEntry, []byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return model.CacheEntry{}, nil, fmt.Errorf("encode %s: %w", key, err)
	}
	now := c.now().UTC()
	entry := model.CacheEntry{Key: key, Data: raw, UpdatedAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(entry)
	if err != nil {
		return model.CacheEntry{}, nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return entry, payload, nil
}

// Set writes data under key. A zero ttl uses the cache default. Any pending
// refresh marker for key is cleared.
func (c *StrategyCache) Set(ctx context.Context, key string, data any, ttl time.Duration) (model.CacheEntry, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry, payload, err := c.entry(key, data, ttl)
	if err != nil {
		return entry, err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, ttl)
		pipe.Del(ctx, c.pendingKey(key))
		return nil
	})
	if err != nil {
		return entry, fmt.Errorf("cache set %s: %w", key, err)
	}
	return entry, nil
}

// Lookup classifies key as fresh, stale or missing.
type Lookup struct {
	Entry  *model.CacheEntry
	Status Status
}

// Lookup reads key and classifies it against the stale threshold.
func (c *StrategyCache) Lookup(ctx context.Context, key string) (Lookup, error) {
	entry, err := c.Get(ctx, key)
	if err != nil {
		return Lookup{Status: StatusMiss}, err
	}
	if entry == nil {
		return Lookup{Status: StatusMiss}, nil
	}
	if entry.Age(c.now()) >= c.staleAfter {
		return Lookup{Entry: entry, Status: StatusStale}, nil
	}
	return Lookup{Entry: entry, Status: StatusFresh}, nil
}

// EnqueueRefresh appends a request to the refresh queue.
func (c *StrategyCache) EnqueueRefresh(ctx context.Context, req model.RefreshRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode refresh request: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue refresh: %w", err)
	}
	return nil
}

// EnqueueOnce enqueues req unless a refresh for the same key is already pending.
// The pending marker expires after the stale threshold and is cleared by Set.
func (c *StrategyCache) EnqueueOnce(ctx context.Context, req model.RefreshRequest) (bool, error) {
	ttl := c.staleAfter
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := c.rdb.SetNX(ctx, c.pendingKey(req.Key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark refresh pending: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := c.EnqueueRefresh(ctx, req); err != nil {
		_ = c.rdb.Del(ctx, c.pendingKey(req.Key)).Err()
		return false, err
	}
	return true, nil
}

// ClearPending drops the pending marker of key so the next EnqueueOnce queues again.
func (c *StrategyCache) ClearPending(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.pendingKey(key)).Err(); err != nil {
		return fmt.Errorf("clear pending %s: %w", key, err)
	}
	return nil
}

// Requeue puts popped but unhandled requests back at the head of the queue,
// so reqs[0] is the next one popped.
func (c *StrategyCache) Requeue(ctx context.Context, reqs ...model.RefreshRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	payloads := make([]any, 0, len(reqs))
	for i := len(reqs) - 1; i >= 0; i-- {
		b, err := json.Marshal(reqs[i])
		if err != nil {
			return fmt.Errorf("encode refresh request: %w", err)
		}
		payloads = append(payloads, b)
	}
	if err := c.rdb.RPush(ctx, c.queueKey, payloads...).Err(); err != nil {
		return fmt.Errorf("requeue refresh: %w", err)
	}
	return nil
}

// PopRefreshRequest takes the oldest queued request. With a positive timeout it
// blocks up to timeout; otherwise it returns immediately. An empty queue yields (nil, nil).
func (c *StrategyCache) PopRefreshRequest(ctx context.Context, timeout time.Duration) (*model.RefreshRequest, error) {
	var raw string
	if timeout > 0 {
		res, err := c.rdb.BRPop(ctx, timeout, c.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop refresh: %w", err)
		}
		raw = res[1]
	} else {
		res, err := c.rdb.RPop(ctx, c.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop refresh: %w", err)
		}
		raw = res
	}

	var req model.RefreshRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil || req.Key == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, raw)
	}
	return &req, nil
}

// TokenList is the cached token catalogue.
type TokenList struct {
	Tokens    []model.Record `json:"tokens"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GetTokens returns the cached token catalogue, or nil.
func (c *StrategyCache) GetTokens(ctx context.Context) (*TokenList, error) {
	raw, err := c.rdb.Get(ctx, c.tokensKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	var list TokenList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, nil
	}
	return &list, nil
}

// SetTokens stores the token catalogue. A zero ttl uses the cache default.
func (c *StrategyCache) SetTokens(ctx context.Context, tokens []model.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(TokenList{Tokens: tokens, UpdatedAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	if err := c.rdb.Set(ctx, c.tokensKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set tokens: %w", err)
	}
	return nil
}
