package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock is an advisory lock held by one pipeline run.
type RunLock struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

// AcquireRunLock tries to take the pipeline lock, polling until wait elapses.
// It returns (nil, nil) when the lock is still held by another run after wait.
func (s *Store) AcquireRunLock(ctx context.Context, ttl, wait time.Duration) (*RunLock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := s.rdb.SetNX(ctx, LatestLockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if ok {
			return &RunLock{rdb: s.rdb, key: LatestLockKey, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Release frees the lock if this run still owns it.
func (l *RunLock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
