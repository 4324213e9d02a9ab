// Package poolindex keeps an in-memory token → pools index over the DeFiLlama
// yields listing.
//
// The index is an immutable snapshot swapped atomically on rebuild, so readers
// never wait for a rebuild. Rebuilds are serialized: concurrent callers that
// need a fresh index block on the one rebuild in flight instead of issuing
// their own upstream call.
package poolindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/otel"
	"github.com/yourorg/strategy-aggregator/internal/tokens"
)

// DefaultTTL is how long a built index is considered fresh.
const DefaultTTL = 15 * time.Minute

// ErrEmptyUpstream is returned when the listing came back empty; the last-good index is kept.
var ErrEmptyUpstream = errors.New("pool listing is empty")

// PoolLister returns the full pool listing.
type PoolLister interface {
	Pools(ctx context.Context) ([]model.Record, error)
}

type snapshot struct {
	byToken map[string][]model.Pool
	size    int
	builtAt time.Time
}

// Index is the token → pools index.
type Index struct {
	lister  PoolLister
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New creates an empty index. A non-positive ttl uses DefaultTTL.
func New(lister PoolLister, ttl time.Duration, m *metrics.Metrics) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{lister: lister, ttl: ttl, metrics: m, now: time.Now}
}

func (ix *Index) fresh(s *snapshot) bool {
	return s != nil && ix.now().Sub(s.builtAt) < ix.ttl
}

// EnsureLoaded rebuilds the index when it is missing, expired or force is set.
// A failed rebuild leaves the previous index in place and returns the error.
func (ix *Index) EnsureLoaded(ctx context.Context, force bool) error {
	if !force && ix.fresh(ix.snap.Load()) {
		return nil
	}

	before := ix.snap.Load()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	// another caller rebuilt while we waited
	if current := ix.snap.Load(); ix.fresh(current) && (!force || current != before) {
		return nil
	}

	err := ix.rebuild(ctx)
	size := 0
	if s := ix.snap.Load(); s != nil {
		size = s.size
	}
	ix.metrics.ObservePoolIndex(err, size)
	return err
}

func (ix *Index) rebuild(ctx context.Context) error {
	ctx, span := otel.Start(ctx, "poolindex.rebuild")
	defer span.End()

	records, err := ix.lister.Pools(ctx)
	if err != nil {
		otel.RecordError(ctx, err)
		return fmt.Errorf("rebuild pool index: %w", err)
	}
	if len(records) == 0 {
		otel.RecordError(ctx, ErrEmptyUpstream)
		return ErrEmptyUpstream
	}

	byToken := make(map[string][]model.Pool)
	for _, r := range records {
		p := Decorate(model.PoolFromRecord(r))
		for _, tok := range p.Tokens {
			byToken[tok] = append(byToken[tok], p)
		}
	}

	ix.snap.Store(&snapshot{byToken: byToken, size: len(records), builtAt: ix.now()})
	span.SetAttributes(attribute.Int("poolindex.size", len(records)))
	logrus.WithFields(logrus.Fields{
		"pools":  len(records),
		"tokens": len(byToken),
	}).Info("Pool index rebuilt")
	return nil
}

// Decorate fills the derived token fields of p from its symbol.
func Decorate(p model.Pool) model.Pool {
	p.Tokens = tokens.Parse(p.Symbol)
	p.Category = tokens.Classify(p.Tokens)
	p.ContainsWrapper = tokens.ContainsWrapper(p.Tokens)
	p.Pair = tokens.NormalizePair(p.Symbol)
	return p
}

// Preload builds the index in the background path; failures are only logged.
func (ix *Index) Preload(ctx context.Context) {
	if err := ix.EnsureLoaded(ctx, false); err != nil {
		logrus.Warnf("Pool index preload failed: %v", err)
	}
}

// GetPools returns the pools containing token. When a needed rebuild fails the
// last-good pools (possibly none) are returned together with the error.
func (ix *Index) GetPools(ctx context.Context, token string) ([]model.Pool, error) {
	err := ix.EnsureLoaded(ctx, false)

	s := ix.snap.Load()
	if s == nil {
		return nil, err
	}
	pools := s.byToken[strings.ToUpper(strings.TrimSpace(token))]
	out := make([]model.Pool, len(pools))
	copy(out, pools)
	return out, err
}

// Size is the number of pools in the current index.
func (ix *Index) Size() int {
	if s := ix.snap.Load(); s != nil {
		return s.size
	}
	return 0
}

// BuiltAt is when the current index was built; zero before the first build.
func (ix *Index) BuiltAt() time.Time {
	if s := ix.snap.Load(); s != nil {
		return s.builtAt
	}
	return time.Time{}
}
