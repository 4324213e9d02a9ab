// Package metadata resolves protocol icons and websites from the DeFiLlama protocol list.
package metadata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// DefaultIconURL is served when a protocol has no known icon.
const DefaultIconURL = "https://icons.llama.fi/icons/unknown.png"

// ProtocolLister returns the bulk protocol metadata list.
type ProtocolLister interface {
	Protocols(ctx context.Context) ([]model.Record, error)
}

// Resolver lazily loads protocol metadata once and answers icon/website lookups.
// A failed load is retried only after FailureBackoff so a dead upstream is not
// hammered once per normalized record.
type Resolver struct {
	lister         ProtocolLister
	defaultIcon    string
	failureBackoff time.Duration
	now            func() time.Time

	mu         sync.Mutex
	meta       map[string]model.Record
	loaded     bool
	failedAt   time.Time
	hasFailure bool
}

// NewResolver creates a resolver. An empty defaultIcon uses DefaultIconURL.
func NewResolver(lister ProtocolLister, defaultIcon string) *Resolver {
	if defaultIcon == "" {
		defaultIcon = DefaultIconURL
	}
	return &Resolver{
		lister:         lister,
		defaultIcon:    defaultIcon,
		failureBackoff: 5 * time.Minute,
		now:            time.Now,
	}
}

// Invalidate drops the cached metadata; the next lookup refetches.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta = nil
	r.loaded = false
	r.hasFailure = false
}

func (r *Resolver) lookup(ctx context.Context, protocol string) (model.Record, bool) {
	slug := strings.ToLower(strings.TrimSpace(protocol))
	if slug == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		if r.hasFailure && r.now().Sub(r.failedAt) < r.failureBackoff {
			return nil, false
		}
		r.load(ctx)
	}
	m, ok := r.meta[slug]
	return m, ok
}

// load must be called with mu held.
func (r *Resolver) load(ctx context.Context) {
	items, err := r.lister.Protocols(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Protocol metadata unavailable, using defaults")
		r.hasFailure = true
		r.failedAt = r.now()
		return
	}

	meta := make(map[string]model.Record, len(items))
	for _, item := range items {
		slug := strings.ToLower(item.String("slug", "name"))
		if slug == "" {
			continue
		}
		meta[slug] = item
	}
	r.meta = meta
	r.loaded = true
	r.hasFailure = false
	logrus.WithField("protocols", len(meta)).Debug("Protocol metadata loaded")
}

// IconFor returns the protocol logo, an icon derived from its symbol, or the default icon.
func (r *Resolver) IconFor(ctx context.Context, protocol string) string {
	m, ok := r.lookup(ctx, protocol)
	if !ok {
		return r.defaultIcon
	}
	if logo := m.String("logo"); logo != "" {
		return logo
	}
	if symbol := m.String("symbol"); symbol != "" && symbol != "-" {
		return "https://icons.llama.fi/" + strings.ToLower(symbol) + "?w=64&h=64"
	}
	return r.defaultIcon
}

// WebsiteFor returns the protocol website with an https scheme when none is given.
func (r *Resolver) WebsiteFor(ctx context.Context, protocol string) (string, bool) {
	m, ok := r.lookup(ctx, protocol)
	if !ok {
		return "", false
	}
	u := m.String("url", "website", "homepage")
	if u == "" {
		return "", false
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u, true
}
