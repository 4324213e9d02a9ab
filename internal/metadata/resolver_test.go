package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

type fakeLister struct {
	calls int
	items []model.Record
	err   error
}

func (f *fakeLister) Protocols(ctx context.Context) ([]model.Record, error) {
	f.calls++
	return f.items, f.err
}

func TestResolver_IconAndWebsite(t *testing.T) {
	lister := &fakeLister{items: []model.Record{
		{"slug": "aave", "symbol": "AAVE", "url": "aave.com"},
		{"name": "Beefy", "symbol": "BIFI", "logo": "https://icons.llama.fi/beefy.png", "website": "https://beefy.com"},
		{"slug": "bare"},
	}}
	r := NewResolver(lister, "")
	ctx := context.Background()

	assert.Equal(t, "https://icons.llama.fi/aave?w=64&h=64", r.IconFor(ctx, "Aave"))
	assert.Equal(t, "https://icons.llama.fi/beefy.png", r.IconFor(ctx, "beefy"), "logo wins over symbol")
	assert.Equal(t, DefaultIconURL, r.IconFor(ctx, "bare"))
	assert.Equal(t, DefaultIconURL, r.IconFor(ctx, "nobody"))
	assert.Equal(t, DefaultIconURL, r.IconFor(ctx, ""))

	site, ok := r.WebsiteFor(ctx, "AAVE")
	assert.True(t, ok)
	assert.Equal(t, "https://aave.com", site)

	site, ok = r.WebsiteFor(ctx, "beefy")
	assert.True(t, ok)
	assert.Equal(t, "https://beefy.com", site)

	_, ok = r.WebsiteFor(ctx, "bare")
	assert.False(t, ok)

	assert.Equal(t, 1, lister.calls, "metadata is fetched once")

	r.Invalidate()
	r.IconFor(ctx, "aave")
	assert.Equal(t, 2, lister.calls)
}

func TestResolver_FailureBackoff(t *testing.T) {
	lister := &fakeLister{err: errors.New("down")}
	r := NewResolver(lister, "https://example.com/default.png")
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Equal(t, "https://example.com/default.png", r.IconFor(ctx, "aave"))
	r.IconFor(ctx, "aave")
	assert.Equal(t, 1, lister.calls, "no refetch inside the backoff window")

	lister.err = nil
	lister.items = []model.Record{{"slug": "aave", "logo": "L"}}
	now = now.Add(6 * time.Minute)
	assert.Equal(t, "L", r.IconFor(ctx, "aave"))
	assert.Equal(t, 2, lister.calls)
}
