// Package normalize maps raw provider records onto the unified strategy schema.
//
// Every record is mapped in isolation: a record that lacks an identity is
// skipped, and a record whose mapping fails (including a panic) is dropped
// and reported. Neither aborts the rest of the batch.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/validation"
)

// Metadata resolves protocol presentation data.
type Metadata interface {
	IconFor(ctx context.Context, protocol string) string
	WebsiteFor(ctx context.Context, protocol string) (string, bool)
}

var (
	// ErrSkipped marks a record without a native id; it is not a failure.
	ErrSkipped = errors.New("record has no identity")
	// ErrUnknownSource is returned for a source with no registered mapper.
	ErrUnknownSource = errors.New("unknown source")
)

// NormalizationError describes one dropped record.
type NormalizationError struct {
	Source string
	Index  int
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s record %d: %s", e.Source, e.Index, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Result is the outcome of mapping a single record.
type Result struct {
	Strategy *model.Strategy
	Err      error
}

// BatchReport summarizes one source batch.
type BatchReport struct {
	Source     string `json:"source"`
	Total      int    `json:"total"`
	Normalized int    `json:"normalized"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

type mapper func(n *Normalizer, ctx context.Context, r model.Record) (*model.Strategy, error)

var mappers = map[string]mapper{
	"defillama": (*Normalizer).defillamaPool,
	"beefy":     (*Normalizer).beefyVault,
	"yearn":     (*Normalizer).yearnVault,
	"sommelier": (*Normalizer).sommelierVault,
	"pendle":    (*Normalizer).pendleMarket,
	"stakedao":  (*Normalizer).stakeDAOVault,
	"morpho":    (*Normalizer).morphoMarket,
}

// Sources lists the source tags with a registered mapper.
func Sources() []string {
	out := make([]string, 0, len(mappers))
	for name := range mappers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalizer holds the shared lookups used by the per-source mappers.
type Normalizer struct {
	meta Metadata
	opts validation.Options
	now  func() time.Time
}

// New creates a Normalizer.
func New(meta Metadata) *Normalizer {
	return &Normalizer{meta: meta, opts: validation.DefaultOptions(), now: time.Now}
}

// Record maps one raw record. It never panics.
func (n *Normalizer) Record(ctx context.Context, source string, index int, rec model.Record) (res Result) {
	m, ok := mappers[source]
	if !ok {
		return Result{Err: &NormalizationError{Source: source, Index: index, Reason: "unknown source", Err: ErrUnknownSource}}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: &NormalizationError{Source: source, Index: index, Reason: fmt.Sprintf("panic: %v", p)}}
		}
	}()

	s, err := m(n, ctx, rec)
	if err != nil {
		return Result{Err: &NormalizationError{Source: source, Index: index, Reason: err.Error(), Err: err}}
	}
	if err := validation.Strategy(*s, n.opts); err != nil {
		return Result{Err: &NormalizationError{Source: source, Index: index, Reason: err.Error(), Err: err}}
	}
	return Result{Strategy: s}
}

// Normalize maps a whole batch from one source.
func (n *Normalizer) Normalize(ctx context.Context, source string, records []model.Record) ([]model.Strategy, BatchReport) {
	report := BatchReport{Source: source, Total: len(records)}
	out := make([]model.Strategy, 0, len(records))

	for i, rec := range records {
		res := n.Record(ctx, source, i, rec)
		switch {
		case res.Err == nil:
			out = append(out, *res.Strategy)
			report.Normalized++
		case errors.Is(res.Err, ErrSkipped):
			report.Skipped++
		default:
			report.Failed++
			logrus.WithField("source", source).Debug(res.Err.Error())
		}
	}
	return out, report
}
