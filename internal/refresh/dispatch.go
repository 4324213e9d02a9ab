package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/aggregate"
	"github.com/yourorg/strategy-aggregator/internal/model"
)

// ErrUnknownKey is returned for a request whose key no handler recognizes.
var ErrUnknownKey = errors.New("unknown refresh key")

// PipelineRunner re-runs the aggregation pipeline.
type PipelineRunner interface {
	CollectAndStore(ctx context.Context) (aggregate.RunReport, error)
}

// StrategyRefresher recomputes one queued strategy request.
type StrategyRefresher interface {
	HandleRefresh(ctx context.Context, payload json.RawMessage) error
}

// PendingMarker clears the enqueue-once marker of a key.
type PendingMarker interface {
	ClearPending(ctx context.Context, key string) error
}

// Dispatcher routes requests by key: the latest-envelope key re-runs the
// pipeline, strategy keys re-run the recommender.
type Dispatcher struct {
	latestKey     string
	pipeline      PipelineRunner
	strategies    StrategyRefresher
	isStrategyKey func(string) bool
	pending       PendingMarker
}

// NewDispatcher creates a Dispatcher. Either runner may be nil, in which case
// its keys are rejected.
func NewDispatcher(latestKey string, pipeline PipelineRunner, strategies StrategyRefresher, isStrategyKey func(string) bool) *Dispatcher {
	return &Dispatcher{
		latestKey:     latestKey,
		pipeline:      pipeline,
		strategies:    strategies,
		isStrategyKey: isStrategyKey,
	}
}

// WithPending makes the pipeline route clear the latest key's pending marker
// once a run returns. Strategy keys clear theirs when the result is cached.
func (d *Dispatcher) WithPending(p PendingMarker) *Dispatcher {
	d.pending = p
	return d
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, req model.RefreshRequest) error {
	switch {
	case req.Key == d.latestKey && d.pipeline != nil:
		report, err := d.pipeline.CollectAndStore(ctx)
		d.clearPending(ctx, req.Key)
		if err != nil {
			return fmt.Errorf("pipeline refresh: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"raw_records": report.RawRecords,
			"strategies":  report.Strategies,
		}).Info("Pipeline refreshed from queue")
		return nil

	case d.strategies != nil && d.isStrategyKey != nil && d.isStrategyKey(req.Key):
		if len(req.Request) == 0 {
			return fmt.Errorf("strategy refresh %s: empty request", req.Key)
		}
		return d.strategies.HandleRefresh(ctx, req.Request)
	}
	return fmt.Errorf("%w: %s", ErrUnknownKey, req.Key)
}

func (d *Dispatcher) clearPending(ctx context.Context, key string) {
	if d.pending == nil {
		return
	}
	if err := d.pending.ClearPending(context.WithoutCancel(ctx), key); err != nil {
		logrus.WithField("key", key).Warnf("Failed to clear pending refresh: %v", err)
	}
}
