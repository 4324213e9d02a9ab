// Package refresh consumes the background refresh queue.
//
// A consumer goroutine pops requests from Redis and hands them over a channel
// to the handler goroutine, so a slow recompute never holds a blocking pop
// open and a failing request never stops the loop.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/model"
)

const (
	defaultPopTimeout = 5 * time.Second
	defaultBuffer     = 16
	errorBackoff      = time.Second
	requeueTimeout    = 5 * time.Second
)

// Queue is the source of refresh requests. Requeue returns popped requests
// that were never handled to the head of the queue.
type Queue interface {
	PopRefreshRequest(ctx context.Context, timeout time.Duration) (*model.RefreshRequest, error)
	Requeue(ctx context.Context, reqs ...model.RefreshRequest) error
}

// Handler executes one request.
type Handler interface {
	Handle(ctx context.Context, req model.RefreshRequest) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req model.RefreshRequest) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req model.RefreshRequest) error { return f(ctx, req) }

// Worker runs the consumer loop.
type Worker struct {
	queue      Queue
	handler    Handler
	metrics    *metrics.Metrics
	popTimeout time.Duration
	buffer     int
	backoff    time.Duration
}

// NewWorker creates a Worker. A non-positive popTimeout uses 5s.
func NewWorker(q Queue, h Handler, popTimeout time.Duration, m *metrics.Metrics) *Worker {
	if popTimeout <= 0 {
		popTimeout = defaultPopTimeout
	}
	return &Worker{
		queue:      q,
		handler:    h,
		metrics:    m,
		popTimeout: popTimeout,
		buffer:     defaultBuffer,
		backoff:    errorBackoff,
	}
}

// Run consumes the queue until ctx is cancelled. It always returns nil after
// cancellation; individual request failures are logged. Requests popped but not
// yet handled at shutdown are put back in their original order.
func (w *Worker) Run(ctx context.Context) error {
	logrus.WithField("pop_timeout", w.popTimeout).Info("Refresh worker started")
	requests := make(chan model.RefreshRequest, w.buffer)

	var buffered []model.RefreshRequest
	var inFlight *model.RefreshRequest

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(requests)
		inFlight = w.consume(gctx, requests)
		return nil
	})
	g.Go(func() error {
		for req := range requests {
			if gctx.Err() != nil {
				buffered = append(buffered, req)
				continue
			}
			w.process(gctx, req)
		}
		return nil
	})

	err := g.Wait()
	if inFlight != nil {
		buffered = append(buffered, *inFlight)
	}
	w.requeue(ctx, buffered)
	logrus.Info("Refresh worker stopped")
	return err
}

func (w *Worker) requeue(ctx context.Context, reqs []model.RefreshRequest) {
	if len(reqs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := w.queue.Requeue(ctx, reqs...); err != nil {
		logrus.WithField("requests", len(reqs)).Errorf("Failed to requeue refresh requests: %v", err)
		return
	}
	logrus.WithField("requests", len(reqs)).Info("Requeued unhandled refresh requests")
}

// consume pops into out until ctx is done and returns a request it popped but
// could not hand over, if any.
func (w *Worker) consume(ctx context.Context, out chan<- model.RefreshRequest) *model.RefreshRequest {
	for ctx.Err() == nil {
		req, err := w.queue.PopRefreshRequest(ctx, w.popTimeout)
		switch {
		case errors.Is(err, cache.ErrMalformedRequest):
			logrus.Warnf("Dropping refresh request: %v", err)
			w.metrics.ObserveRefresh(err)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logrus.Errorf("Refresh queue pop failed: %v", err)
			w.sleep(ctx)
			continue
		case req == nil:
			continue
		}

		select {
		case out <- *req:
		case <-ctx.Done():
			return req
		}
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Drain handles queued requests without blocking until the queue is empty or
// ctx is done, and returns how many were handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		req, err := w.queue.PopRefreshRequest(ctx, 0)
		if errors.Is(err, cache.ErrMalformedRequest) {
			logrus.Warnf("Dropping refresh request: %v", err)
			w.metrics.ObserveRefresh(err)
			continue
		}
		if err != nil {
			return n, err
		}
		if req == nil {
			return n, nil
		}
		w.process(ctx, *req)
		n++
	}
	return n, ctx.Err()
}

func (w *Worker) process(ctx context.Context, req model.RefreshRequest) {
	start := time.Now()
	err := w.handle(ctx, req)
	w.metrics.ObserveRefresh(err)

	entry := logrus.WithFields(logrus.Fields{
		"key":      req.Key,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.Warnf("Refresh failed: %v", err)
		return
	}
	entry.Debug("Refresh completed")
}

func (w *Worker) handle(ctx context.Context, req model.RefreshRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, req)
}
