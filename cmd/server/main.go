// Package main runs the strategy aggregator service: the scheduled collection
// pipeline, the background refresh worker and the health/metrics HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/strategy-aggregator/internal/app"
	"github.com/yourorg/strategy-aggregator/internal/config"
	"github.com/yourorg/strategy-aggregator/internal/integrity"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/otel"
	"github.com/yourorg/strategy-aggregator/internal/scheduler"
	"github.com/yourorg/strategy-aggregator/internal/storage"
)

const (
	version     = "1.0.0"
	serviceName = "strategy-aggregator"
	collectJob  = "collect"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server is the HTTP surface of one aggregator process.
type Server struct {
	app       *app.App
	server    *http.Server
	rateLimit *rate.Limiter
}

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := otel.InitTracer(ctx, cfg.OtelEndpoint, serviceName)
	if err != nil {
		logrus.Warnf("Tracing disabled: %v", err)
	}
	defer shutdownTracer()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logrus.Warnf("Redis close failed: %v", err)
		}
	}()

	runner := scheduler.New(ctx)
	spec := scheduler.Spec(cfg.CronSpec, cfg.UpdateInterval)
	if err := runner.Add(collectJob, spec, cfg.InitialDelay, func(ctx context.Context) error {
		_, err := a.Pipeline.CollectAndStore(ctx)
		return err
	}); err != nil {
		logrus.Fatalf("Invalid schedule: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.PoolIndex.Preload(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.Worker.Run(ctx)
	}()
	runner.Start()

	s := NewServer(a)
	s.Start(ctx)

	runner.Stop()
	wg.Wait()
	logrus.Info("Server stopped")
}

// NewServer creates the HTTP server for a.
func NewServer(a *app.App) *Server {
	cfg := a.Config
	s := &Server{
		app:       a,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(cfg.RateLimitBurst, 1)),
	}
	s.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"update_interval": cfg.UpdateInterval,
		"cron":            cfg.CronSpec,
		"cache_ttl":       cfg.CacheTTL,
		"rate_limit_rps":  cfg.RateLimitRPS,
	}).Info("Server initialized")
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		logrus.Infof("Server starting on port %s", s.app.Config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.app.Redis.Ping(r.Context()).Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["redis"] = err.Error()
	}
	writeJSON(w, status, body)
}

// handleStatus reports pipeline, pool index and breaker state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]any{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"pool_index": map[string]any{
			"size":     s.app.PoolIndex.Size(),
			"built_at": formatTime(s.app.PoolIndex.BuiltAt()),
		},
		"source_breakers": s.app.Breakers.States(),
	}

	if env, err := s.app.Store.GetLatest(ctx); err == nil {
		verified, verr := integrity.Verify(env)
		if verr != nil {
			logrus.Warnf("Status: checksum check failed: %v", verr)
		}
		status["latest"] = map[string]any{
			"version":    env.Version,
			"updated_at": env.UpdatedAt,
			"count":      env.Count,
			"checksum":   env.Checksum,
			"verified":   verified,
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		logrus.Warnf("Status: latest envelope unavailable: %v", err)
	}

	if n, err := s.app.Redis.LLen(ctx, s.app.Cache.QueueKey()).Result(); err == nil {
		status["refresh_queue"] = n
	}

	writeJSON(w, http.StatusOK, status)
}

// handleRefresh queues a pipeline run for the refresh worker.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.rateLimit.Allow() {
		errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	queued, err := s.app.Cache.EnqueueOnce(r.Context(), model.RefreshRequest{Key: storage.LatestKey})
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to queue refresh")
		return
	}
	if queued {
		s.app.Metrics.ObserveEnqueue()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": queued,
		"key":    storage.LatestKey,
	})
}
