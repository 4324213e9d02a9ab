// Package main runs one aggregation pipeline pass and prints its report.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/app"
	"github.com/yourorg/strategy-aggregator/internal/config"
	"github.com/yourorg/strategy-aggregator/internal/otel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := otel.InitTracer(ctx, cfg.OtelEndpoint, "strategy-collector")
	if err != nil {
		logrus.Warnf("Tracing disabled: %v", err)
	}
	defer shutdownTracer()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		logrus.Errorf("Failed to initialize: %v", err)
		return 1
	}
	defer a.Close()

	report, err := a.Pipeline.CollectAndStore(ctx)
	if err != nil {
		logrus.Errorf("Collection finished with errors: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		logrus.Errorf("Failed to print report: %v", encErr)
	}
	if err != nil {
		return 1
	}
	return 0
}
