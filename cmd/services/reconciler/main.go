package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/linkflow-ai/subledger/internal/billing/server"
	"github.com/linkflow-ai/subledger/internal/platform/config"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/telemetry"
)

func main() {
	cfg, err := config.Load("reconciler")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting Reconciliation Worker", "version", cfg.Version, "port", cfg.HTTP.Port,
		"queue", cfg.Billing.QueueBackend, "workers", cfg.Billing.Workers)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Service.Environment,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer tel.Close()

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithTelemetry(tel),
		server.WithMode(server.ModeReconciler),
	)
	if err != nil {
		log.Fatal("failed to create server", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error("server error", "error", err)
	}

	log.Info("Reconciliation Worker stopped gracefully")
}
