package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/repository/postgres"
	"github.com/linkflow-ai/subledger/internal/platform/config"
	"github.com/linkflow-ai/subledger/internal/platform/database"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

func main() {
	cfg, err := config.Load("migration")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting ledger migration", "version", cfg.Version, "schema", cfg.Database.Schema)

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrator := postgres.NewMigrator(db, log)
	applied, err := migrator.Up(ctx)
	if err != nil {
		log.Fatal("migration failed", "error", err)
	}

	current, err := migrator.CurrentVersion(ctx)
	if err != nil {
		log.Fatal("failed to read schema version", "error", err)
	}
	log.Info("Ledger schema up to date", "applied", len(applied), "version", current)
}
