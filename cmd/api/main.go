package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"communitysync/internal/app"
	"communitysync/internal/config"
	httpSrv "communitysync/internal/http"
	"communitysync/internal/logger"
	"communitysync/internal/migrations"
)

func main() {
	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	// Embedded migrations are idempotent; whichever process starts first
	// applies them.
	if err := migrations.Run(cfg.DatabaseURL); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	p, err := app.BuildPipeline(context.Background(), cfg, log)
	if err != nil {
		log.Error("build pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := httpSrv.NewServer(addr, cfg.APIToken, p.DB, p.Store, p.Workers, log)
	log.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Error("http server", "error", err)
		os.Exit(1)
	}
}
