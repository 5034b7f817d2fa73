package main

import (
	"context"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"communitysync/internal/analytics"
	"communitysync/internal/app"
	"communitysync/internal/cache"
	"communitysync/internal/config"
	"communitysync/internal/export"
	"communitysync/internal/logger"
	"communitysync/internal/migrations"
	"communitysync/internal/orchestrator"
	"communitysync/internal/storage"
)

func main() {
	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}
	if err := migrations.Run(cfg.DatabaseURL); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	p, err := app.BuildPipeline(ctx, cfg, log)
	if err != nil {
		log.Error("build pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	objects, err := storage.New(ctx, cfg.S3Endpoint, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
	if err != nil {
		log.Error("object storage", "error", err)
		os.Exit(1)
	}

	svc := analytics.New(p.DB, cache.New(p.Redis, "dashboard"))
	exportStore := export.NewStore(p.DB)
	exporter := export.NewExporter(exportStore, svc, objects, log)
	consumer := export.NewConsumer(exportStore, objects, p.Workers, time.Minute, log)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Error("temporal dial", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	platforms := make([]string, 0)
	for _, pf := range p.Registry.Platforms() {
		platforms = append(platforms, string(pf))
	}
	err = orchestrator.RegisterSchedules(ctx, c, orchestrator.ScheduleConfig{
		TaskQueue:       cfg.TemporalTaskQueue,
		ExportPlatforms: platforms,
		// A daily export window with an hour of overlap; the data tier
		// dedupes the seam.
		ExportSinceHours: 25,
	})
	if err != nil {
		log.Error("register schedules", "error", err)
		os.Exit(1)
	}

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	activities := orchestrator.NewActivities(p.DB, svc, exporter, consumer, cfg.ExportRetention, log)
	orchestrator.Register(w, activities)

	log.Info("orchestrator worker starting", "taskQueue", cfg.TemporalTaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Error("orchestrator worker", "error", err)
		os.Exit(1)
	}
}
