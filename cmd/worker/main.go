package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"communitysync/internal/app"
	"communitysync/internal/config"
	"communitysync/internal/logger"
	"communitysync/internal/migrations"
	"communitysync/internal/pipeline"
	"communitysync/internal/queue"
	"communitysync/internal/sink"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := app.BuildPipeline(ctx, cfg, log)
	if err != nil {
		log.Error("build pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("starting", "component", name)
			fn(ctx)
			log.Info("stopped", "component", name)
		}()
	}

	// One receiver pair per priority level and tier; each drains its level
	// queue and the shared default queue.
	for _, level := range queue.Levels {
		lr, err := queue.NewLevelReceiver(p.Streams, level, p.Workers.HandleStreamMessage, cfg.MaxConcurrentMessageProcessing, log)
		if err != nil {
			log.Error("stream receiver", "level", level, "error", err)
			os.Exit(1)
		}
		start("streams/"+string(level), lr.Start)

		dr, err := queue.NewLevelReceiver(p.Data, level, p.Workers.HandleDataMessage, cfg.MaxConcurrentMessageProcessing, log)
		if err != nil {
			log.Error("data receiver", "level", level, "error", err)
			os.Exit(1)
		}
		start("data/"+string(level), dr.Start)
	}

	sweeper := pipeline.NewSweeper(p.Store, p.Streams, p.Data, cfg.SweepInterval, cfg.SweepStaleAfter, log)
	start("sweeper", sweeper.Run)

	// The asynq result tier blocks until shutdown; run it on the main
	// goroutine so its error is the process exit cause.
	err = sink.Run(cfg.RedisAddr, cfg.MaxConcurrentMessageProcessing, p.Store, sink.NewWarehouse(p.DB), log)
	stop()
	wg.Wait()
	if err != nil {
		log.Error("result sink", "error", err)
		os.Exit(1)
	}
}
