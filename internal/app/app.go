// Package app wires the pipeline dependency graph shared by the api and
// worker processes, so queue names and registry contents cannot drift
// between them.
package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"communitysync/internal/cache"
	"communitysync/internal/config"
	"communitysync/internal/db"
	"communitysync/internal/integration"
	"communitysync/internal/limiter"
	"communitysync/internal/model"
	"communitysync/internal/pipeline"
	"communitysync/internal/platform/github"
	"communitysync/internal/queue"
	"communitysync/internal/sink"
)

// Pipeline is the assembled dependency graph.
type Pipeline struct {
	DB       *sqlx.DB
	Redis    *redis.Client
	Asynq    *asynq.Client
	Store    *pipeline.Store
	Registry *integration.Registry
	Streams  *queue.Router
	Data     *queue.Router
	Workers  *pipeline.Workers
}

// BuildPipeline opens every shared dependency and registers the connectors.
// Queue registration is idempotent, so every process calls this at startup.
func BuildPipeline(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Pipeline, error) {
	dbx := db.MustOpen(cfg.DatabaseURL)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	backend := queue.NewRedisBackend(rdb)

	streams, err := queue.OpenRouter(ctx, backend, "streams", queue.DefaultConfig)
	if err != nil {
		return nil, err
	}
	data, err := queue.OpenRouter(ctx, backend, "data", queue.DefaultConfig)
	if err != nil {
		return nil, err
	}

	registry := integration.NewRegistry()
	registry.Register(github.New())

	settings := make(map[model.Platform]json.RawMessage, len(cfg.PlatformSettings))
	for name, blob := range cfg.PlatformSettings {
		settings[model.Platform(name)] = blob
	}

	asq := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	store := pipeline.NewStore(dbx, cfg.MaxDataRetries)
	workers := pipeline.NewWorkers(
		store,
		registry,
		streams, data,
		sink.NewPublisher(asq),
		cache.New(rdb, "integration"),
		limiter.NewRedisCounter(rdb),
		settings,
		log,
	)

	return &Pipeline{
		DB:       dbx,
		Redis:    rdb,
		Asynq:    asq,
		Store:    store,
		Registry: registry,
		Streams:  streams,
		Data:     data,
		Workers:  workers,
	}, nil
}

// Close releases the shared clients.
func (p *Pipeline) Close() {
	_ = p.Asynq.Close()
	_ = p.Redis.Close()
	_ = p.DB.Close()
}
