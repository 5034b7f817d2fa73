// Package integration defines the narrow contract between the pipeline core
// and the per-platform connectors. Connectors never touch the queue or the
// state store directly; everything goes through the Context.
package integration

import (
	"context"
	"encoding/json"
	"time"

	"communitysync/internal/model"
)

// Cache is the namespaced TTL key-value store exposed to processors.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Limiter is one fleet-wide concurrency cap handed out by the context's
// rate-limiter factory.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Context is the capability surface a processor works against. Publish calls
// persist first, then enqueue, so a crash between the two is repaired by the
// backlog sweeper rather than lost.
type Context interface {
	TenantID() string
	IntegrationID() string
	// Settings is the per-platform settings blob (API keys etc.).
	Settings() json.RawMessage
	Cache() Cache

	// PublishStream records a stream keyed by identifier and queues it.
	// Duplicate identifiers within the run are no-ops.
	PublishStream(ctx context.Context, identifier string, data json.RawMessage) error
	// PublishData records a payload for the transform tier.
	PublishData(ctx context.Context, payload json.RawMessage) error
	// PublishActivity emits a normalized activity to the sink.
	PublishActivity(ctx context.Context, payload json.RawMessage) error
	// PublishCustom emits a custom entity to the sink.
	PublishCustom(ctx context.Context, payload json.RawMessage) error

	// AbortWithError marks the current unit (stream or data) as errored.
	// The returned error must be propagated by the processor.
	AbortWithError(ctx context.Context, location, message string, metadata map[string]any) error
	// AbortRunWithError marks the whole owning run as errored.
	AbortRunWithError(ctx context.Context, location, message string, metadata map[string]any) error

	// RateLimiter returns the fleet-wide semaphore for one upstream
	// operation type.
	RateLimiter(operationType string, maxConcurrent int64) Limiter
}

// Processor is one platform connector. Implementations are registered at
// startup and looked up by platform tag.
type Processor interface {
	Platform() model.Platform

	// GenerateStreams publishes the initial streams for a fresh run.
	GenerateStreams(ctx context.Context, ic Context) error

	// ProcessStream performs the upstream calls for one stream, publishing
	// child streams and/or data.
	ProcessStream(ctx context.Context, ic Context, stream *model.Stream) error

	// ProcessData transforms one payload into zero or more results.
	ProcessData(ctx context.Context, ic Context, data *model.Data) error
}

// WebhookProcessor is the optional capability for platforms that push
// webhook events, bypassing the Run/Stream ladder.
type WebhookProcessor interface {
	ProcessWebhookStream(ctx context.Context, ic Context, payload json.RawMessage) error
}
