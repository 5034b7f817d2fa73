package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"communitysync/internal/integration"
	"communitysync/internal/limiter"
	"communitysync/internal/metrics"
	"communitysync/internal/model"
	"communitysync/internal/queue"
)

// Message types per queue. Each queue's set is closed; an unknown type is a
// fatal per-message error, never silently dropped.
const (
	TypeGenerateRunStreams = "GENERATE_RUN_STREAMS"
	TypeProcessStream      = "PROCESS_STREAM"
	TypeProcessWebhook     = "PROCESS_WEBHOOK_STREAM"
	TypeProcessData        = "PROCESS_STREAM_DATA"
)

// GenerateRunStreamsBody asks the stream tier to seed a fresh run.
type GenerateRunStreamsBody struct {
	RunID string `json:"runId"`
}

// ProcessStreamBody addresses one persisted stream.
type ProcessStreamBody struct {
	StreamID string `json:"streamId"`
}

// ProcessWebhookBody carries a webhook event that bypasses Run/Stream.
type ProcessWebhookBody struct {
	TenantID      string          `json:"tenantId"`
	IntegrationID string          `json:"integrationId"`
	Platform      model.Platform  `json:"platform"`
	Payload       json.RawMessage `json:"payload"`
}

// ProcessDataBody addresses one persisted data row.
type ProcessDataBody struct {
	DataID string `json:"dataId"`
}

// ResultPublisher hands finished results to the downstream sink tier.
type ResultPublisher interface {
	Publish(ctx context.Context, resultID, tenantID string, onboarding bool) error
}

// Workers owns the queue handlers for the stream and data tiers. All state
// lives in the store; a worker process is stateless and replaceable.
type Workers struct {
	store    *Store
	registry *integration.Registry
	streams  *queue.Router
	data     *queue.Router
	results  ResultPublisher
	cache    integration.Cache
	sem      limiter.Counter
	settings map[model.Platform]json.RawMessage
	log      *slog.Logger
}

func NewWorkers(
	store *Store,
	registry *integration.Registry,
	streams, data *queue.Router,
	results ResultPublisher,
	cacheKV integration.Cache,
	sem limiter.Counter,
	settings map[model.Platform]json.RawMessage,
	log *slog.Logger,
) *Workers {
	return &Workers{
		store:    store,
		registry: registry,
		streams:  streams,
		data:     data,
		results:  results,
		cache:    cacheKV,
		sem:      sem,
		settings: settings,
		log:      log,
	}
}

func priorityFor(onboarding bool) queue.Level {
	if onboarding {
		return queue.LevelHigh
	}
	return ""
}

// TriggerSync creates a run and queues its stream generation. Called from
// the API (manual trigger, webhook-installed integrations) and from cron.
func (w *Workers) TriggerSync(ctx context.Context, tenantID, integrationID string, platform model.Platform, onboarding bool) (string, error) {
	if _, ok := w.registry.Get(platform); !ok {
		return "", fmt.Errorf("no processor registered for platform %s", platform)
	}
	runID, err := w.store.CreateRun(ctx, tenantID, integrationID, platform, onboarding)
	if err != nil {
		return "", err
	}
	err = w.streams.Send(ctx, runID, TypeGenerateRunStreams,
		GenerateRunStreamsBody{RunID: runID}, "generate:"+runID, priorityFor(onboarding))
	if err != nil {
		return "", fmt.Errorf("queue stream generation for run %s: %w", runID, err)
	}
	return runID, nil
}

// PublishWebhook queues a webhook payload for the stream tier.
func (w *Workers) PublishWebhook(ctx context.Context, tenantID, integrationID string, platform model.Platform, payload json.RawMessage) error {
	return w.streams.Send(ctx, integrationID, TypeProcessWebhook, ProcessWebhookBody{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		Platform:      platform,
		Payload:       payload,
	}, "", "")
}

// PublishExportData records a warehouse-exported payload for the transform
// tier. Export rows have no run or stream; they route like webhook data.
func (w *Workers) PublishExportData(ctx context.Context, tenantID, integrationID string, payload json.RawMessage) error {
	id, err := w.store.CreateData(ctx, nil, nil, tenantID, integrationID, payload, false)
	if err != nil {
		return err
	}
	return w.data.Send(ctx, tenantID, TypeProcessData, ProcessDataBody{DataID: id}, "", "")
}

// HandleStreamMessage is the stream-tier queue handler.
func (w *Workers) HandleStreamMessage(ctx context.Context, env queue.Envelope) error {
	switch env.Type {
	case TypeGenerateRunStreams:
		var body GenerateRunStreamsBody
		if err := env.DecodeBody(&body); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w.generateRunStreams(ctx, body.RunID)
	case TypeProcessStream:
		var body ProcessStreamBody
		if err := env.DecodeBody(&body); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w.processStream(ctx, body.StreamID)
	case TypeProcessWebhook:
		var body ProcessWebhookBody
		if err := env.DecodeBody(&body); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w.processWebhook(ctx, body)
	default:
		return fmt.Errorf("stream queue: unknown message type %q", env.Type)
	}
}

// HandleDataMessage is the data-tier queue handler.
func (w *Workers) HandleDataMessage(ctx context.Context, env queue.Envelope) error {
	switch env.Type {
	case TypeProcessData:
		var body ProcessDataBody
		if err := env.DecodeBody(&body); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w.processData(ctx, body.DataID)
	default:
		return fmt.Errorf("data queue: unknown message type %q", env.Type)
	}
}

func (w *Workers) generateRunStreams(ctx context.Context, runID string) error {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	deleted, err := w.store.IntegrationDeleted(ctx, run.IntegrationID)
	if err != nil {
		return err
	}
	if deleted {
		w.log.Info("abandoning run for deleted integration", "run", runID)
		return nil
	}
	proc, ok := w.registry.Get(run.Platform)
	if !ok {
		perr := model.PipelineError{Location: "stream-worker", Message: "no processor for platform " + string(run.Platform)}
		_ = w.store.MarkRunError(ctx, runID, perr)
		return fmt.Errorf("no processor for platform %s", run.Platform)
	}
	if err := w.store.MarkRunProcessing(ctx, runID); err != nil {
		return err
	}
	ic := w.newContext(run.TenantID, run.IntegrationID, run.Platform, &runID, nil, nil, run.Onboarding)
	if err := proc.GenerateStreams(ctx, ic); err != nil {
		perr := model.PipelineError{Location: "generate-streams", Message: err.Error()}
		_ = w.store.MarkRunError(ctx, runID, perr)
		return fmt.Errorf("generate streams for run %s: %w", runID, err)
	}
	// A run with zero streams completes immediately.
	if _, err := w.store.TryFinishRun(ctx, runID); err != nil {
		return err
	}
	return nil
}

func (w *Workers) processStream(ctx context.Context, streamID string) error {
	st, err := w.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	// Deleted-integration race: abandon, leaving states untouched.
	deleted, err := w.store.IntegrationDeleted(ctx, st.IntegrationID)
	if err != nil {
		return err
	}
	if deleted {
		w.log.Info("abandoning stream for deleted integration", "stream", streamID)
		return nil
	}
	if err := w.store.ClaimStream(ctx, streamID); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil
		}
		return err
	}
	run, err := w.store.GetRun(ctx, st.RunID)
	if err != nil {
		return err
	}
	proc, ok := w.registry.Get(run.Platform)
	if !ok {
		perr := model.PipelineError{Location: "stream-worker", Message: "no processor for platform " + string(run.Platform)}
		_ = w.store.MarkStreamError(ctx, streamID, perr)
		return fmt.Errorf("no processor for platform %s", run.Platform)
	}
	ic := w.newContext(st.TenantID, st.IntegrationID, run.Platform, &st.RunID, &streamID, nil, run.Onboarding)
	if err := proc.ProcessStream(ctx, ic, st); err != nil {
		if !errors.Is(err, errAborted) {
			perr := model.PipelineError{Location: "process-stream", Message: err.Error(), Metadata: map[string]any{"identifier": st.Identifier}}
			_ = w.store.MarkStreamError(ctx, streamID, perr)
			_ = w.store.MarkRunError(ctx, st.RunID, model.PipelineError{
				Location: "process-stream",
				Message:  fmt.Sprintf("stream %s failed", st.Identifier),
				Upstream: err.Error(),
			})
		}
		return fmt.Errorf("process stream %s: %w", streamID, err)
	}
	if err := w.store.MarkStreamProcessed(ctx, streamID); err != nil {
		return err
	}
	finished, err := w.store.TryFinishRun(ctx, st.RunID)
	if err != nil {
		return err
	}
	if finished {
		w.log.Info("run processed", "run", st.RunID)
	}
	return nil
}

func (w *Workers) processWebhook(ctx context.Context, body ProcessWebhookBody) error {
	deleted, err := w.store.IntegrationDeleted(ctx, body.IntegrationID)
	if err != nil {
		return err
	}
	if deleted {
		return nil
	}
	proc, ok := w.registry.Get(body.Platform)
	if !ok {
		return fmt.Errorf("no processor for platform %s", body.Platform)
	}
	wh, ok := proc.(integration.WebhookProcessor)
	if !ok {
		return fmt.Errorf("platform %s does not accept webhooks", body.Platform)
	}
	ic := w.newContext(body.TenantID, body.IntegrationID, body.Platform, nil, nil, nil, false)
	if err := wh.ProcessWebhookStream(ctx, ic, body.Payload); err != nil {
		return fmt.Errorf("process webhook for %s: %w", body.IntegrationID, err)
	}
	return nil
}

func (w *Workers) processData(ctx context.Context, dataID string) error {
	d, err := w.store.GetData(ctx, dataID)
	if err != nil {
		return err
	}
	deleted, err := w.store.IntegrationDeleted(ctx, d.IntegrationID)
	if err != nil {
		return err
	}
	if deleted {
		w.log.Info("abandoning data for deleted integration", "data", dataID)
		return nil
	}
	var platform model.Platform
	if d.RunID != nil {
		run, err := w.store.GetRun(ctx, *d.RunID)
		if err != nil {
			return err
		}
		platform = run.Platform
	} else {
		platform, err = w.integrationPlatform(ctx, d.IntegrationID)
		if err != nil {
			return err
		}
	}
	if err := w.store.ClaimData(ctx, dataID); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil
		}
		return err
	}
	proc, ok := w.registry.Get(platform)
	if !ok {
		perr := model.PipelineError{Location: "data-worker", Message: "no processor for platform " + string(platform)}
		_ = w.store.MarkDataError(ctx, dataID, perr)
		return fmt.Errorf("no processor for platform %s", platform)
	}
	ic := w.newContext(d.TenantID, d.IntegrationID, platform, d.RunID, d.StreamID, &dataID, d.Onboarding)
	if err := proc.ProcessData(ctx, ic, d); err != nil {
		if rle, ok := limiter.AsRateLimit(err); ok {
			// Expected steady-state 429: reschedule without consuming the
			// retry budget. The sweeper republishes once the delay elapses.
			w.log.Info("data rate limited", "data", dataID, "retryAfter", rle.RetryAfter)
			return w.store.DelayDataRateLimited(ctx, dataID, rle.RetryAfter)
		}
		if errors.Is(err, errAborted) {
			return fmt.Errorf("process data %s: %w", dataID, err)
		}
		metrics.DataRetries.Inc()
		perr := model.PipelineError{Location: "process-data", Message: err.Error()}
		state, ferr := w.store.MarkDataFailed(ctx, dataID, perr)
		if ferr != nil {
			return ferr
		}
		w.log.Warn("data transform failed", "data", dataID, "state", state, "error", err)
		return fmt.Errorf("process data %s: %w", dataID, err)
	}
	return w.store.MarkDataProcessed(ctx, dataID)
}

func (w *Workers) integrationPlatform(ctx context.Context, integrationID string) (model.Platform, error) {
	var platform model.Platform
	err := w.store.db.GetContext(ctx, &platform, `
		SELECT platform FROM integrations WHERE id = $1`, integrationID)
	if err != nil {
		return "", fmt.Errorf("integration %s platform: %w", integrationID, err)
	}
	return platform, nil
}
