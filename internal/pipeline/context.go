package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"communitysync/internal/integration"
	"communitysync/internal/limiter"
	"communitysync/internal/model"
)

// errAborted marks errors raised through the context's abort calls so the
// worker does not stamp a second error on the entity.
var errAborted = errors.New("pipeline: aborted by processor")

// procCtx is the Context implementation handed to processors. One instance
// per handled message; never shared.
type procCtx struct {
	w             *Workers
	tenantID      string
	integrationID string
	platform      model.Platform
	runID         *string
	streamID      *string
	dataID        *string
	onboarding    bool
}

func (w *Workers) newContext(tenantID, integrationID string, platform model.Platform, runID, streamID, dataID *string, onboarding bool) *procCtx {
	return &procCtx{
		w:             w,
		tenantID:      tenantID,
		integrationID: integrationID,
		platform:      platform,
		runID:         runID,
		streamID:      streamID,
		dataID:        dataID,
		onboarding:    onboarding,
	}
}

func (c *procCtx) TenantID() string          { return c.tenantID }
func (c *procCtx) IntegrationID() string     { return c.integrationID }
func (c *procCtx) Cache() integration.Cache  { return c.w.cache }
func (c *procCtx) Settings() json.RawMessage { return c.w.settings[c.platform] }

func (c *procCtx) PublishStream(ctx context.Context, identifier string, data json.RawMessage) error {
	if c.runID == nil {
		return fmt.Errorf("publish stream %q: no owning run (webhook context)", identifier)
	}
	id, err := c.w.store.CreateStream(ctx, *c.runID, c.streamID, c.tenantID, c.integrationID, identifier, data)
	if err != nil {
		return err
	}
	if id == "" {
		// Duplicate identifier within the run; already queued.
		return nil
	}
	return c.w.streams.Send(ctx, *c.runID, TypeProcessStream,
		ProcessStreamBody{StreamID: id}, identifier, priorityFor(c.onboarding))
}

func (c *procCtx) PublishData(ctx context.Context, payload json.RawMessage) error {
	id, err := c.w.store.CreateData(ctx, c.streamID, c.runID, c.tenantID, c.integrationID, payload, c.onboarding)
	if err != nil {
		return err
	}
	return c.w.data.Send(ctx, c.tenantID, TypeProcessData,
		ProcessDataBody{DataID: id}, "", priorityFor(c.onboarding))
}

func (c *procCtx) PublishActivity(ctx context.Context, payload json.RawMessage) error {
	return c.publishResult(ctx, model.ResultTypeActivity, payload)
}

func (c *procCtx) PublishCustom(ctx context.Context, payload json.RawMessage) error {
	return c.publishResult(ctx, model.ResultTypeCustom, payload)
}

func (c *procCtx) publishResult(ctx context.Context, typ model.ResultType, payload json.RawMessage) error {
	id, err := c.w.store.CreateResult(ctx, typ, c.dataID, c.streamID, c.runID, c.tenantID, c.integrationID, payload)
	if err != nil {
		return err
	}
	return c.w.results.Publish(ctx, id, c.tenantID, c.onboarding)
}

func (c *procCtx) AbortWithError(ctx context.Context, location, message string, metadata map[string]any) error {
	perr := model.PipelineError{Location: location, Message: message, Metadata: metadata}
	switch {
	case c.dataID != nil:
		if err := c.w.store.MarkDataError(ctx, *c.dataID, perr); err != nil {
			return err
		}
	case c.streamID != nil:
		if err := c.w.store.MarkStreamError(ctx, *c.streamID, perr); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %s", errAborted, location, message)
}

func (c *procCtx) AbortRunWithError(ctx context.Context, location, message string, metadata map[string]any) error {
	if c.runID == nil {
		return fmt.Errorf("abort run: no owning run")
	}
	perr := model.PipelineError{Location: location, Message: message, Metadata: metadata}
	if err := c.w.store.MarkRunError(ctx, *c.runID, perr); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %s", errAborted, location, message)
}

// semLimiter adapts the fleet-wide semaphore to the processor-facing
// Limiter surface with the owner baked in.
type semLimiter struct {
	sem           *limiter.Semaphore
	ownerID       string
	operationType string
}

func (l *semLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, l.ownerID, l.operationType)
}

func (l *semLimiter) Release(ctx context.Context) error {
	return l.sem.Release(ctx, l.ownerID, l.operationType)
}

func (c *procCtx) RateLimiter(operationType string, maxConcurrent int64) integration.Limiter {
	return &semLimiter{
		sem:           limiter.NewSemaphore(c.w.sem, maxConcurrent),
		ownerID:       c.integrationID,
		operationType: operationType,
	}
}
