// Package pipeline implements the Run/Stream/Data/Result state machine: the
// postgres-backed state store, the queue-driven workers that advance it, and
// the backlog sweeper that repairs it.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/db"
	"communitysync/internal/model"
)

var (
	// ErrAlreadyClaimed is returned when a conditional claim update matched
	// zero rows: another consumer owns the row.
	ErrAlreadyClaimed = errors.New("pipeline: already claimed")

	// ErrNotFound is returned when a referenced entity does not exist; a
	// pipeline-integrity fault, never silently ignored.
	ErrNotFound = errors.New("pipeline: entity not found")
)

// retryStep is the linear backoff unit for data retries. Linear, not
// exponential: upstream rate limits here are daily/hourly windows, so fast
// exponential growth adds nothing. Workflow activities use a separate
// exponential policy (see orchestrator).
const retryStep = 15 * time.Minute

// Store is the single source of truth for pipeline entity state. Claim-type
// transitions are conditional updates so racing consumers cannot both win.
type Store struct {
	db             *sqlx.DB
	maxDataRetries int
	now            func() time.Time
}

func NewStore(dbx *sqlx.DB, maxDataRetries int) *Store {
	return &Store{db: dbx, maxDataRetries: maxDataRetries, now: func() time.Time { return time.Now().UTC() }}
}

func marshalErr(perr model.PipelineError) []byte {
	b, _ := json.Marshal(perr)
	return b
}

// CreateRun inserts a new pending run.
func (s *Store) CreateRun(ctx context.Context, tenantID, integrationID string, platform model.Platform, onboarding bool) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, integration_id, platform, state, onboarding)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, tenantID, integrationID, platform, model.RunStatePending, onboarding)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM runs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

// MarkRunProcessing flips a pending run to processing; a no-op if it already
// left pending.
func (s *Store) MarkRunProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		model.RunStateProcessing, s.now(), id, model.RunStatePending)
	return err
}

// MarkRunError moves a run to its terminal error state with a structured
// error payload.
func (s *Store) MarkRunError(ctx context.Context, id string, perr model.PipelineError) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
		model.RunStateError, marshalErr(perr), s.now(), id)
	if err != nil {
		return fmt.Errorf("mark run %s error: %w", id, err)
	}
	return nil
}

// TryFinishRun marks the run processed if no owned stream is still pending
// or processing. Reports whether the run finished.
func (s *Store) TryFinishRun(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = $1, processed_at = $2, updated_at = $2
		WHERE id = $3
		  AND state = $4
		  AND NOT EXISTS (
			SELECT 1 FROM streams
			WHERE run_id = $3 AND state IN ($5, $6)
		  )`,
		model.RunStateProcessed, now, id, model.RunStateProcessing,
		model.StreamStatePending, model.StreamStateProcessing)
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IntegrationDeleted reports whether the integration has been soft-deleted;
// work for a deleted integration is abandoned, not retried.
func (s *Store) IntegrationDeleted(ctx context.Context, integrationID string) (bool, error) {
	var deleted bool
	err := s.db.GetContext(ctx, &deleted, `
		SELECT deleted_at IS NOT NULL FROM integrations WHERE id = $1`, integrationID)
	if errors.Is(err, sql.ErrNoRows) {
		// Hard-deleted row counts as deleted too.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("integration %s lookup: %w", integrationID, err)
	}
	return deleted, nil
}

// CreateStream inserts a stream keyed by (run_id, identifier). Re-publishing
// an identifier already present in the run is a successful no-op; the
// returned id is empty in that case.
func (s *Store) CreateStream(ctx context.Context, runID string, parentID *string, tenantID, integrationID, identifier string, data json.RawMessage) (string, error) {
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, parent_id, run_id, tenant_id, integration_id, identifier, state, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, identifier) DO NOTHING`,
		id, parentID, runID, tenantID, integrationID, identifier, model.StreamStatePending, data)
	if err != nil {
		return "", fmt.Errorf("create stream %s/%s: %w", runID, identifier, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", nil
	}
	return id, nil
}

// GetStream fetches one stream.
func (s *Store) GetStream(ctx context.Context, id string) (*model.Stream, error) {
	var st model.Stream
	if err := s.db.GetContext(ctx, &st, `SELECT * FROM streams WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}
	return &st, nil
}

// ClaimStream transitions pending -> processing. Exactly one of N racing
// claimers succeeds; the rest get ErrAlreadyClaimed.
func (s *Store) ClaimStream(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		model.StreamStateProcessing, s.now(), id, model.StreamStatePending)
	if err != nil {
		return fmt.Errorf("claim stream %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkStreamProcessed completes a stream.
func (s *Store) MarkStreamProcessed(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = $1, processed_at = $2, updated_at = $2 WHERE id = $3`,
		model.StreamStateProcessed, now, id)
	return err
}

// MarkStreamError fails a stream and records the error payload.
func (s *Store) MarkStreamError(ctx context.Context, id string, perr model.PipelineError) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
		model.StreamStateError, marshalErr(perr), s.now(), id)
	return err
}

// ReleaseStream puts a claimed stream back to pending; used by the abandon
// path when the owning integration vanished mid-flight.
func (s *Store) ReleaseStream(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		model.StreamStatePending, s.now(), id, model.StreamStateProcessing)
	return err
}

// CreateData inserts a pending data row. runID and streamID are nil for
// webhook-originated payloads.
func (s *Store) CreateData(ctx context.Context, streamID, runID *string, tenantID, integrationID string, payload json.RawMessage, onboarding bool) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_data (id, stream_id, run_id, tenant_id, integration_id, state, payload, onboarding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, streamID, runID, tenantID, integrationID, model.DataStatePending, payload, onboarding)
	if err != nil {
		return "", fmt.Errorf("create data: %w", err)
	}
	return id, nil
}

// GetData fetches one data row.
func (s *Store) GetData(ctx context.Context, id string) (*model.Data, error) {
	var d model.Data
	if err := s.db.GetContext(ctx, &d, `SELECT * FROM api_data WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get data %s: %w", id, err)
	}
	return &d, nil
}

// ClaimData transitions pending -> processing, same contract as ClaimStream.
func (s *Store) ClaimData(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_data SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		model.DataStateProcessing, s.now(), id, model.DataStatePending)
	if err != nil {
		return fmt.Errorf("claim data %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkDataProcessed completes a data row.
func (s *Store) MarkDataProcessed(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_data SET state = $1, processed_at = $2, updated_at = $2 WHERE id = $3`,
		model.DataStateProcessed, now, id)
	return err
}

// MarkDataFailed applies the retry policy to a failed transform. Below the
// budget it increments retries and delays the row by retries*retryStep;
// at the budget it moves the row to terminal error and escalates the owning
// run, if any. Returns the resulting state.
func (s *Store) MarkDataFailed(ctx context.Context, id string, perr model.PipelineError) (model.DataState, error) {
	var out model.DataState
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row struct {
			Retries int     `db:"retries"`
			RunID   *string `db:"run_id"`
		}
		if err := tx.GetContext(ctx, &row, `
			SELECT retries, run_id FROM api_data WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock data %s: %w", id, err)
		}
		now := s.now()
		if row.Retries >= s.maxDataRetries {
			out = model.DataStateError
			if _, err := tx.ExecContext(ctx, `
				UPDATE api_data SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
				model.DataStateError, marshalErr(perr), now, id); err != nil {
				return err
			}
			if row.RunID != nil {
				runErr := model.PipelineError{
					Location: "data-worker",
					Message:  fmt.Sprintf("data %s exhausted %d retries", id, s.maxDataRetries),
					Metadata: map[string]any{"dataId": id},
					Upstream: perr.Message,
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE runs SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
					model.RunStateError, marshalErr(runErr), now, *row.RunID); err != nil {
					return err
				}
			}
			return nil
		}
		retries := row.Retries + 1
		out = model.DataStateDelayed
		delayedUntil := now.Add(time.Duration(retries) * retryStep)
		_, err := tx.ExecContext(ctx, `
			UPDATE api_data
			SET state = $1, retries = $2, delayed_until = $3, error = $4, updated_at = $5
			WHERE id = $6`,
			model.DataStateDelayed, retries, delayedUntil, marshalErr(perr), now, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fail data %s: %w", id, err)
	}
	return out, nil
}

// MarkDataError moves a data row straight to terminal error, bypassing the
// retry policy; used by the abort path.
func (s *Store) MarkDataError(ctx context.Context, id string, perr model.PipelineError) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_data SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
		model.DataStateError, marshalErr(perr), s.now(), id)
	if err != nil {
		return fmt.Errorf("mark data %s error: %w", id, err)
	}
	return nil
}

// DelayDataRateLimited reschedules a rate-limited row without touching its
// retry counter: upstream 429s never consume budget.
func (s *Store) DelayDataRateLimited(ctx context.Context, id string, retryAfter time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_data SET state = $1, delayed_until = $2, updated_at = $3 WHERE id = $4`,
		model.DataStateDelayed, now.Add(retryAfter), now, id)
	if err != nil {
		return fmt.Errorf("delay data %s: %w", id, err)
	}
	return nil
}

// CreateResult records one immutable sink-ready unit.
func (s *Store) CreateResult(ctx context.Context, typ model.ResultType, apiDataID, streamID, runID *string, tenantID, integrationID string, payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (id, type, api_data_id, stream_id, run_id, tenant_id, integration_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, typ, apiDataID, streamID, runID, tenantID, integrationID, payload)
	if err != nil {
		return "", fmt.Errorf("create result: %w", err)
	}
	return id, nil
}

// GetResult fetches one result for sink delivery.
func (s *Store) GetResult(ctx context.Context, id string) (*model.Result, error) {
	var r model.Result
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM results WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return &r, nil
}

// StaleStreams returns pending or processing streams untouched since the
// cutoff: the signature of a consumer that popped the message and died.
func (s *Store) StaleStreams(ctx context.Context, cutoff time.Time, limit int) ([]model.Stream, error) {
	var out []model.Stream
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM streams
		WHERE state IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`,
		model.StreamStatePending, model.StreamStateProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale streams: %w", err)
	}
	return out, nil
}

// DueOrStaleData returns delayed rows whose delay elapsed plus pending or
// processing rows untouched since the cutoff.
func (s *Store) DueOrStaleData(ctx context.Context, cutoff time.Time, limit int) ([]model.Data, error) {
	now := s.now()
	var out []model.Data
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM api_data
		WHERE (state = $1 AND delayed_until <= $2)
		   OR (state IN ($3, $4) AND updated_at < $5)
		ORDER BY updated_at ASC
		LIMIT $6`,
		model.DataStateDelayed, now,
		model.DataStatePending, model.DataStateProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("due or stale data: %w", err)
	}
	return out, nil
}

// ResetData puts a delayed or stuck-processing row back to pending so the
// sweeper can re-publish it.
func (s *Store) ResetData(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_data SET state = $1, delayed_until = NULL, updated_at = $2
		WHERE id = $3 AND state IN ($4, $5)`,
		model.DataStatePending, s.now(), id, model.DataStateDelayed, model.DataStateProcessing)
	return err
}

// ResetStream puts a stuck-processing stream back to pending.
func (s *Store) ResetStream(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		model.StreamStatePending, s.now(), id, model.StreamStateProcessing)
	return err
}

// RunErrors lists runs in error state for the operator surface.
func (s *Store) RunErrors(ctx context.Context, limit int) ([]model.Run, error) {
	var out []model.Run
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM runs WHERE state = $1 ORDER BY updated_at DESC LIMIT $2`,
		model.RunStateError, limit)
	if err != nil {
		return nil, fmt.Errorf("run errors: %w", err)
	}
	return out, nil
}
