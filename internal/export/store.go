// Package export implements the batch warehouse-to-object-storage pipeline:
// export batches land in S3, a polling consumer claims them one at a time
// and feeds their rows into the data tier, and a cleanup pass removes aged
// artifacts.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/model"
)

// ErrNoneAvailable means no unclaimed export batch exists right now.
var ErrNoneAvailable = errors.New("export: no batch available")

// Store persists export batches. The claim is an atomic conditional update
// on processing_started_at, so concurrent consumers cannot both own a row.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStore(dbx *sqlx.DB) *Store {
	return &Store{db: dbx, now: func() time.Time { return time.Now().UTC() }}
}

// Insert records a finished warehouse export.
func (s *Store) Insert(ctx context.Context, platform model.Platform, objectPath string, exportStartedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, platform, object_path, export_started_at)
		VALUES ($1, $2, $3, $4)`,
		id, platform, objectPath, exportStartedAt)
	if err != nil {
		return "", fmt.Errorf("insert export job: %w", err)
	}
	return id, nil
}

// ClaimNext flips processing_started_at on the oldest unclaimed batch and
// returns it. Row locking (SKIP LOCKED) keeps racing consumers off the same
// row; the loser sees the next batch or ErrNoneAvailable.
func (s *Store) ClaimNext(ctx context.Context) (*model.ExportJob, error) {
	var job model.ExportJob
	err := s.db.GetContext(ctx, &job, `
		UPDATE export_jobs SET processing_started_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE processing_started_at IS NULL AND error IS NULL
			ORDER BY export_started_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim export job: %w", err)
	}
	return &job, nil
}

// Complete records metrics on a processed batch.
func (s *Store) Complete(ctx context.Context, id string, m model.ExportMetrics) error {
	blob, _ := json.Marshal(m)
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET completed_at = $1, metrics = $2, updated_at = $1 WHERE id = $3`,
		now, blob, id)
	if err != nil {
		return fmt.Errorf("complete export job %s: %w", id, err)
	}
	return nil
}

// Fail records a processing error and releases the claim so the operator
// can see and retry the batch.
func (s *Store) Fail(ctx context.Context, id string, perr model.PipelineError) error {
	blob, _ := json.Marshal(perr)
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET error = $1, updated_at = $2 WHERE id = $3`,
		blob, s.now(), id)
	if err != nil {
		return fmt.Errorf("fail export job %s: %w", id, err)
	}
	return nil
}

// CleanupCandidates lists batches safe to clean: completed, not yet cleaned,
// error-free, and past retention.
func (s *Store) CleanupCandidates(ctx context.Context, retention time.Duration, limit int) ([]model.ExportJob, error) {
	cutoff := s.now().Add(-retention)
	var out []model.ExportJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM export_jobs
		WHERE completed_at IS NOT NULL
		  AND cleaned_at IS NULL
		  AND error IS NULL
		  AND completed_at < $1
		ORDER BY completed_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("cleanup candidates: %w", err)
	}
	return out, nil
}

// MarkCleaned stamps a batch after its artifact is deleted.
func (s *Store) MarkCleaned(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET cleaned_at = $1, updated_at = $1 WHERE id = $2`,
		now, id)
	return err
}
