package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.temporal.io/sdk/activity"

	"communitysync/internal/export"
	"communitysync/internal/model"
)

// Flag kinds recorded in aggregate_flags. The pipeline flags a key when new
// results land for it; sweeps drain the set.
const (
	FlagKindMemberAggregates       = "member-aggregates"
	FlagKindOrganizationAggregates = "organization-aggregates"
)

// Computer is the analytics collaborator. Aggregate math and the dashboard
// query layer live outside this module; the orchestrator only decides what
// to recompute and when.
type Computer interface {
	RecomputeMemberAggregates(ctx context.Context, tenantID string) error
	RecomputeOrganizationAggregates(ctx context.Context, orgKey string) error
	RefreshDashboardCache(ctx context.Context, segmentID string) error
	ListSegments(ctx context.Context, afterID string, limit int) ([]Segment, error)
	ResolveLeafSegments(ctx context.Context, segmentID string) ([]string, error)
}

type Segment struct {
	ID   string `json:"id"`
	Leaf bool   `json:"leaf"`
}

type ListKeysInput struct {
	Kind     string `json:"kind,omitempty"`
	AfterKey string `json:"afterKey"`
	PageSize int    `json:"pageSize"`
}

type KeyPage struct {
	Keys    []string `json:"keys"`
	LastKey string   `json:"lastKey"`
}

type SegmentPage struct {
	Segments []Segment `json:"segments"`
	LastKey  string    `json:"lastKey"`
}

type ClearFlagInput struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

type ExportInput struct {
	Platform   string `json:"platform"`
	SinceHours int    `json:"sinceHours"`
}

type Activities struct {
	db              *sqlx.DB
	computer        Computer
	exporter        *export.Exporter
	consumer        *export.Consumer
	exportRetention time.Duration
	log             *slog.Logger
}

func NewActivities(db *sqlx.DB, computer Computer, exporter *export.Exporter, consumer *export.Consumer, exportRetention time.Duration, log *slog.Logger) *Activities {
	return &Activities{
		db:              db,
		computer:        computer,
		exporter:        exporter,
		consumer:        consumer,
		exportRetention: exportRetention,
		log:             log,
	}
}

// FlagKey records that key needs a recompute of the given kind. Flagging an
// already flagged key is a no-op, so callers fire it on every relevant write.
func (a *Activities) FlagKey(ctx context.Context, kind, key string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO aggregate_flags (kind, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		kind, key)
	return err
}

// ListFlaggedKeys returns one page of flagged keys in key order, starting
// strictly after in.AfterKey. Keyset pagination keeps pages stable while
// sweeps concurrently clear earlier keys.
func (a *Activities) ListFlaggedKeys(ctx context.Context, in ListKeysInput) (KeyPage, error) {
	var keys []string
	err := a.db.SelectContext(ctx, &keys,
		`SELECT key FROM aggregate_flags WHERE kind = $1 AND key > $2 ORDER BY key LIMIT $3`,
		in.Kind, in.AfterKey, in.PageSize)
	if err != nil {
		return KeyPage{}, err
	}
	page := KeyPage{Keys: keys}
	if len(keys) > 0 {
		page.LastKey = keys[len(keys)-1]
	}
	return page, nil
}

func (a *Activities) ClearFlag(ctx context.Context, in ClearFlagInput) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM aggregate_flags WHERE kind = $1 AND key = $2`,
		in.Kind, in.Key)
	return err
}

func (a *Activities) RecomputeMemberAggregates(ctx context.Context, tenantID string) error {
	return a.computer.RecomputeMemberAggregates(ctx, tenantID)
}

func (a *Activities) RecomputeOrganizationAggregates(ctx context.Context, orgKey string) error {
	return a.computer.RecomputeOrganizationAggregates(ctx, orgKey)
}

func (a *Activities) RefreshDashboardCache(ctx context.Context, segmentID string) error {
	return a.computer.RefreshDashboardCache(ctx, segmentID)
}

func (a *Activities) ListSegments(ctx context.Context, in ListKeysInput) (SegmentPage, error) {
	segments, err := a.computer.ListSegments(ctx, in.AfterKey, in.PageSize)
	if err != nil {
		return SegmentPage{}, err
	}
	page := SegmentPage{Segments: segments}
	if len(segments) > 0 {
		page.LastKey = segments[len(segments)-1].ID
	}
	return page, nil
}

func (a *Activities) ResolveLeafSegments(ctx context.Context, segmentID string) ([]string, error) {
	return a.computer.ResolveLeafSegments(ctx, segmentID)
}

// RunExport snapshots one platform into a batch object and records the job.
func (a *Activities) RunExport(ctx context.Context, in ExportInput) (string, error) {
	var since time.Time
	if in.SinceHours > 0 {
		since = time.Now().UTC().Add(-time.Duration(in.SinceHours) * time.Hour)
	}
	return a.exporter.Export(ctx, model.Platform(in.Platform), since)
}

// ProcessExportBatches drains claimable batches, heartbeating between
// batches so a stuck claim surfaces as an activity timeout.
func (a *Activities) ProcessExportBatches(ctx context.Context) (int, error) {
	processed := 0
	for {
		ok, err := a.consumer.ProcessNext(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
		activity.RecordHeartbeat(ctx, processed)
	}
}

// CleanupExports removes batch artifacts past retention.
func (a *Activities) CleanupExports(ctx context.Context) (int, error) {
	return a.consumer.Cleanup(ctx, a.exportRetention, pageSize)
}
