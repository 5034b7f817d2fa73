// Package analytics recomputes the aggregate tables from landed activities
// and serves the warehouse read paths. It is driven entirely by the
// orchestrator; nothing here runs on its own schedule.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"communitysync/internal/cache"
	"communitysync/internal/export"
	"communitysync/internal/model"
	"communitysync/internal/orchestrator"
)

const dashboardCacheTTL = 2 * time.Hour

type Service struct {
	db        *sqlx.DB
	dashboard *cache.Cache
}

func New(db *sqlx.DB, dashboard *cache.Cache) *Service {
	return &Service{db: db, dashboard: dashboard}
}

// RecomputeMemberAggregates rebuilds every member row for one tenant from
// the activities table. Full rebuild per tenant keeps the write idempotent.
func (s *Service) RecomputeMemberAggregates(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO member_aggregates (tenant_id, member, activity_count, last_active, computed_at)
		SELECT tenant_id, member, count(*), max(created_at), now()
		FROM activities
		WHERE tenant_id = $1 AND member IS NOT NULL
		GROUP BY tenant_id, member
		ON CONFLICT (tenant_id, member) DO UPDATE SET
			activity_count = EXCLUDED.activity_count,
			last_active    = EXCLUDED.last_active,
			computed_at    = EXCLUDED.computed_at`,
		tenantID)
	if err != nil {
		return fmt.Errorf("recompute member aggregates for %s: %w", tenantID, err)
	}
	return nil
}

// RecomputeOrganizationAggregates rebuilds one organization's row. The key
// is "<tenantID>/<organization>", matching what the sink flags.
func (s *Service) RecomputeOrganizationAggregates(ctx context.Context, orgKey string) error {
	tenantID, org, ok := strings.Cut(orgKey, "/")
	if !ok {
		return fmt.Errorf("malformed organization key %q", orgKey)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_aggregates (tenant_id, organization, member_count, activity_count, last_active, computed_at)
		SELECT tenant_id, organization, count(DISTINCT member), count(*), max(created_at), now()
		FROM activities
		WHERE tenant_id = $1 AND organization = $2
		GROUP BY tenant_id, organization
		ON CONFLICT (tenant_id, organization) DO UPDATE SET
			member_count   = EXCLUDED.member_count,
			activity_count = EXCLUDED.activity_count,
			last_active    = EXCLUDED.last_active,
			computed_at    = EXCLUDED.computed_at`,
		tenantID, org)
	if err != nil {
		return fmt.Errorf("recompute organization aggregates for %s: %w", orgKey, err)
	}
	return nil
}

// ListSegments pages all segments in id order, marking leaves.
func (s *Service) ListSegments(ctx context.Context, afterID string, limit int) ([]orchestrator.Segment, error) {
	rows := []struct {
		ID   string `db:"id"`
		Leaf bool   `db:"leaf"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT s.id::text AS id,
		       NOT EXISTS (SELECT 1 FROM segments c WHERE c.parent_id = s.id) AS leaf
		FROM segments s
		WHERE s.id::text > $1
		ORDER BY s.id::text
		LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	out := make([]orchestrator.Segment, 0, len(rows))
	for _, r := range rows {
		out = append(out, orchestrator.Segment{ID: r.ID, Leaf: r.Leaf})
	}
	return out, nil
}

// ResolveLeafSegments walks the subtree under segmentID and returns its
// leaves. A leaf input resolves to itself.
func (s *Service) ResolveLeafSegments(ctx context.Context, segmentID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM segments WHERE id = $1
			UNION ALL
			SELECT c.id FROM segments c JOIN subtree p ON c.parent_id = p.id
		)
		SELECT st.id::text FROM subtree st
		WHERE NOT EXISTS (SELECT 1 FROM segments c WHERE c.parent_id = st.id)
		ORDER BY st.id::text`,
		segmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve leaf segments of %s: %w", segmentID, err)
	}
	return out, nil
}

// dashboardDoc is the cached per-segment summary the read side serves.
type dashboardDoc struct {
	SegmentID     string     `json:"segmentId"`
	Members       int64      `json:"members"`
	Organizations int64      `json:"organizations"`
	Activities    int64      `json:"activities"`
	LastActive    *time.Time `json:"lastActive,omitempty"`
	ComputedAt    time.Time  `json:"computedAt"`
}

// RefreshDashboardCache recomputes one leaf segment's summary and writes it
// to the cache.
func (s *Service) RefreshDashboardCache(ctx context.Context, segmentID string) error {
	var tenantID string
	err := s.db.GetContext(ctx, &tenantID,
		`SELECT tenant_id::text FROM segments WHERE id = $1`, segmentID)
	if err != nil {
		return fmt.Errorf("dashboard segment %s: %w", segmentID, err)
	}

	doc := dashboardDoc{SegmentID: segmentID, ComputedAt: time.Now().UTC()}
	err = s.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT count(*) FROM member_aggregates WHERE tenant_id = $1),
			(SELECT count(*) FROM organization_aggregates WHERE tenant_id = $1),
			(SELECT coalesce(sum(activity_count), 0) FROM member_aggregates WHERE tenant_id = $1),
			(SELECT max(last_active) FROM member_aggregates WHERE tenant_id = $1)`,
		tenantID).Scan(&doc.Members, &doc.Organizations, &doc.Activities, &doc.LastActive)
	if err != nil {
		return fmt.Errorf("dashboard summary for %s: %w", segmentID, err)
	}

	blob, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.dashboard.Set(ctx, segmentID, string(blob), dashboardCacheTTL)
}

// Export lists activity rows for one platform since the given time, in the
// shape the export batch expects.
func (s *Service) Export(ctx context.Context, platform model.Platform, since time.Time) ([]export.Row, error) {
	rows := []struct {
		TenantID      string          `db:"tenant_id"`
		IntegrationID string          `db:"integration_id"`
		Payload       json.RawMessage `db:"payload"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.tenant_id::text AS tenant_id,
		       a.integration_id::text AS integration_id,
		       a.payload
		FROM activities a
		JOIN integrations i ON i.id = a.integration_id
		WHERE i.platform = $1 AND a.created_at >= $2
		ORDER BY a.created_at`,
		platform, since)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", platform, err)
	}
	out := make([]export.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, export.Row{
			TenantID:      r.TenantID,
			IntegrationID: r.IntegrationID,
			Payload:       r.Payload,
		})
	}
	return out, nil
}
