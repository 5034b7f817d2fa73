package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/model"
)

// Flag kinds written for the recompute sweeps. Kept in sync with the
// orchestrator's flag constants by the warehouse tests.
const (
	flagMemberAggregates       = "member-aggregates"
	flagOrganizationAggregates = "organization-aggregates"
)

// Warehouse lands activity results in the analytics tables and flags the
// affected tenant and organization for aggregate recomputation. Inserts key
// on result id, so redelivered tasks are no-ops.
type Warehouse struct {
	db *sqlx.DB
}

func NewWarehouse(db *sqlx.DB) *Warehouse {
	return &Warehouse{db: db}
}

// activityFields is the slice of the payload the warehouse indexes on;
// everything else stays opaque in the payload column.
type activityFields struct {
	Type         string `json:"type"`
	Member       string `json:"member"`
	Organization string `json:"organization"`
}

func (w *Warehouse) Consume(ctx context.Context, result *model.Result) error {
	if result.Type != model.ResultTypeActivity {
		// Custom results have no warehouse shape yet; acknowledge so the
		// queue does not retry forever.
		return nil
	}
	var fields activityFields
	if err := json.Unmarshal(result.Payload, &fields); err != nil {
		return fmt.Errorf("decode activity result %s: %w", result.ID, err)
	}

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO activities (id, result_id, tenant_id, integration_id, type, member, organization, payload)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (result_id) DO NOTHING`,
		uuid.NewString(), result.ID, result.TenantID, result.IntegrationID,
		fields.Type, fields.Member, fields.Organization, result.Payload)
	if err != nil {
		return fmt.Errorf("insert activity for result %s: %w", result.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if err := w.flag(ctx, flagMemberAggregates, result.TenantID); err != nil {
		return err
	}
	if fields.Organization != "" {
		key := result.TenantID + "/" + fields.Organization
		if err := w.flag(ctx, flagOrganizationAggregates, key); err != nil {
			return err
		}
	}
	return nil
}

func (w *Warehouse) flag(ctx context.Context, kind, key string) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO aggregate_flags (kind, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		kind, key)
	return err
}
