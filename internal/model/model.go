// Package model holds the persisted entities of the sync pipeline and their
// state enums. All timestamps are UTC.
package model

import (
	"encoding/json"
	"time"
)

// Platform identifies an external community platform handled by a connector.
type Platform string

const (
	PlatformGitHub  Platform = "github"
	PlatformDiscord Platform = "discord"
	PlatformSlack   Platform = "slack"
	PlatformJira    Platform = "jira"
	PlatformStack   Platform = "stackoverflow"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunStatePending            RunState = "pending"
	RunStateProcessing         RunState = "processing"
	RunStateProcessed          RunState = "processed"
	RunStateError              RunState = "error"
	RunStateIntegrationDeleted RunState = "integration-deleted"
)

// StreamState is the lifecycle state of a Stream.
type StreamState string

const (
	StreamStatePending    StreamState = "pending"
	StreamStateProcessing StreamState = "processing"
	StreamStateProcessed  StreamState = "processed"
	StreamStateError      StreamState = "error"
)

// DataState is the lifecycle state of an ApiData row. Delayed rows carry a
// delayed_until timestamp and return to pending when it elapses.
type DataState string

const (
	DataStatePending    DataState = "pending"
	DataStateProcessing DataState = "processing"
	DataStateProcessed  DataState = "processed"
	DataStateError      DataState = "error"
	DataStateDelayed    DataState = "delayed"
)

// PipelineError is the structured error payload persisted on the owning
// entity's error column.
type PipelineError struct {
	Location string         `json:"location"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Upstream string         `json:"upstream,omitempty"`
}

// Run is one execution attempt of an integration sync for a tenant.
type Run struct {
	ID            string     `db:"id"`
	TenantID      string     `db:"tenant_id"`
	IntegrationID string     `db:"integration_id"`
	Platform      Platform   `db:"platform"`
	State         RunState   `db:"state"`
	Onboarding    bool       `db:"onboarding"`
	Error         []byte     `db:"error"`
	ProcessedAt   *time.Time `db:"processed_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Stream is one unit of enumerable work within a Run. The composite key
// (run_id, identifier) is unique per run; re-publishing the same identifier
// is a no-op. Data and Error are []byte, not json.RawMessage: the columns
// are nullable and database/sql only scans NULL into *[]byte.
type Stream struct {
	ID            string      `db:"id"`
	ParentID      *string     `db:"parent_id"`
	RunID         string      `db:"run_id"`
	TenantID      string      `db:"tenant_id"`
	IntegrationID string      `db:"integration_id"`
	Identifier    string      `db:"identifier"`
	State         StreamState `db:"state"`
	Data          []byte      `db:"data"`
	Error         []byte      `db:"error"`
	ProcessedAt   *time.Time  `db:"processed_at"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

// Data is one payload awaiting transformation into results. RunID is nil for
// webhook-originated data, which has no run.
type Data struct {
	ID            string          `db:"id"`
	StreamID      *string         `db:"stream_id"`
	RunID         *string         `db:"run_id"`
	TenantID      string          `db:"tenant_id"`
	IntegrationID string          `db:"integration_id"`
	State         DataState       `db:"state"`
	Payload       json.RawMessage `db:"payload"`
	Retries       int             `db:"retries"`
	Onboarding    bool            `db:"onboarding"`
	DelayedUntil  *time.Time      `db:"delayed_until"`
	Error         []byte          `db:"error"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// ResultType distinguishes the two kinds of sink output.
type ResultType string

const (
	ResultTypeActivity ResultType = "activity"
	ResultTypeCustom   ResultType = "custom"
)

// Result is one fully transformed unit ready for the downstream sink.
// Immutable once created; it outlives its Data row for audit.
type Result struct {
	ID            string          `db:"id"`
	Type          ResultType      `db:"type"`
	ApiDataID     *string         `db:"api_data_id"`
	StreamID      *string         `db:"stream_id"`
	RunID         *string         `db:"run_id"`
	TenantID      string          `db:"tenant_id"`
	IntegrationID string          `db:"integration_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
}

// ExportJob is one warehouse-to-object-storage export batch. At most one
// consumer may flip processing_started_at from NULL; cleanup only touches
// completed, error-free rows past retention. Metrics is []byte because the
// column stays NULL until Complete runs, and NULL only scans into *[]byte.
type ExportJob struct {
	ID                  string     `db:"id"`
	Platform            Platform   `db:"platform"`
	ObjectPath          string     `db:"object_path"`
	ExportStartedAt     time.Time  `db:"export_started_at"`
	ProcessingStartedAt *time.Time `db:"processing_started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	CleanedAt           *time.Time `db:"cleaned_at"`
	Error               []byte     `db:"error"`
	Metrics             []byte     `db:"metrics"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// ExportMetrics is the opaque structured blob recorded on a completed export.
type ExportMetrics struct {
	Rows    int64 `json:"rows"`
	Bytes   int64 `json:"bytes"`
	Skipped int64 `json:"skipped"`
}

// Integration is an installed data source for a tenant. Deleting one is a
// soft delete so in-flight work can notice and abandon.
type Integration struct {
	ID               string          `db:"id"`
	TenantID         string          `db:"tenant_id"`
	Platform         Platform        `db:"platform"`
	Settings         json.RawMessage `db:"settings"`
	PriorityLevel    *string         `db:"priority_level"`
	WebhookTokenHash string          `db:"webhook_token_hash"`
	DeletedAt        *time.Time      `db:"deleted_at"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}
