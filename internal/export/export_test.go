package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(sqlx.NewDb(db, "pgx"))
	s.now = func() time.Time { return now }
	return s, mock, now
}

func jobColumns() []string {
	return []string{
		"id", "platform", "object_path", "export_started_at",
		"processing_started_at", "completed_at", "cleaned_at",
		"error", "metrics", "created_at", "updated_at",
	}
}

func TestClaimNext_NoneAvailable(t *testing.T) {
	s, mock, now := newMockStore(t)

	mock.ExpectQuery(`UPDATE export_jobs SET processing_started_at`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := s.ClaimNext(context.Background())
	if !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("got %v, want ErrNoneAvailable", err)
	}
}

func TestClaimNext_ReturnsClaimedJob(t *testing.T) {
	s, mock, now := newMockStore(t)

	started := now.Add(-time.Hour)
	mock.ExpectQuery(`UPDATE export_jobs SET processing_started_at`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow("j1", "github", "s3://bucket/exports/github/x.json", started,
				now, nil, nil, nil, nil, started, now))

	job, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job.ID != "j1" || job.ObjectPath != "s3://bucket/exports/github/x.json" {
		t.Errorf("unexpected job %+v", job)
	}
	// metrics and error are always NULL at claim time; the scan must
	// tolerate that.
	if job.Metrics != nil || job.Error != nil {
		t.Errorf("expected unset metrics and error, got %q / %q", job.Metrics, job.Error)
	}
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{docs: map[string][]byte{}}
}

func (m *memObjects) PutJSON(_ context.Context, key string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	ref := "s3://test/" + key
	m.mu.Lock()
	m.docs[ref] = b
	m.mu.Unlock()
	return ref, nil
}

func (m *memObjects) GetJSON(_ context.Context, ref string, v any) error {
	m.mu.Lock()
	b, ok := m.docs[ref]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s not found", ref)
	}
	return json.Unmarshal(b, v)
}

func (m *memObjects) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.docs, ref)
	m.mu.Unlock()
	return nil
}

type staticSource struct {
	rows []Row
}

func (s staticSource) Export(context.Context, model.Platform, time.Time) ([]Row, error) {
	return s.rows, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	rows []Row
}

func (p *recordingPublisher) PublishExportData(_ context.Context, tenantID, integrationID string, payload json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, Row{TenantID: tenantID, IntegrationID: integrationID, Payload: payload})
	return nil
}

func TestExporterThenConsumer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	log := slog.Default()

	rows := []Row{
		{TenantID: "t1", IntegrationID: "i1", Payload: json.RawMessage(`{"n":1}`)},
		{TenantID: "t1", IntegrationID: "i1", Payload: json.RawMessage(`{"n":2}`)},
		{TenantID: "", IntegrationID: "i1", Payload: json.RawMessage(`{"n":3}`)}, // skipped
	}

	// Export side.
	store, mock, now := newMockStore(t)
	mock.ExpectExec(`INSERT INTO export_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	exporter := NewExporter(store, staticSource{rows: rows}, objects, log)
	jobID, err := exporter.Export(ctx, model.PlatformGitHub, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if jobID == "" {
		t.Fatal("empty job id")
	}
	if len(objects.docs) != 1 {
		t.Fatalf("stored %d objects, want 1", len(objects.docs))
	}
	var ref string
	for r := range objects.docs {
		ref = r
	}

	// Consume side: claim returns the batch just written.
	mock.ExpectQuery(`UPDATE export_jobs SET processing_started_at`).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(jobID, "github", ref, now, now, nil, nil, nil, nil, now, now))
	mock.ExpectExec(`UPDATE export_jobs SET completed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pub := &recordingPublisher{}
	consumer := NewConsumer(store, objects, pub, time.Minute, log)
	processed, err := consumer.ProcessNext(ctx)
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !processed {
		t.Fatal("expected a batch to be processed")
	}
	if len(pub.rows) != 2 {
		t.Errorf("published %d rows, want 2 (row without tenant is skipped)", len(pub.rows))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConsumerCleanup_DeletesArtifactThenMarks(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	ref, _ := objects.PutJSON(ctx, "exports/github/old.json", batchDoc{Platform: model.PlatformGitHub})

	store, mock, now := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM export_jobs`).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow("j1", "github", ref, now, now, now, nil, nil, nil, now, now))
	mock.ExpectExec(`UPDATE export_jobs SET cleaned_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	consumer := NewConsumer(store, objects, &recordingPublisher{}, time.Minute, slog.Default())
	cleaned, err := consumer.Cleanup(ctx, 14*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned %d, want 1", cleaned)
	}
	if len(objects.docs) != 0 {
		t.Error("artifact still present after cleanup")
	}
}
