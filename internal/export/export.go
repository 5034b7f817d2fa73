package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"communitysync/internal/model"
)

// Row is one warehouse record inside an export batch. Rows missing routing
// fields are skipped, not failed; a partially bad batch still lands.
type Row struct {
	TenantID      string          `json:"tenantId"`
	IntegrationID string          `json:"integrationId"`
	Payload       json.RawMessage `json:"payload"`
}

// batchDoc is the object-storage layout of one batch.
type batchDoc struct {
	Platform model.Platform `json:"platform"`
	Rows     []Row          `json:"rows"`
}

// RowSource abstracts the analytics warehouse; the query layer that turns
// time ranges into rows lives outside this module.
type RowSource interface {
	Export(ctx context.Context, platform model.Platform, since time.Time) ([]Row, error)
}

// ObjectStore is the slice of the storage client the pipeline needs.
type ObjectStore interface {
	PutJSON(ctx context.Context, key string, v any) (string, error)
	GetJSON(ctx context.Context, ref string, v any) error
	Delete(ctx context.Context, ref string) error
}

// DataPublisher feeds transformed rows into the data tier.
type DataPublisher interface {
	PublishExportData(ctx context.Context, tenantID, integrationID string, payload json.RawMessage) error
}

// Exporter runs one warehouse export and records the resulting batch.
type Exporter struct {
	store   *Store
	source  RowSource
	objects ObjectStore
	log     *slog.Logger
}

func NewExporter(store *Store, source RowSource, objects ObjectStore, log *slog.Logger) *Exporter {
	return &Exporter{store: store, source: source, objects: objects, log: log}
}

// Export pulls rows for platform since the given time, writes one batch
// object, and inserts the export job. An empty export still records a batch
// so the schedule's progress is observable.
func (e *Exporter) Export(ctx context.Context, platform model.Platform, since time.Time) (string, error) {
	startedAt := time.Now().UTC()
	rows, err := e.source.Export(ctx, platform, since)
	if err != nil {
		return "", fmt.Errorf("warehouse export %s: %w", platform, err)
	}
	key := fmt.Sprintf("exports/%s/%s.json", platform, uuid.NewString())
	ref, err := e.objects.PutJSON(ctx, key, batchDoc{Platform: platform, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("store export batch: %w", err)
	}
	id, err := e.store.Insert(ctx, platform, ref, startedAt)
	if err != nil {
		return "", err
	}
	e.log.Info("export batch recorded", "job", id, "platform", platform, "rows", len(rows))
	return id, nil
}

// Consumer is the polling transform side: claim a batch, fan its rows into
// the data tier, record metrics.
type Consumer struct {
	store        *Store
	objects      ObjectStore
	data         DataPublisher
	pollInterval time.Duration
	log          *slog.Logger
}

func NewConsumer(store *Store, objects ObjectStore, data DataPublisher, pollInterval time.Duration, log *slog.Logger) *Consumer {
	return &Consumer{
		store:        store,
		objects:      objects,
		data:         data,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Run polls for claimable batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := c.ProcessNext(ctx)
				if err != nil {
					c.log.Error("export batch processing failed", "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessNext claims and processes one batch. Returns false when nothing
// was available.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	job, err := c.store.ClaimNext(ctx)
	if err != nil {
		if err == ErrNoneAvailable {
			return false, nil
		}
		return false, err
	}

	var doc batchDoc
	if err := c.objects.GetJSON(ctx, job.ObjectPath, &doc); err != nil {
		_ = c.store.Fail(ctx, job.ID, model.PipelineError{
			Location: "export-consumer",
			Message:  "fetch batch object",
			Upstream: err.Error(),
		})
		return false, err
	}

	var m model.ExportMetrics
	for _, row := range doc.Rows {
		if row.TenantID == "" || row.IntegrationID == "" {
			m.Skipped++
			continue
		}
		if err := c.data.PublishExportData(ctx, row.TenantID, row.IntegrationID, row.Payload); err != nil {
			_ = c.store.Fail(ctx, job.ID, model.PipelineError{
				Location: "export-consumer",
				Message:  "publish row",
				Upstream: err.Error(),
			})
			return false, err
		}
		m.Rows++
		m.Bytes += int64(len(row.Payload))
	}
	if err := c.store.Complete(ctx, job.ID, m); err != nil {
		return false, err
	}
	c.log.Info("export batch processed", "job", job.ID, "rows", m.Rows, "skipped", m.Skipped)
	return true, nil
}

// Cleanup deletes artifacts of completed batches past retention.
func (c *Consumer) Cleanup(ctx context.Context, retention time.Duration, limit int) (int, error) {
	jobs, err := c.store.CleanupCandidates(ctx, retention, limit)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, job := range jobs {
		if err := c.objects.Delete(ctx, job.ObjectPath); err != nil {
			return cleaned, fmt.Errorf("delete artifact %s: %w", job.ObjectPath, err)
		}
		if err := c.store.MarkCleaned(ctx, job.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
