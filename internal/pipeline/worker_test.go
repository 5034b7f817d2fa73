package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"communitysync/internal/model"
	"communitysync/internal/queue"
)

func TestHandleStreamMessage_UnknownTypeIsFatal(t *testing.T) {
	w := &Workers{log: slog.Default()}
	err := w.HandleStreamMessage(context.Background(), queue.Envelope{Type: "SOMETHING_ELSE"})
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Fatalf("got %v, want unknown message type error", err)
	}
}

func TestHandleDataMessage_UnknownTypeIsFatal(t *testing.T) {
	w := &Workers{log: slog.Default()}
	err := w.HandleDataMessage(context.Background(), queue.Envelope{Type: TypeProcessStream})
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Fatalf("got %v, want unknown message type error", err)
	}
}

// Deleted-integration abandons leave no trace: no claim, no state change,
// no publishes. The routers and publisher are nil, so any publish panics,
// and sqlmock rejects any SQL beyond the two lookups.

func TestProcessStream_DeletedIntegrationAbandons(t *testing.T) {
	s, mock, now := newMockStore(t, 5)
	w := &Workers{store: s, log: slog.Default()}

	cols := []string{
		"id", "parent_id", "run_id", "tenant_id", "integration_id",
		"identifier", "state", "data", "error", "processed_at",
		"created_at", "updated_at",
	}
	mock.ExpectQuery(`SELECT \* FROM streams`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", nil, "r1", "t1", "i1", "issues/repo/1",
				model.StreamStatePending, nil, nil, nil, now, now))
	mock.ExpectQuery(`SELECT deleted_at IS NOT NULL FROM integrations`).
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows([]string{"deleted"}).AddRow(true))

	if err := w.processStream(context.Background(), "s1"); err != nil {
		t.Fatalf("processStream: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestProcessData_DeletedIntegrationAbandons(t *testing.T) {
	s, mock, now := newMockStore(t, 5)
	w := &Workers{store: s, log: slog.Default()}

	cols := []string{
		"id", "stream_id", "run_id", "tenant_id", "integration_id",
		"state", "payload", "retries", "onboarding", "delayed_until",
		"error", "processed_at", "created_at", "updated_at",
	}
	mock.ExpectQuery(`SELECT \* FROM api_data`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("d1", "s1", "r1", "t1", "i1", model.DataStatePending,
				json.RawMessage(`{}`), 0, false, nil, nil, nil, now, now))
	mock.ExpectQuery(`SELECT deleted_at IS NOT NULL FROM integrations`).
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows([]string{"deleted"}).AddRow(true))

	if err := w.processData(context.Background(), "d1"); err != nil {
		t.Fatalf("processData: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPriorityFor(t *testing.T) {
	if got := priorityFor(true); got != queue.LevelHigh {
		t.Errorf("onboarding priority %q, want %q", got, queue.LevelHigh)
	}
	if got := priorityFor(false); got != queue.Level("") {
		t.Errorf("steady-state priority %q, want default", got)
	}
}
