package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/model"
)

func newMockStore(t *testing.T, maxRetries int) (*Store, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(sqlx.NewDb(db, "pgx"), maxRetries)
	s.now = func() time.Time { return now }
	return s, mock, now
}

func TestClaimData_Exclusive(t *testing.T) {
	s, mock, now := newMockStore(t, 5)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE api_data SET state`).
		WithArgs(model.DataStateProcessing, now, "d1", model.DataStatePending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.ClaimData(ctx, "d1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// The losing claimer matches zero rows.
	mock.ExpectExec(`UPDATE api_data SET state`).
		WithArgs(model.DataStateProcessing, now, "d1", model.DataStatePending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.ClaimData(ctx, "d1"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("got %v, want ErrAlreadyClaimed", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimStream_Exclusive(t *testing.T) {
	s, mock, now := newMockStore(t, 5)

	mock.ExpectExec(`UPDATE streams SET state`).
		WithArgs(model.StreamStateProcessing, now, "s1", model.StreamStatePending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.ClaimStream(context.Background(), "s1"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("got %v, want ErrAlreadyClaimed", err)
	}
}

func TestGetStream_NullDataScans(t *testing.T) {
	s, mock, now := newMockStore(t, 5)

	// Root streams published without a blob leave data NULL; the row must
	// still scan.
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

	st, err := s.GetStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if st.Data != nil {
		t.Errorf("expected nil data, got %q", st.Data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMarkDataFailed_LinearBackoff(t *testing.T) {
	s, mock, now := newMockStore(t, 5)
	perr := model.PipelineError{Location: "data-worker", Message: "boom"}

	// retries=2 under a budget of 5: third retry delays by 3*15m.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT retries, run_id FROM api_data`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "run_id"}).AddRow(2, "r1"))
	mock.ExpectExec(`UPDATE api_data`).
		WithArgs(model.DataStateDelayed, 3, now.Add(45*time.Minute), marshalErr(perr), now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state, err := s.MarkDataFailed(context.Background(), "d1", perr)
	if err != nil {
		t.Fatalf("MarkDataFailed: %v", err)
	}
	if state != model.DataStateDelayed {
		t.Errorf("got state %s, want %s", state, model.DataStateDelayed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMarkDataFailed_ExhaustedEscalatesRun(t *testing.T) {
	s, mock, now := newMockStore(t, 5)
	perr := model.PipelineError{Location: "data-worker", Message: "still broken"}

	// retries already at the budget: terminal error, no increment, and the
	// owning run is escalated.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT retries, run_id FROM api_data`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "run_id"}).AddRow(5, "r1"))
	mock.ExpectExec(`UPDATE api_data SET state`).
		WithArgs(model.DataStateError, marshalErr(perr), now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET state`).
		WithArgs(model.RunStateError, sqlmock.AnyArg(), now, "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state, err := s.MarkDataFailed(context.Background(), "d1", perr)
	if err != nil {
		t.Fatalf("MarkDataFailed: %v", err)
	}
	if state != model.DataStateError {
		t.Errorf("got state %s, want %s", state, model.DataStateError)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMarkDataFailed_WebhookDataHasNoRunToEscalate(t *testing.T) {
	s, mock, now := newMockStore(t, 3)
	perr := model.PipelineError{Location: "data-worker", Message: "boom"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT retries, run_id FROM api_data`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "run_id"}).AddRow(3, nil))
	mock.ExpectExec(`UPDATE api_data SET state`).
		WithArgs(model.DataStateError, marshalErr(perr), now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state, err := s.MarkDataFailed(context.Background(), "d1", perr)
	if err != nil {
		t.Fatalf("MarkDataFailed: %v", err)
	}
	if state != model.DataStateError {
		t.Errorf("got state %s, want %s", state, model.DataStateError)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDelayDataRateLimited_KeepsRetryBudget(t *testing.T) {
	s, mock, now := newMockStore(t, 5)

	// No retries column in the update: a 429 costs nothing.
	mock.ExpectExec(`UPDATE api_data SET state = \$1, delayed_until`).
		WithArgs(model.DataStateDelayed, now.Add(10*time.Minute), now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DelayDataRateLimited(context.Background(), "d1", 10*time.Minute); err != nil {
		t.Fatalf("DelayDataRateLimited: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreateStream_DuplicateIdentifierIsNoop(t *testing.T) {
	s, mock, _ := newMockStore(t, 5)

	mock.ExpectExec(`INSERT INTO streams`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := s.CreateStream(context.Background(), "r1", nil, "t1", "i1", "issues:a/b:1", nil)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if id != "" {
		t.Errorf("duplicate identifier returned id %q, want empty", id)
	}
}

func TestTryFinishRun(t *testing.T) {
	s, mock, now := newMockStore(t, 5)

	mock.ExpectExec(`UPDATE runs SET state`).
		WithArgs(model.RunStateProcessed, now, "r1", model.RunStateProcessing,
			model.StreamStatePending, model.StreamStateProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	done, err := s.TryFinishRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("TryFinishRun: %v", err)
	}
	if !done {
		t.Error("expected run to finish")
	}

	// Streams still open: the conditional update matches nothing.
	mock.ExpectExec(`UPDATE runs SET state`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	done, err = s.TryFinishRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("TryFinishRun: %v", err)
	}
	if done {
		t.Error("run finished with open streams")
	}
}

func TestIntegrationDeleted_MissingRowCountsAsDeleted(t *testing.T) {
	s, mock, _ := newMockStore(t, 5)

	mock.ExpectQuery(`SELECT deleted_at IS NOT NULL FROM integrations`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	deleted, err := s.IntegrationDeleted(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("IntegrationDeleted: %v", err)
	}
	if !deleted {
		t.Error("missing integration should count as deleted")
	}
}
