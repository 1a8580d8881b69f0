package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockReportReader(t *testing.T) (*ReportReader, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewReportReader(db), mock
}

func TestTaskStateDistribution(t *testing.T) {
	reader, mock := newMockReportReader(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"state", "count"}).
		AddRow("READY", 4).
		AddRow("RUNNING", 2)
	mock.ExpectQuery("SELECT state, COUNT").WillReturnRows(rows)

	out, err := reader.TaskStateDistribution(ctx)
	if err != nil {
		t.Fatalf("TaskStateDistribution: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if out[0].State != "READY" || out[0].Count != 4 {
		t.Fatalf("unexpected first row: %+v", out[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStuckLeaseCount(t *testing.T) {
	reader, mock := newMockReportReader(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM leases").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := reader.StuckLeaseCount(ctx)
	if err != nil {
		t.Fatalf("StuckLeaseCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventKindCount(t *testing.T) {
	reader, mock := newMockReportReader(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM events").
		WithArgs("THROTTLED", 3600).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	count, err := reader.EventKindCount(ctx, "THROTTLED", 3600)
	if err != nil {
		t.Fatalf("EventKindCount: %v", err)
	}
	if count != 12 {
		t.Fatalf("expected 12, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
