package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// TaskStateCount is one row of a state-distribution report.
type TaskStateCount struct {
	State string `db:"state"`
	Count int    `db:"count"`
}

// ReportReader answers read-only aggregate queries for the CLI and
// dashboard surfaces, kept separate from the transactional Store so it can
// run against a read replica. It is a thin sqlx wrapper rather than going
// through pgxpool: these are simple scalar/row-set queries with no need
// for pool-level transaction control.
type ReportReader struct {
	db *sqlx.DB
}

// NewReportReader wraps an existing *sqlx.DB (or, in tests, one created
// over a sqlmock connection).
func NewReportReader(db *sqlx.DB) *ReportReader {
	return &ReportReader{db: db}
}

// TaskStateDistribution returns the count of tasks in each state.
func (r *ReportReader) TaskStateDistribution(ctx context.Context) ([]TaskStateCount, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT state, COUNT(*) AS count FROM tasks GROUP BY state ORDER BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskStateCount
	for rows.Next() {
		var row TaskStateCount
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// StuckLeaseCount counts leases whose expiry has already passed.
func (r *ReportReader) StuckLeaseCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM leases WHERE lease_expires_at < NOW()`).Scan(&count)
	return count, err
}

// EventKindCount reports how many events of a given kind were recorded in
// the last sinceSeconds seconds.
func (r *ReportReader) EventKindCount(ctx context.Context, kind string, sinceSeconds int) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM events WHERE kind = $1 AND ts >= NOW() - ($2 || ' seconds')::interval`,
		kind, sinceSeconds,
	).Scan(&count)
	return count, err
}
