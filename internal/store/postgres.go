package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadforge/fleetctl/internal/model"
)

// PostgresStore implements Store on Postgres via pgx/v5. Every operation
// here that touches more than one table runs inside pool.Begin/Commit so
// a crash never leaves a task LEASED without a matching lease row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres with production-sized pool
// settings.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) InsertTask(ctx context.Context, task *model.Task) error {
	if task.State == "" {
		task.State = model.TaskReady
	}
	query := `
		INSERT INTO tasks (id, state, priority, payload_json, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label, provider)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, string(task.State), task.Priority, task.Payload, task.Attempts,
		task.TokenBudget, task.CostBudgetCents, task.PolicyLabel, task.Provider,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, state, priority, payload_json, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label, provider
		FROM tasks WHERE id = $1
	`
	var t model.Task
	var state string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &state, &t.Priority, &t.Payload, &t.CreatedAt, &t.UpdatedAt,
		&t.Attempts, &t.TokenBudget, &t.CostBudgetCents, &t.PolicyLabel, &t.Provider,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, err
	}
	t.State = model.TaskState(state)
	return &t, nil
}

func (s *PostgresStore) ListTasksByState(ctx context.Context, state model.TaskState, limit int) ([]*model.Task, error) {
	query := `
		SELECT id, state, priority, payload_json, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label, provider
		FROM tasks WHERE state = $1
		ORDER BY priority DESC, created_at ASC, id ASC
	`
	if limit > 0 {
		query += " LIMIT " + itoa(limit)
	}
	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var st string
		if err := rows.Scan(&t.ID, &st, &t.Priority, &t.Payload, &t.CreatedAt, &t.UpdatedAt,
			&t.Attempts, &t.TokenBudget, &t.CostBudgetCents, &t.PolicyLabel, &t.Provider); err != nil {
			return nil, err
		}
		t.State = model.TaskState(st)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Reserve runs the pick/lease/claim triad in one transaction.
func (s *PostgresStore) Reserve(ctx context.Context, agentID string, ttl time.Duration, now time.Time) (*model.Task, *model.Lease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, state, priority, payload_json, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label, provider
		FROM tasks
		WHERE state = $1
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var t model.Task
	var st string
	err = tx.QueryRow(ctx, query, string(model.TaskReady)).Scan(
		&t.ID, &st, &t.Priority, &t.Payload, &t.CreatedAt, &t.UpdatedAt,
		&t.Attempts, &t.TokenBudget, &t.CostBudgetCents, &t.PolicyLabel, &t.Provider,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	t.State = model.TaskState(st)

	t.Attempts++
	t.State = model.TaskLeased
	t.UpdatedAt = now

	if _, err := tx.Exec(ctx, `UPDATE tasks SET state=$1, attempts=$2, updated_at=$3 WHERE id=$4`,
		string(t.State), t.Attempts, now, t.ID); err != nil {
		return nil, nil, err
	}

	lease := &model.Lease{TaskID: t.ID, AgentID: agentID, LeaseExpiresAt: now.Add(ttl), Attempt: t.Attempts}
	if _, err := tx.Exec(ctx, `
		INSERT INTO leases (task_id, agent_id, lease_expires_at, attempt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET agent_id=EXCLUDED.agent_id, lease_expires_at=EXCLUDED.lease_expires_at, attempt=EXCLUDED.attempt
	`, lease.TaskID, lease.AgentID, lease.LeaseExpiresAt, lease.Attempt); err != nil {
		return nil, nil, err
	}

	data, _ := json.Marshal(map[string]interface{}{"agent_id": agentID, "attempt": t.Attempts})
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (task_id, ts, kind, data_json) VALUES ($1, $2, $3, $4)
	`, t.ID, now, string(model.EventClaimed), data); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return &t, lease, nil
}

func (s *PostgresStore) Transition(ctx context.Context, taskID string, from, to model.TaskState, kind model.EventKind, severity model.Severity, eventData map[string]interface{}) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT state FROM tasks WHERE id=$1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Resource: "task", ID: taskID}
	}
	if err != nil {
		return err
	}
	if model.TaskState(current) != from {
		return &ErrInvariantViolation{TaskID: taskID, From: model.TaskState(current), To: to, Reason: "task not in expected state " + string(from)}
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE tasks SET state=$1, updated_at=$2 WHERE id=$3`, string(to), now, taskID); err != nil {
		return err
	}
	if to == model.TaskDone || to == model.TaskReady || to == model.TaskError {
		if _, err := tx.Exec(ctx, `DELETE FROM leases WHERE task_id=$1`, taskID); err != nil {
			return err
		}
	}

	data, _ := json.Marshal(eventData)
	if _, err := tx.Exec(ctx, `INSERT INTO events (task_id, ts, kind, data_json) VALUES ($1, $2, $3, $4)`,
		taskID, now, string(kind), data); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RenewLease(ctx context.Context, taskID, agentID string, ttl time.Duration, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leases SET lease_expires_at=$1 WHERE task_id=$2 AND agent_id=$3`,
		now.Add(ttl), taskID, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Resource: "lease", ID: taskID}
	}
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE task_id=$1`, taskID)
	return err
}

func (s *PostgresStore) GetLease(ctx context.Context, taskID string) (*model.Lease, error) {
	var l model.Lease
	err := s.pool.QueryRow(ctx, `SELECT task_id, agent_id, lease_expires_at, attempt FROM leases WHERE task_id=$1`, taskID).
		Scan(&l.TaskID, &l.AgentID, &l.LeaseExpiresAt, &l.Attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Resource: "lease", ID: taskID}
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) ListLeasesByAgent(ctx context.Context, agentID string) ([]*model.Lease, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id, agent_id, lease_expires_at, attempt FROM leases WHERE agent_id=$1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Lease
	for rows.Next() {
		var l model.Lease
		if err := rows.Scan(&l.TaskID, &l.AgentID, &l.LeaseExpiresAt, &l.Attempt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT l.task_id, l.agent_id, l.lease_expires_at
		FROM leases l
		JOIN tasks t ON t.id = l.task_id
		WHERE l.lease_expires_at < $1 AND t.state IN ('LEASED','RUNNING','VERIFYING')
		FOR UPDATE OF l
	`, now)
	if err != nil {
		return 0, err
	}
	type expired struct {
		taskID, agentID string
		expiresAt       time.Time
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.taskID, &e.agentID, &e.expiresAt); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range batch {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET state=$1, updated_at=$2 WHERE id=$3`, string(model.TaskReady), now, e.taskID); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM leases WHERE task_id=$1`, e.taskID); err != nil {
			return 0, err
		}
		data, _ := json.Marshal(map[string]interface{}{"agent_id": e.agentID, "expiry_time": e.expiresAt})
		if _, err := tx.Exec(ctx, `INSERT INTO events (task_id, ts, kind, data_json) VALUES ($1, $2, $3, $4)`,
			e.taskID, now, string(model.EventLeaseExpired), data); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, evt *model.Event) (int64, error) {
	if evt.TaskID == "" {
		evt.TaskID = model.SystemTaskID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, _ := json.Marshal(evt.Data)
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (task_id, ts, kind, data_json) VALUES ($1, $2, $3, $4) RETURNING id
	`, evt.TaskID, evt.Timestamp, string(evt.Kind), data).Scan(&id)
	return id, err
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter EventFilter, limit int) ([]*model.Event, error) {
	query := `SELECT id, task_id, ts, kind, data_json FROM events WHERE 1=1`
	var args []interface{}
	n := 0
	next := func() string { n++; return "$" + itoa(n) }

	if filter.TaskID != "" {
		query += " AND task_id = " + next()
		args = append(args, filter.TaskID)
	}
	if filter.Kind != "" {
		query += " AND kind = " + next()
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= " + next()
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND ts < " + next()
		args = append(args, filter.Until)
	}
	query += " ORDER BY ts DESC, id DESC"
	if limit > 0 {
		query += " LIMIT " + itoa(limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var e model.Event
		var kind string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &kind, &raw); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				// A corrupt data_json payload doesn't fail the query: the
				// row is skipped and a warning event takes its place so
				// the caller still sees something happened at this point
				// in the stream.
				out = append(out, &model.Event{
					ID:        e.ID,
					TaskID:    e.TaskID,
					Timestamp: e.Timestamp,
					Kind:      model.EventDataCorrupt,
					Severity:  model.SeverityWarning,
					Data: map[string]interface{}{
						"corrupt_event_id": e.ID,
						"original_kind":    kind,
					},
				})
				continue
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountEventsByKind(ctx context.Context, kind model.EventKind, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE kind=$1 AND ts >= $2`, string(kind), since).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountEventsBetween(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE kind=$1 AND ts >= $2 AND ts < $3`, string(kind), from, to).Scan(&count)
	return count, err
}

func (s *PostgresStore) TrimEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, ev *Evidence) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, _ := json.Marshal(ev.Details)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence (task_id, attempt, verifier, result, details_json, ts) VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.TaskID, ev.Attempt, ev.Verifier, ev.Result, data, ev.Timestamp)
	return err
}

func (s *PostgresStore) CountEvidenceCycles(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT attempt) FROM evidence WHERE task_id=$1`, taskID).Scan(&count)
	return count, err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
