package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"go.stepflow.dev/internal/common/tsid"
)

// PostgresStore implements Store over a Postgres database via database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing pool (used by tests and by the
// queue driver sharing the same database).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying pool so the Postgres queue driver can share it.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// CreateSchema creates the store tables if they don't exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		plan       JSONB NOT NULL,
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		ended_at   TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS steps (
		id              TEXT PRIMARY KEY,
		run_id          TEXT NOT NULL REFERENCES runs(id),
		name            TEXT NOT NULL,
		tool            TEXT NOT NULL,
		inputs          JSONB,
		outputs         JSONB,
		status          TEXT NOT NULL,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		ended_at        TIMESTAMPTZ,
		UNIQUE (run_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);

	CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		step_id    TEXT,
		type       TEXT NOT NULL,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, created_at);

	CREATE TABLE IF NOT EXISTS inbox (
		key        TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id         TEXT PRIMARY KEY,
		topic      TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at    TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(created_at) WHERE sent_at IS NULL;

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key         TEXT PRIMARY KEY,
		status_code INT NOT NULL,
		body        JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create store schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, plan, metadata, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.Status, plan, nullJSON(run.Metadata), run.CreatedAt, run.StartedAt, run.EndedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, plan, metadata, created_at, started_at, ended_at
		FROM runs WHERE id = $1
	`, runID)

	var run Run
	var plan []byte
	var metadata sql.Null[[]byte]
	err := row.Scan(&run.ID, &run.Status, &plan, &metadata, &run.CreatedAt, &run.StartedAt, &run.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	if err := json.Unmarshal(plan, &run.Plan); err != nil {
		return nil, fmt.Errorf("decode plan for run %s: %w", runID, err)
	}
	if metadata.Valid {
		run.Metadata = metadata.V
	}
	return &run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, patch RunPatch) error {
	query := `UPDATE runs SET id = id`
	args := []any{runID}

	if patch.Status != nil {
		args = append(args, *patch.Status)
		query += fmt.Sprintf(", status = $%d", len(args))
	}
	if patch.StartedAt != nil {
		args = append(args, *patch.StartedAt)
		query += fmt.Sprintf(", started_at = $%d", len(args))
	}
	if patch.ClearEndedAt {
		query += ", ended_at = NULL"
	} else if patch.EndedAt != nil {
		args = append(args, *patch.EndedAt)
		query += fmt.Sprintf(", ended_at = $%d", len(args))
	}
	query += " WHERE id = $1"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateStep(ctx context.Context, step *Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, name, tool, inputs, outputs, status, idempotency_key, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, step.ID, step.RunID, step.Name, step.Tool, nullJSON(step.Inputs), nullJSON(step.Outputs),
		step.Status, nullString(step.IdempotencyKey), step.CreatedAt, step.StartedAt, step.EndedAt)
	if err != nil {
		return fmt.Errorf("create step %s: %w", step.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetStep(ctx context.Context, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, tool, inputs, outputs, status, idempotency_key, created_at, started_at, ended_at
		FROM steps WHERE id = $1
	`, stepID)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get step %s: %w", stepID, ErrStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", stepID, err)
	}
	return step, nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, stepID string, patch StepPatch) error {
	query := `UPDATE steps SET id = id`
	args := []any{stepID}

	if patch.Status != nil {
		args = append(args, *patch.Status)
		query += fmt.Sprintf(", status = $%d", len(args))
	}
	if patch.Outputs != nil {
		args = append(args, []byte(patch.Outputs))
		query += fmt.Sprintf(", outputs = $%d", len(args))
	}
	if patch.StartedAt != nil {
		args = append(args, *patch.StartedAt)
		query += fmt.Sprintf(", started_at = $%d", len(args))
	}
	if patch.ClearEndedAt {
		query += ", ended_at = NULL"
	} else if patch.EndedAt != nil {
		args = append(args, *patch.EndedAt)
		query += fmt.Sprintf(", ended_at = $%d", len(args))
	}
	query += " WHERE id = $1"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step %s: %w", stepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update step %s: %w", stepID, ErrStepNotFound)
	}
	return nil
}

func (s *PostgresStore) ListStepsByRun(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, tool, inputs, outputs, status, idempotency_key, created_at, started_at, ended_at
		FROM steps WHERE run_id = $1 ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps
		WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed', 'timed_out', 'cancelled')
	`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count remaining steps for run %s: %w", runID, err)
	}
	return count, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, runID, eventType string, payload any, stepID string) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventType, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, step_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, tsid.NewEventID(), runID, nullString(stepID), eventType, nullJSON(data))
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventType, err)
	}
	return nil
}

func (s *PostgresStore) ListEventsByRun(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, type, payload, created_at
		FROM events WHERE run_id = $1 ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var stepID sql.NullString
		var payload sql.Null[[]byte]
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("list events for run %s: %w", runID, err)
		}
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = payload.V
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// InboxMarkIfNew relies on the primary-key constraint: the insert either
// lands (new key) or conflicts (duplicate). Exactly one concurrent caller
// sees a row inserted.
func (s *PostgresStore) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox (key) VALUES ($1) ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("inbox mark %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbox mark %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) InboxDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE key = $1`, key); err != nil {
		return fmt.Errorf("inbox delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) OutboxAdd(ctx context.Context, topic string, payload any) (*OutboxRow, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox add: %w", err)
	}

	row := &OutboxRow{
		ID:        tsid.NewOutboxID(),
		Topic:     topic,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, topic, payload, created_at) VALUES ($1, $2, $3, $4)
	`, row.ID, row.Topic, []byte(row.Payload), row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("outbox add: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) OutboxListUnsent(ctx context.Context, limit int) ([]*OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox list unsent: %w", err)
	}
	defer rows.Close()

	var result []*OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload []byte
		if err := rows.Scan(&r.ID, &r.Topic, &payload, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, fmt.Errorf("outbox list unsent: %w", err)
		}
		r.Payload = payload
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) OutboxMarkSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET sent_at = NOW() WHERE id = $1 AND sent_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("outbox mark sent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already sent or unknown; already-sent is fine, unknown is a bug
		// worth surfacing.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM outbox WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("outbox mark sent %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("outbox row %s not found", id)
		}
	}
	return nil
}

func (s *PostgresStore) OutboxCountUnsent(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("outbox count unsent: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) IdempotencySave(ctx context.Context, rec *IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, status_code, body, created_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.StatusCode, nullJSON(rec.Body), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("idempotency save %s: %w", rec.Key, err)
	}
	return nil
}

func (s *PostgresStore) IdempotencyGet(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, status_code, body, created_at FROM idempotency_keys WHERE key = $1
	`, key)

	var rec IdempotencyRecord
	var body sql.Null[[]byte]
	err := row.Scan(&rec.Key, &rec.StatusCode, &body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if body.Valid {
		rec.Body = body.V
	}
	return &rec, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var inputs, outputs sql.Null[[]byte]
	var idempotencyKey sql.NullString

	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputs, &outputs,
		&step.Status, &idempotencyKey, &step.CreatedAt, &step.StartedAt, &step.EndedAt)
	if err != nil {
		return nil, err
	}

	if inputs.Valid {
		step.Inputs = inputs.V
	}
	if outputs.Valid {
		step.Outputs = outputs.V
	}
	step.IdempotencyKey = idempotencyKey.String
	return &step, nil
}

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
