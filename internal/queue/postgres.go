package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/common/tsid"
)

// PostgresDriver implements Driver over a queue_jobs table. Claiming uses
// FOR UPDATE SKIP LOCKED so parallel workers never double-claim; a sweep
// loop re-pends jobs whose lock expired (crashed worker).
type PostgresDriver struct {
	db           *sql.DB
	ownsDB       bool
	workerID     string
	pollInterval time.Duration
	lockDuration time.Duration

	mu         sync.Mutex
	subs       map[string]int
	processing map[string]int
	closed     bool

	sweepOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// PostgresDriverConfig tunes the driver
type PostgresDriverConfig struct {
	PollInterval time.Duration
	LockDuration time.Duration
}

// NewPostgresDriver opens a pool and ensures the queue schema exists
func NewPostgresDriver(ctx context.Context, databaseURL string, cfg PostgresDriverConfig) (*PostgresDriver, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	d, err := NewPostgresDriverFromDB(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.ownsDB = true
	return d, nil
}

// NewPostgresDriverFromDB wraps an existing pool
func NewPostgresDriverFromDB(ctx context.Context, db *sql.DB, cfg PostgresDriverConfig) (*PostgresDriver, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 60 * time.Second
	}

	d := &PostgresDriver{
		db:           db,
		workerID:     uuid.NewString(),
		pollInterval: cfg.PollInterval,
		lockDuration: cfg.LockDuration,
		subs:         make(map[string]int),
		processing:   make(map[string]int),
	}
	if err := d.createSchema(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PostgresDriver) Name() string { return "postgres" }

func (d *PostgresDriver) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_jobs (
		id           TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		payload      JSONB NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		attempts     INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		ready_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		worker_id    TEXT,
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
		ON queue_jobs(topic, ready_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS queue_dlq (
		id           TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		payload      JSONB NOT NULL,
		attempts     INT NOT NULL,
		max_attempts INT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		failed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queue_dlq_topic ON queue_dlq(topic, failed_at);
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	return nil
}

func (d *PostgresDriver) Enqueue(ctx context.Context, topic string, payload any, opts *EnqueueOptions) error {
	data, err := marshalEnvelope(payload)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, topic, payload, status, max_attempts, ready_at)
		VALUES ($1, $2, $3, 'pending', $4, NOW() + $5 * INTERVAL '1 millisecond')
	`, tsid.NewJobID(), topic, []byte(data), maxAttemptsOf(opts), delayOf(opts).Milliseconds())
	if err != nil {
		return fmt.Errorf("postgres enqueue on %s: %w", topic, err)
	}

	metrics.QueueEnqueued.WithLabelValues(d.Name(), topic).Inc()
	return nil
}

func (d *PostgresDriver) Subscribe(ctx context.Context, topic string, handler Handler, opts *SubscribeOptions) error {
	concurrency := concurrencyOf(opts)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("postgres driver closed")
	}
	d.subs[topic] += concurrency
	d.mu.Unlock()

	// One sweep loop per driver regardless of topic count.
	d.sweepOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(1)
		go d.sweepLoop(sweepCtx)
	})

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.consumeLoop(ctx, topic, handler)
	}
	return nil
}

func (d *PostgresDriver) consumeLoop(ctx context.Context, topic string, handler Handler) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.subs[topic]--
		d.mu.Unlock()
	}()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		job, err := d.claim(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Postgres claim failed", "topic", topic, "error", err)
		}

		if job != nil {
			d.process(ctx, topic, job, handler)
			// Drain eagerly while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claim takes the next ready job inside a transaction, marking it processing
// with a lock deadline. SKIP LOCKED keeps concurrent claimers from blocking
// on each other.
func (d *PostgresDriver) claim(ctx context.Context, topic string) (*Job, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts, max_attempts, created_at
		FROM queue_jobs
		WHERE topic = $1 AND status = 'pending' AND ready_at <= NOW()
		ORDER BY ready_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, topic)

	var job Job
	var payload []byte
	err = row.Scan(&job.ID, &payload, &job.Attempts, &job.MaxAttempts, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'processing',
		    attempts = attempts + 1,
		    locked_until = NOW() + $2 * INTERVAL '1 millisecond',
		    worker_id = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, job.ID, d.lockDuration.Milliseconds(), d.workerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Topic = topic
	job.Payload = payload
	job.Attempts++
	job.Status = JobProcessing
	job.WorkerID = d.workerID
	return &job, nil
}

func (d *PostgresDriver) process(ctx context.Context, topic string, job *Job, handler Handler) {
	d.mu.Lock()
	d.processing[topic]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.processing[topic]--
		d.mu.Unlock()
	}()

	handlerErr := handler(ctx, withAttempt(job.Payload, job.Attempts))

	if handlerErr == nil {
		_, err := d.db.ExecContext(ctx, `
			UPDATE queue_jobs
			SET status = 'completed', locked_until = NULL, error = NULL, updated_at = NOW()
			WHERE id = $1
		`, job.ID)
		if err != nil && ctx.Err() == nil {
			slog.Error("Failed to complete job", "jobId", job.ID, "error", err)
		}
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if err := d.deadLetter(ctx, job, handlerErr); err != nil && ctx.Err() == nil {
			slog.Error("Failed to dead-letter job", "jobId", job.ID, "error", err)
		}
		return
	}

	delay := expRetryDelay(job.Attempts)
	_, err := d.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'pending',
		    ready_at = NOW() + $2 * INTERVAL '1 millisecond',
		    locked_until = NULL,
		    error = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, job.ID, delay.Milliseconds(), handlerErr.Error())
	if err != nil && ctx.Err() == nil {
		slog.Error("Failed to schedule retry", "jobId", job.ID, "error", err)
		return
	}
	metrics.QueueRetries.WithLabelValues(d.Name(), topic).Inc()
}

// deadLetter moves a spent job into queue_dlq in one transaction.
func (d *PostgresDriver) deadLetter(ctx context.Context, job *Job, cause error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_dlq (id, topic, payload, attempts, max_attempts, created_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.Topic, []byte(job.Payload), job.Attempts, job.MaxAttempts, job.CreatedAt, cause.Error())
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, job.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.QueueDLQ.WithLabelValues(d.Name(), job.Topic).Inc()
	slog.Warn("Job moved to DLQ",
		"driver", d.Name(),
		"topic", job.Topic,
		"jobId", job.ID,
		"attempts", job.Attempts,
		"error", cause.Error())
	return nil
}

// sweepLoop re-pends processing jobs whose lock expired; their worker died
// mid-flight.
func (d *PostgresDriver) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.lockDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.db.ExecContext(ctx, `
				UPDATE queue_jobs
				SET status = 'pending', locked_until = NULL, worker_id = NULL, updated_at = NOW()
				WHERE status = 'processing' AND locked_until < NOW()
			`)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("Lock sweep failed", "error", err)
				}
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Warn("Re-pended expired jobs", "count", n)
			}
		}
	}
}

func (d *PostgresDriver) GetCounts(ctx context.Context, topic string) (Counts, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT
			CASE WHEN status = 'pending' AND ready_at > NOW() THEN 'delayed' ELSE status END AS bucket,
			COUNT(*)
		FROM queue_jobs WHERE topic = $1
		GROUP BY bucket
	`, topic)
	if err != nil {
		return Counts{}, fmt.Errorf("postgres counts for %s: %w", topic, err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return Counts{}, fmt.Errorf("postgres counts for %s: %w", topic, err)
		}
		switch JobStatus(bucket) {
		case JobPending:
			counts.Pending = n
		case JobProcessing:
			counts.Processing = n
		case JobCompleted:
			counts.Completed = n
		case JobFailed:
			counts.Failed = n
		case "delayed":
			counts.Delayed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("postgres counts for %s: %w", topic, err)
	}

	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_dlq WHERE topic = $1`, topic).Scan(&counts.DLQ)
	if err != nil {
		return Counts{}, fmt.Errorf("postgres counts for %s: %w", topic, err)
	}
	return counts, nil
}

func (d *PostgresDriver) ListDLQ(ctx context.Context, topic string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, payload, attempts, max_attempts, created_at, failed_at, error
		FROM queue_dlq WHERE topic = $1 ORDER BY failed_at LIMIT $2
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres list dlq for %s: %w", topic, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var payload []byte
		var errMsg sql.NullString
		if err := rows.Scan(&job.ID, &payload, &job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("postgres list dlq for %s: %w", topic, err)
		}
		job.Topic = topic
		job.Payload = json.RawMessage(payload)
		job.Status = JobDLQ
		job.Error = errMsg.String
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (d *PostgresDriver) RehydrateDLQ(ctx context.Context, topic string, max int) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, max_attempts, created_at
		FROM queue_dlq WHERE topic = $1 ORDER BY failed_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, topic, max)
	if err != nil {
		return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
	}

	type dlqRow struct {
		id          string
		payload     []byte
		maxAttempts int
		createdAt   time.Time
	}
	var picked []dlqRow
	for rows.Next() {
		var r dlqRow
		if err := rows.Scan(&r.id, &r.payload, &r.maxAttempts, &r.createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
		}
		picked = append(picked, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
	}

	for _, r := range picked {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_jobs (id, topic, payload, status, attempts, max_attempts, ready_at, created_at)
			VALUES ($1, $2, $3, 'pending', 0, $4, NOW(), $5)
		`, r.id, topic, r.payload, r.maxAttempts, r.createdAt)
		if err != nil {
			return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_dlq WHERE id = $1`, r.id); err != nil {
			return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres rehydrate for %s: %w", topic, err)
	}
	return len(picked), nil
}

func (d *PostgresDriver) OldestAge(ctx context.Context, topic string) (time.Duration, bool, error) {
	var createdAt time.Time
	err := d.db.QueryRowContext(ctx, `
		SELECT created_at FROM queue_jobs
		WHERE topic = $1 AND status = 'pending' AND ready_at <= NOW()
		ORDER BY ready_at, id LIMIT 1
	`, topic).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres oldest age for %s: %w", topic, err)
	}
	return time.Since(createdAt), true, nil
}

func (d *PostgresDriver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

func (d *PostgresDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *PostgresDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.ownsDB {
		return d.db.Close()
	}
	return nil
}
