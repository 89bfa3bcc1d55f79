// Package queue provides topic-based at-least-once job delivery with delayed
// jobs, per-delivery attempt accounting and a dead-letter queue. Three
// drivers share the contract: in-memory, Redis and Postgres.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus is the delivery state of a queue job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDLQ        JobStatus = "dlq"
)

// Job is the wrapping record around an application envelope
type Job struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	LockedUntil *time.Time      `json:"lockedUntil,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// EnqueueOptions tunes a single enqueue
type EnqueueOptions struct {
	// Delay is the minimum wall-clock delay before the job becomes claimable
	Delay time.Duration

	// Attempts is the maximum delivery count; 0 means the driver default (3)
	Attempts int
}

// SubscribeOptions tunes a consumer loop
type SubscribeOptions struct {
	// Concurrency is the number of messages processed at once; 0 means 1
	Concurrency int
}

// Counts reports per-topic job totals
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Delayed    int `json:"delayed"`
	DLQ        int `json:"dlq"`
}

// Handler processes one delivery. A non-nil error schedules a retry with the
// driver's backoff until the attempt budget is spent, then the job moves to
// the DLQ.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Driver is the uniform queue contract. Delivery is at-least-once: consumers
// must be idempotent.
type Driver interface {
	// Enqueue adds a job to a topic. opts may be nil.
	Enqueue(ctx context.Context, topic string, payload any, opts *EnqueueOptions) error

	// Subscribe starts a consumer loop for a topic. It returns once the loop
	// is running; the loop stops when ctx is cancelled or the driver closes.
	Subscribe(ctx context.Context, topic string, handler Handler, opts *SubscribeOptions) error

	// GetCounts reports job totals for the topic
	GetCounts(ctx context.Context, topic string) (Counts, error)

	// ListDLQ returns up to limit dead-lettered jobs for the topic
	ListDLQ(ctx context.Context, topic string, limit int) ([]*Job, error)

	// RehydrateDLQ moves up to max DLQ jobs back to pending with attempts
	// reset to 0 and the error cleared. Returns the number moved.
	RehydrateDLQ(ctx context.Context, topic string, max int) (int, error)

	// OldestAge reports the age of the oldest ready job; ok is false when
	// the topic has no ready jobs.
	OldestAge(ctx context.Context, topic string) (age time.Duration, ok bool, err error)

	// HasSubscribers reports whether a consumer loop is running for the topic
	HasSubscribers(topic string) bool

	// Ping verifies the driver's backend is reachable
	Ping(ctx context.Context) error

	// Name identifies the driver ("memory", "redis", "postgres")
	Name() string

	Close() error
}

// DefaultMaxAttempts is the delivery budget when the enqueuer sets none.
const DefaultMaxAttempts = 3

func maxAttemptsOf(opts *EnqueueOptions) int {
	if opts != nil && opts.Attempts > 0 {
		return opts.Attempts
	}
	return DefaultMaxAttempts
}

func delayOf(opts *EnqueueOptions) time.Duration {
	if opts != nil && opts.Delay > 0 {
		return opts.Delay
	}
	return 0
}

func concurrencyOf(opts *SubscribeOptions) int {
	if opts != nil && opts.Concurrency > 0 {
		return opts.Concurrency
	}
	return 1
}
