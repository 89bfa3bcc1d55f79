// Package outbox drains the store's transactional outbox into the queue.
// Rows are appended in the same scope as the domain mutation that produced
// them; the relay re-emits them as queue messages, at-least-once, with
// per-row mark-sent.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/store"
)

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// Enabled controls whether the relay runs. Tests leave it off.
	Enabled bool

	// Interval is the tick cadence
	Interval time.Duration

	// Batch is the maximum rows drained per tick
	Batch int
}

// DefaultRelayConfig returns the standard relay settings
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Enabled:  true,
		Interval: time.Second,
		Batch:    25,
	}
}

// Relay is the background loop that fetches unsent outbox rows and enqueues
// them. An enqueue failure leaves the row unsent for the next tick; no error
// escapes the loop.
type Relay struct {
	config RelayConfig
	store  store.Store
	driver queue.Driver

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewRelay creates a relay over the given store and queue driver
func NewRelay(s store.Store, d queue.Driver, cfg RelayConfig) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		config: cfg,
		store:  s,
		driver: d,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the relay loop
func (r *Relay) Start() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}
	r.running = true

	if !r.config.Enabled {
		slog.Info("Outbox relay is disabled")
		return
	}

	r.wg.Add(1)
	go r.run()

	slog.Info("Outbox relay started",
		"interval", r.config.Interval,
		"batch", r.config.Batch)
}

// Stop stops the relay loop and waits for the current tick to finish
func (r *Relay) Stop() {
	r.runningMu.Lock()
	wasRunning := r.running
	r.running = false
	r.runningMu.Unlock()

	r.cancel()
	r.wg.Wait()

	if wasRunning && r.config.Enabled {
		slog.Info("Outbox relay stopped")
	}
}

func (r *Relay) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.ctx)
		}
	}
}

// Tick drains one batch. Exported so tests can drive the relay without the
// timer.
func (r *Relay) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.OutboxTickDuration.Observe(time.Since(start).Seconds())
	}()

	rows, err := r.store.OutboxListUnsent(ctx, r.config.Batch)
	if err != nil {
		slog.Error("Failed to list unsent outbox rows", "error", err)
		return
	}

	for _, row := range rows {
		r.relayRow(ctx, row)
	}

	if backlog, err := r.store.OutboxCountUnsent(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(backlog))
	}
}

func (r *Relay) relayRow(ctx context.Context, row *store.OutboxRow) {
	// The outbox fan-out topic carries a validated shape; a malformed row is
	// a programmer error. Reject it loudly and mark it sent so it cannot
	// wedge the batch.
	if row.Topic == queue.TopicOutbox {
		if err := queue.ValidateOutboxPayload(row.Payload); err != nil {
			slog.Error("Rejecting malformed outbox row",
				"rowId", row.ID,
				"topic", row.Topic,
				"error", err)
			metrics.OutboxRelayed.WithLabelValues("malformed").Inc()
			if err := r.store.OutboxMarkSent(ctx, row.ID); err != nil {
				slog.Error("Failed to mark malformed row", "rowId", row.ID, "error", err)
			}
			return
		}
	}

	if err := r.driver.Enqueue(ctx, row.Topic, row.Payload, nil); err != nil {
		// Leave the row unsent; the next tick retries it.
		slog.Warn("Outbox enqueue failed, will retry",
			"rowId", row.ID,
			"topic", row.Topic,
			"error", err)
		metrics.OutboxRelayed.WithLabelValues("enqueue_failed").Inc()
		return
	}

	if err := r.store.OutboxMarkSent(ctx, row.ID); err != nil {
		// The enqueue landed but the mark didn't; the row is re-sent next
		// tick and consumers de-duplicate.
		slog.Error("Failed to mark outbox row sent", "rowId", row.ID, "error", err)
		return
	}
	metrics.OutboxRelayed.WithLabelValues("sent").Inc()
}
