// Package worker consumes the step.ready topic: each envelope passes the
// idempotency inbox, races the runner against the step timeout, and emits
// the outcome into the store's outbox for downstream fan-out.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/inbox"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/runner"
	"go.stepflow.dev/internal/store"
)

// ErrStepTimeout marks a delivery that lost the timeout race.
var ErrStepTimeout = errors.New("step timeout")

// Config tunes the worker loop
type Config struct {
	// Concurrency is the max in-flight messages in this process
	Concurrency int

	// StepTimeout is the per-step wall-clock cap
	StepTimeout time.Duration

	// HeartbeatInterval is the liveness write cadence
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		StepTimeout:       30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	}
}

// Worker subscribes to step.ready and drives the runner.
type Worker struct {
	config    Config
	store     store.Store
	driver    queue.Driver
	runner    *runner.Runner
	guard     *inbox.Guard
	heartbeat *Heartbeat

	gaugeCancel context.CancelFunc
	gaugeDone   chan struct{}
}

// New creates a worker. The heartbeat sink selection follows the driver:
// Redis-backed deployments get a cross-process heartbeat, others a local one.
func New(s store.Store, d queue.Driver, r *runner.Runner, sink HeartbeatSink, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if sink == nil {
		sink = NewLocalHeartbeat()
	}

	return &Worker{
		config:    cfg,
		store:     s,
		driver:    d,
		runner:    r,
		guard:     inbox.NewGuard(s),
		heartbeat: NewHeartbeat(sink, cfg.HeartbeatInterval),
	}
}

// Start subscribes to step.ready and starts the heartbeat and the
// queue-depth gauge loop.
func (w *Worker) Start(ctx context.Context) error {
	err := w.driver.Subscribe(ctx, queue.TopicStepReady, w.handle, &queue.SubscribeOptions{
		Concurrency: w.config.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("subscribe step.ready: %w", err)
	}

	w.heartbeat.Start()

	gaugeCtx, cancel := context.WithCancel(context.Background())
	w.gaugeCancel = cancel
	w.gaugeDone = make(chan struct{})
	go w.runGaugeUpdater(gaugeCtx)

	slog.Info("Worker started",
		"driver", w.driver.Name(),
		"concurrency", w.config.Concurrency,
		"stepTimeout", w.config.StepTimeout)
	return nil
}

// Stop stops the heartbeat and gauge loops. In-flight messages finish under
// the subscription context.
func (w *Worker) Stop() {
	w.heartbeat.Stop()
	if w.gaugeCancel != nil {
		w.gaugeCancel()
		<-w.gaugeDone
	}
}

// Heartbeat exposes the heartbeat for the health surface
func (w *Worker) Heartbeat() *Heartbeat {
	return w.heartbeat
}

// handle processes one step.ready delivery.
func (w *Worker) handle(ctx context.Context, payload json.RawMessage) error {
	env, err := queue.DecodeStepReady(payload)
	if err != nil {
		// Programmer error: let the delivery burn its attempts into the DLQ
		// where the malformed payload is preserved.
		slog.Error("Malformed step.ready envelope", "error", err)
		return err
	}

	retryCount := env.Attempt - 1
	if retryCount < 0 {
		retryCount = 0
	}
	log := slog.With("runId", env.RunID, "stepId", env.StepID, "retryCount", retryCount)

	step, err := w.store.GetStep(ctx, env.StepID)
	if err != nil {
		return fmt.Errorf("load step for envelope: %w", err)
	}

	// Envelope-layer inbox: replays of the same logical delivery collapse
	// onto one execution.
	envelopeKey := inbox.EnvelopeKey(env.IdempotencyKey, step)
	fresh, err := w.guard.Acquire(ctx, inbox.ScopeEnvelope, envelopeKey)
	if err != nil {
		return fmt.Errorf("acquire envelope key: %w", err)
	}
	if !fresh {
		return nil
	}
	defer w.guard.Release(context.WithoutCancel(ctx), envelopeKey)

	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	runErr := w.raceStep(ctx, env.RunID, env.StepID)

	if runErr == nil {
		w.emitOutbox(ctx, queue.OutboxEnvelope{
			RunID:  env.RunID,
			Type:   store.EventStepSucceeded,
			StepID: env.StepID,
		})
		metrics.WorkerProcessed.Inc()
		return nil
	}

	if errors.Is(runErr, ErrStepTimeout) {
		log.Warn("Step timed out", "timeout", w.config.StepTimeout)
		if err := w.runner.MarkStepTimedOut(ctx, env.RunID, env.StepID, w.config.StepTimeout); err != nil {
			log.Error("Failed to mark step timed out", "error", err)
		}
	} else {
		log.Warn("Step failed", "error", runErr)
	}

	w.emitOutbox(ctx, queue.OutboxEnvelope{
		RunID:   env.RunID,
		Type:    store.EventStepFailed,
		StepID:  env.StepID,
		Payload: mustJSON(map[string]string{"error": runErr.Error()}),
	})
	metrics.WorkerErrors.Inc()
	return runErr
}

// raceStep runs the step against the timeout. The runner gets a context that
// is cancelled at the deadline (cooperative cancellation); the race fires
// regardless of whether the handler honors it.
func (w *Worker) raceStep(ctx context.Context, runID, stepID string) error {
	runCtx, cancel := context.WithTimeout(ctx, w.config.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.runner.RunStep(runCtx, runID, stepID)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a step timeout
			return ctx.Err()
		}
		return ErrStepTimeout
	}
}

// emitOutbox appends the domain event for the relay. A failed append is
// logged and dropped rather than failing the delivery.
func (w *Worker) emitOutbox(ctx context.Context, env queue.OutboxEnvelope) {
	if _, err := w.store.OutboxAdd(context.WithoutCancel(ctx), queue.TopicOutbox, env); err != nil {
		slog.Error("Failed to append outbox row",
			"runId", env.RunID,
			"stepId", env.StepID,
			"type", env.Type,
			"error", err)
	}
}

func (w *Worker) runGaugeUpdater(ctx context.Context) {
	defer close(w.gaugeDone)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := w.driver.GetCounts(ctx, queue.TopicStepReady)
			if err != nil {
				continue
			}
			metrics.WorkerQueueDepth.Set(float64(counts.Pending + counts.Delayed))

			if age, ok, err := w.driver.OldestAge(ctx, queue.TopicStepReady); err == nil && ok {
				metrics.QueueOldestAge.WithLabelValues(queue.TopicStepReady).Set(age.Seconds())
			} else {
				metrics.QueueOldestAge.WithLabelValues(queue.TopicStepReady).Set(0)
			}
		}
	}
}

func mustJSON(v map[string]string) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
