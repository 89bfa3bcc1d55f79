package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.stepflow.dev/internal/inbox"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/store"
)

// MarkStepTimedOut records a worker-race timeout: the step becomes
// timed_out (unless already terminal) and the run fails (unless already
// terminal). Idempotent across redeliveries.
func (r *Runner) MarkStepTimedOut(ctx context.Context, runID, stepID string, timeout time.Duration) error {
	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("mark step timed out: %w", err)
	}

	timeoutMs := timeout.Milliseconds()

	if !step.Status.Terminal() {
		outputs, err := json.Marshal(map[string]any{
			"error":     "timeout",
			"timeoutMs": timeoutMs,
		})
		if err != nil {
			return fmt.Errorf("marshal timeout outputs: %w", err)
		}

		now := time.Now()
		timedOut := store.StepTimedOut
		if err := r.store.UpdateStep(ctx, stepID, store.StepPatch{
			Status:  &timedOut,
			Outputs: outputs,
			EndedAt: &now,
		}); err != nil {
			return fmt.Errorf("mark step timed out: %w", err)
		}

		if err := r.store.RecordEvent(ctx, runID, store.EventStepTimeout, map[string]any{
			"timeoutMs": timeoutMs,
		}, stepID); err != nil {
			slog.Error("Failed to record step timeout", "stepId", stepID, "error", err)
		}
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("mark step timed out: %w", err)
	}
	if !run.Status.Terminal() {
		now := time.Now()
		failed := store.RunFailed
		if err := r.store.UpdateRun(ctx, runID, store.RunPatch{
			Status:  &failed,
			EndedAt: &now,
		}); err != nil {
			return fmt.Errorf("fail run after timeout: %w", err)
		}
		if err := r.store.RecordEvent(ctx, runID, store.EventRunFailed, map[string]any{
			"reason":    "timeout",
			"stepId":    stepID,
			"timeoutMs": timeoutMs,
		}, ""); err != nil {
			slog.Error("Failed to record run timeout failure", "runId", runID, "error", err)
		}
	}
	return nil
}

// RetryStep is the recovery operation: it resets a step to queued, resumes a
// terminal-failed run and re-enqueues the step. Idempotent: calling it on an
// already queued step re-enqueues at most one more delivery, and the inbox
// guards collapse duplicate executions.
func (r *Runner) RetryStep(ctx context.Context, runID, stepID string) error {
	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("retry step: %w", err)
	}
	if step.RunID != runID {
		return fmt.Errorf("retry step: step %s does not belong to run %s: %w", stepID, runID, store.ErrStepNotFound)
	}

	queued := store.StepQueued
	if err := r.store.UpdateStep(ctx, stepID, store.StepPatch{
		Status:       &queued,
		Outputs:      json.RawMessage(`{}`),
		ClearEndedAt: true,
	}); err != nil {
		return fmt.Errorf("reset step for retry: %w", err)
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("retry step: %w", err)
	}
	if run.Status == store.RunFailed {
		runQueued := store.RunQueued
		if err := r.store.UpdateRun(ctx, runID, store.RunPatch{
			Status:       &runQueued,
			ClearEndedAt: true,
		}); err != nil {
			return fmt.Errorf("resume run for retry: %w", err)
		}
		if err := r.store.RecordEvent(ctx, runID, store.EventRunResumed, nil, ""); err != nil {
			slog.Error("Failed to record run resume", "runId", runID, "error", err)
		}
	}

	if err := r.store.RecordEvent(ctx, runID, store.EventStepRetry, nil, stepID); err != nil {
		slog.Error("Failed to record step retry", "stepId", stepID, "error", err)
	}

	// The step-exec lease may linger from a crashed execution; clear it so
	// the retry can run.
	r.guard.Release(ctx, inbox.ExecutionKey(stepID))

	if err := r.driver.Enqueue(ctx, queue.TopicStepReady, queue.StepReadyEnvelope{
		RunID:          runID,
		StepID:         stepID,
		IdempotencyKey: step.IdempotencyKey,
		Attempt:        1,
	}, nil); err != nil {
		return fmt.Errorf("enqueue retried step: %w", err)
	}

	slog.Info("Step reset for retry", "runId", runID, "stepId", stepID)
	return nil
}

// CancelRun marks a run cancelled and cancels its non-terminal steps.
// In-flight handlers are not pre-empted; their completion callbacks observe
// the cancelled run and skip run-level transitions.
func (r *Runner) CancelRun(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}

	now := time.Now()
	cancelled := store.RunCancelled
	if err := r.store.UpdateRun(ctx, runID, store.RunPatch{
		Status:  &cancelled,
		EndedAt: &now,
	}); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	steps, err := r.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancel run steps: %w", err)
	}
	stepCancelled := store.StepCancelled
	cancelOutputs := json.RawMessage(`{"error":"cancelled"}`)
	for _, step := range steps {
		if step.Status.Terminal() || step.Status == store.StepRunning {
			// Running steps finish or time out on their own.
			continue
		}
		if err := r.store.UpdateStep(ctx, step.ID, store.StepPatch{
			Status:  &stepCancelled,
			Outputs: cancelOutputs,
			EndedAt: &now,
		}); err != nil {
			slog.Error("Failed to cancel step", "stepId", step.ID, "error", err)
		}
	}

	if err := r.store.RecordEvent(ctx, runID, store.EventRunCancelled, nil, ""); err != nil {
		slog.Error("Failed to record run cancellation", "runId", runID, "error", err)
	}
	return nil
}
