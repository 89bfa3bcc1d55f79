// Package runner is the dispatch state machine: it loads a step, enforces
// dependencies and policy, leases the execution inbox, invokes the matching
// tool handler and transitions step and run state, emitting domain events
// along the way.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/handler"
	"go.stepflow.dev/internal/inbox"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/store"
)

// ErrNoHandler marks a step whose tool has no registered handler. Fatal and
// deterministic: retrying cannot help.
var ErrNoHandler = errors.New("no handler for tool")

// dependencyRetryDelay is how long an unmet-dependency step waits before its
// next readiness check.
const dependencyRetryDelay = 2 * time.Second

// Runner executes steps. It holds no per-step state; everything lives in the
// store, the queue and the inbox.
type Runner struct {
	store    store.Store
	driver   queue.Driver
	registry *handler.Registry
	guard    *inbox.Guard
}

// New creates a runner
func New(s store.Store, d queue.Driver, registry *handler.Registry) *Runner {
	return &Runner{
		store:    s,
		driver:   d,
		registry: registry,
		guard:    inbox.NewGuard(s),
	}
}

// RunStep executes one step to a terminal or waiting state. A returned error
// signals the queue driver to retry the delivery; policy denial and unmet
// dependencies (handled via requeue) return nil. A missing handler fails the
// step and the run and returns ErrNoHandler.
func (r *Runner) RunStep(ctx context.Context, runID, stepID string) error {
	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("run step: %w", err)
	}

	// Succeeded and cancelled are sinks; a re-delivery of finished work is a
	// no-op. Failed and timed_out steps re-execute: the queue driver's retry
	// redelivers them until the attempt budget sends the job to the DLQ.
	if step.Status == store.StepSucceeded || step.Status == store.StepCancelled {
		slog.Info("Step already terminal, skipping",
			"stepId", stepID,
			"status", step.Status)
		return nil
	}

	// Second-layer lease: two workers may hold the same message when a
	// redelivery overlaps a slow first delivery.
	leaseKey := inbox.ExecutionKey(stepID)
	acquired, err := r.guard.Acquire(ctx, inbox.ScopeExecution, leaseKey)
	if err != nil {
		return fmt.Errorf("acquire execution lease: %w", err)
	}
	if !acquired {
		return nil
	}
	defer r.guard.Release(context.WithoutCancel(ctx), leaseKey)

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run step: %w", err)
	}
	if run.Status == store.RunCancelled {
		// Cancellation skips execution; the step is cancelled by the cancel
		// path, not here.
		slog.Info("Run cancelled, skipping step", "runId", runID, "stepId", stepID)
		return nil
	}

	directives := step.Directives()

	ok, err := r.checkDependencies(ctx, run, step, directives.DependsOn)
	if err != nil || !ok {
		return err
	}

	if denied := r.enforcePolicy(ctx, run, step, directives.Policy); denied {
		return nil
	}

	h := r.registry.Find(step.Tool)
	if h == nil {
		if err := r.failStep(ctx, step, map[string]any{
			"error": "no handler for tool",
			"tool":  step.Tool,
		}); err != nil {
			return err
		}
		r.failRun(ctx, runID, map[string]any{"reason": "no handler", "stepId": stepID})
		return fmt.Errorf("%w: %s", ErrNoHandler, step.Tool)
	}

	if err := r.markStarted(ctx, run, step); err != nil {
		return err
	}

	start := time.Now()
	execErr := h.Execute(ctx, runID, step)
	r.observe(step.Tool, execErr, time.Since(start))

	if execErr != nil {
		return r.handleFailure(ctx, runID, step, execErr)
	}
	return r.handleSuccess(ctx, runID, step)
}

// checkDependencies requires every named sibling to be succeeded or
// cancelled. Unmet dependencies requeue the step with a delay; ok=false
// tells the caller to stop without error.
func (r *Runner) checkDependencies(ctx context.Context, run *store.Run, step *store.Step, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}

	siblings, err := r.store.ListStepsByRun(ctx, step.RunID)
	if err != nil {
		return false, fmt.Errorf("load dependencies: %w", err)
	}

	byName := make(map[string]*store.Step, len(siblings))
	for _, s := range siblings {
		byName[s.Name] = s
	}

	var unmet []string
	for _, name := range deps {
		dep, exists := byName[name]
		if !exists {
			unmet = append(unmet, name)
			continue
		}
		// A cancelled prerequisite counts as satisfied: the dependent step
		// gets to decide what absence means.
		if dep.Status != store.StepSucceeded && dep.Status != store.StepCancelled {
			unmet = append(unmet, name)
		}
	}
	if len(unmet) == 0 {
		return true, nil
	}

	slog.Info("Step waiting on dependencies",
		"runId", step.RunID,
		"stepId", step.ID,
		"deps", unmet)

	if err := r.store.RecordEvent(ctx, step.RunID, store.EventStepWaiting, map[string]any{
		"reason": "deps_not_ready",
		"deps":   unmet,
	}, step.ID); err != nil {
		return false, err
	}

	err = r.driver.Enqueue(ctx, queue.TopicStepReady, queue.StepReadyEnvelope{
		RunID:          step.RunID,
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
		Attempt:        1,
	}, &queue.EnqueueOptions{Delay: dependencyRetryDelay})
	if err != nil {
		return false, fmt.Errorf("requeue waiting step: %w", err)
	}
	return false, nil
}

// enforcePolicy fails the step and run when the tool is not in the step's
// allowlist. An empty list means no restriction.
func (r *Runner) enforcePolicy(ctx context.Context, run *store.Run, step *store.Step, policy *store.Policy) bool {
	if policy == nil || len(policy.ToolsAllowed) == 0 {
		return false
	}
	for _, tool := range policy.ToolsAllowed {
		if tool == step.Tool {
			return false
		}
	}

	slog.Warn("Policy denied tool",
		"runId", step.RunID,
		"stepId", step.ID,
		"tool", step.Tool,
		"toolsAllowed", policy.ToolsAllowed)

	if err := r.store.RecordEvent(ctx, step.RunID, store.EventPolicyDenied, map[string]any{
		"tool":         step.Tool,
		"toolsAllowed": policy.ToolsAllowed,
	}, step.ID); err != nil {
		slog.Error("Failed to record policy denial", "error", err)
	}

	if err := r.failStep(ctx, step, map[string]any{
		"error":        "policy: tool not allowed",
		"tool":         step.Tool,
		"toolsAllowed": policy.ToolsAllowed,
	}); err != nil {
		slog.Error("Failed to fail policy-denied step", "error", err)
	}

	r.failRun(ctx, step.RunID, map[string]any{"reason": "policy_denied", "stepId": step.ID})
	return true
}

// markStarted moves the step to running and, for the run's first step, the
// run to running.
func (r *Runner) markStarted(ctx context.Context, run *store.Run, step *store.Step) error {
	now := time.Now()
	running := store.StepRunning
	if err := r.store.UpdateStep(ctx, step.ID, store.StepPatch{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	if run.Status == store.RunQueued {
		runRunning := store.RunRunning
		if err := r.store.UpdateRun(ctx, run.ID, store.RunPatch{
			Status:    &runRunning,
			StartedAt: &now,
		}); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
	}

	return r.store.RecordEvent(ctx, step.RunID, store.EventStepStarted, map[string]any{
		"tool": step.Tool,
	}, step.ID)
}

func (r *Runner) handleSuccess(ctx context.Context, runID string, step *store.Step) error {
	// A handler that finishes after losing the timeout race, or after an
	// external cancel, must not overwrite the terminal state.
	current, err := r.store.GetStep(ctx, step.ID)
	if err != nil {
		return fmt.Errorf("reload step after success: %w", err)
	}
	if current.Status == store.StepTimedOut || current.Status == store.StepCancelled {
		slog.Info("Late handler success ignored",
			"stepId", step.ID,
			"status", current.Status)
		return nil
	}

	now := time.Now()
	succeeded := store.StepSucceeded
	if err := r.store.UpdateStep(ctx, step.ID, store.StepPatch{
		Status:  &succeeded,
		EndedAt: &now,
	}); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}

	if err := r.store.RecordEvent(ctx, runID, store.EventStepSucceeded, nil, step.ID); err != nil {
		slog.Error("Failed to record step success", "stepId", step.ID, "error", err)
	}

	remaining, err := r.store.CountRemainingSteps(ctx, runID)
	if err != nil {
		return fmt.Errorf("count remaining steps: %w", err)
	}
	if remaining == 0 {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		// A cancelled run stays cancelled even when its last step finished.
		if !run.Status.Terminal() {
			runSucceeded := store.RunSucceeded
			if err := r.store.UpdateRun(ctx, runID, store.RunPatch{
				Status:  &runSucceeded,
				EndedAt: &now,
			}); err != nil {
				return fmt.Errorf("mark run succeeded: %w", err)
			}
			if err := r.store.RecordEvent(ctx, runID, store.EventRunSucceeded, nil, ""); err != nil {
				slog.Error("Failed to record run success", "runId", runID, "error", err)
			}
		}
	}
	return nil
}

// handleFailure transitions the step and run, then rethrows so the queue
// driver schedules a retry.
func (r *Runner) handleFailure(ctx context.Context, runID string, step *store.Step, execErr error) error {
	// timed_out has precedence: the worker's race may already have marked
	// the step while the handler was still unwinding. Cancelled likewise
	// stays put.
	current, err := r.store.GetStep(ctx, step.ID)
	if err == nil && (current.Status == store.StepTimedOut || current.Status == store.StepCancelled) {
		slog.Info("Step already terminal, keeping its state",
			"stepId", step.ID,
			"status", current.Status)
		return execErr
	}

	if err := r.failStep(ctx, step, map[string]any{"error": execErr.Error()}); err != nil {
		slog.Error("Failed to mark step failed", "stepId", step.ID, "error", err)
	}
	r.failRun(ctx, runID, map[string]any{"reason": "step failed", "stepId": step.ID})
	return execErr
}

// failStep marks the step failed with the given outputs and records
// step.failed.
func (r *Runner) failStep(ctx context.Context, step *store.Step, outputs map[string]any) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal failure outputs: %w", err)
	}

	now := time.Now()
	failed := store.StepFailed
	if err := r.store.UpdateStep(ctx, step.ID, store.StepPatch{
		Status:  &failed,
		Outputs: data,
		EndedAt: &now,
	}); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}

	if err := r.store.RecordEvent(ctx, step.RunID, store.EventStepFailed, outputs, step.ID); err != nil {
		slog.Error("Failed to record step failure", "stepId", step.ID, "error", err)
	}
	return nil
}

// failRun fails the run unless it is already terminal.
func (r *Runner) failRun(ctx context.Context, runID string, payload map[string]any) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("Failed to load run for failure", "runId", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}

	now := time.Now()
	failed := store.RunFailed
	if err := r.store.UpdateRun(ctx, runID, store.RunPatch{
		Status:  &failed,
		EndedAt: &now,
	}); err != nil {
		slog.Error("Failed to mark run failed", "runId", runID, "error", err)
		return
	}
	if err := r.store.RecordEvent(ctx, runID, store.EventRunFailed, payload, ""); err != nil {
		slog.Error("Failed to record run failure", "runId", runID, "error", err)
	}
}

func (r *Runner) observe(tool string, execErr error, elapsed time.Duration) {
	status := "succeeded"
	if execErr != nil {
		status = "failed"
	}
	metrics.StepDuration.WithLabelValues(tool, status).Observe(elapsed.Seconds())
	metrics.StepsTotal.WithLabelValues(status).Inc()
}
