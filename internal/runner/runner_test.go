package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.stepflow.dev/internal/handler"
	"go.stepflow.dev/internal/inbox"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/store"
)

type fixture struct {
	store  *store.MemoryStore
	driver *queue.MemoryDriver
	runner *Runner
}

func newFixture(t *testing.T, handlers ...handler.Handler) *fixture {
	t.Helper()

	s := store.NewMemoryStore()
	d := queue.NewMemoryDriver()
	t.Cleanup(func() { d.Close() })

	registry := handler.DefaultRegistry(s)
	if len(handlers) > 0 {
		registry = handler.NewRegistry(handlers...)
	}

	return &fixture{
		store:  s,
		driver: d,
		runner: New(s, d, registry),
	}
}

func (f *fixture) createRun(t *testing.T, runID string, steps ...*store.Step) {
	t.Helper()
	ctx := context.Background()

	specs := make([]store.StepSpec, 0, len(steps))
	for _, s := range steps {
		specs = append(specs, store.StepSpec{Name: s.Name, Tool: s.Tool, Inputs: s.Inputs})
	}

	run := &store.Run{
		ID:        runID,
		Status:    store.RunQueued,
		Plan:      store.Plan{Goal: "test", Steps: specs},
		CreatedAt: time.Now(),
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	for _, s := range steps {
		s.RunID = runID
		if s.Status == "" {
			s.Status = store.StepQueued
		}
		s.CreatedAt = time.Now()
		if err := f.store.CreateStep(ctx, s); err != nil {
			t.Fatalf("CreateStep failed: %v", err)
		}
	}
}

func (f *fixture) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := f.store.ListEventsByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListEventsByRun failed: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func countEvent(types []string, want string) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestRunStepHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{
		ID:     "step_1",
		Name:   "echo",
		Tool:   "test:echo",
		Inputs: json.RawMessage(`{"foo":"bar"}`),
	})

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepSucceeded {
		t.Errorf("Expected succeeded, got %s", step.Status)
	}
	if step.EndedAt == nil {
		t.Error("Terminal step must have ended_at")
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunSucceeded {
		t.Errorf("Expected run succeeded, got %s", run.Status)
	}

	remaining, _ := f.store.CountRemainingSteps(ctx, "run_1")
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}

	types := f.eventTypes(t, "run_1")
	if countEvent(types, store.EventStepStarted) != 1 {
		t.Errorf("Expected exactly one step.started, got %v", types)
	}
	if countEvent(types, store.EventStepSucceeded) != 1 {
		t.Errorf("Expected exactly one step.succeeded, got %v", types)
	}
	if !hasEvent(types, store.EventRunSucceeded) {
		t.Errorf("Expected run.succeeded, got %v", types)
	}
}

func TestRunStepExecutionLeaseBlocksConcurrentDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "echo", Tool: "test:echo"})

	// Another worker holds the lease
	guard := inbox.NewGuard(f.store)
	if ok, _ := guard.Acquire(ctx, inbox.ScopeExecution, inbox.ExecutionKey("step_1")); !ok {
		t.Fatal("Setup: lease acquisition failed")
	}

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("Duplicate delivery should be swallowed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepQueued {
		t.Errorf("Step must be untouched, got %s", step.Status)
	}
	if hasEvent(f.eventTypes(t, "run_1"), store.EventStepStarted) {
		t.Error("No step.started for a blocked delivery")
	}
}

func TestRunStepTerminalIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{
		ID: "step_1", Name: "echo", Tool: "test:echo", Status: store.StepSucceeded,
	})

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("Terminal step redelivery should be a no-op: %v", err)
	}
	if hasEvent(f.eventTypes(t, "run_1"), store.EventStepStarted) {
		t.Error("No events for a terminal redelivery")
	}
}

func TestRunStepNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.runner.RunStep(context.Background(), "run_1", "step_missing")
	if !errors.Is(err, store.ErrStepNotFound) {
		t.Errorf("Expected step-not-found, got %v", err)
	}
}

func TestRunStepDependenciesUnmet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1",
		&store.Step{ID: "step_a", Name: "first", Tool: "test:echo"},
		&store.Step{
			ID:     "step_b",
			Name:   "second",
			Tool:   "test:echo",
			Inputs: json.RawMessage(`{"_dependsOn":["first"]}`),
		},
	)

	if err := f.runner.RunStep(ctx, "run_1", "step_b"); err != nil {
		t.Fatalf("Unmet dependency should not error: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_b")
	if step.Status != store.StepQueued {
		t.Errorf("Waiting step must not start, got %s", step.Status)
	}
	if !hasEvent(f.eventTypes(t, "run_1"), store.EventStepWaiting) {
		t.Error("Expected step.waiting event")
	}

	// Requeued with a delay
	counts, _ := f.driver.GetCounts(ctx, queue.TopicStepReady)
	if counts.Delayed != 1 {
		t.Errorf("Expected 1 delayed requeue, got %+v", counts)
	}

	// Lease released: a later delivery can proceed
	guard := inbox.NewGuard(f.store)
	if ok, _ := guard.Acquire(ctx, inbox.ScopeExecution, inbox.ExecutionKey("step_b")); !ok {
		t.Error("Lease should be released after a waiting requeue")
	}
}

func TestRunStepDependencyOnCancelledIsSatisfied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1",
		&store.Step{ID: "step_a", Name: "first", Tool: "test:echo", Status: store.StepCancelled},
		&store.Step{
			ID:     "step_b",
			Name:   "second",
			Tool:   "test:echo",
			Inputs: json.RawMessage(`{"_dependsOn":["first"]}`),
		},
	)

	if err := f.runner.RunStep(ctx, "run_1", "step_b"); err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_b")
	if step.Status != store.StepSucceeded {
		t.Errorf("Cancelled prerequisite counts as satisfied, got %s", step.Status)
	}
}

func TestRunStepPolicyDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{
		ID:     "step_1",
		Name:   "shelly",
		Tool:   "shell:exec",
		Inputs: json.RawMessage(`{"_policy":{"tools_allowed":["test:echo"]}}`),
	})

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("Policy denial is deterministic, no retry error expected: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepFailed {
		t.Fatalf("Expected failed, got %s", step.Status)
	}

	var outputs struct {
		Error        string   `json:"error"`
		Tool         string   `json:"tool"`
		ToolsAllowed []string `json:"toolsAllowed"`
	}
	json.Unmarshal(step.Outputs, &outputs)
	if outputs.Error != "policy: tool not allowed" || outputs.Tool != "shell:exec" {
		t.Errorf("Unexpected outputs: %+v", outputs)
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunFailed {
		t.Errorf("Expected run failed, got %s", run.Status)
	}

	types := f.eventTypes(t, "run_1")
	for _, want := range []string{store.EventPolicyDenied, store.EventStepFailed, store.EventRunFailed} {
		if !hasEvent(types, want) {
			t.Errorf("Missing event %s in %v", want, types)
		}
	}
}

func TestRunStepEmptyPolicyMeansNoRestriction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{
		ID:     "step_1",
		Name:   "echo",
		Tool:   "test:echo",
		Inputs: json.RawMessage(`{"_policy":{"tools_allowed":[]}}`),
	})

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepSucceeded {
		t.Errorf("Empty allowlist must not deny, got %s", step.Status)
	}
}

func TestRunStepNoHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "x", Tool: "git:clone"})

	err := f.runner.RunStep(ctx, "run_1", "step_1")
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepFailed {
		t.Errorf("Expected failed, got %s", step.Status)
	}

	var outputs struct {
		Error string `json:"error"`
	}
	json.Unmarshal(step.Outputs, &outputs)
	if outputs.Error != "no handler for tool" {
		t.Errorf("Unexpected outputs: %s", step.Outputs)
	}
}

func TestRunStepHandlerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "boom", Tool: "test:fail"})

	err := f.runner.RunStep(ctx, "run_1", "step_1")
	if err == nil {
		t.Fatal("Handler failure must rethrow for queue retry")
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepFailed {
		t.Errorf("Expected failed, got %s", step.Status)
	}
	if step.EndedAt == nil {
		t.Error("Terminal step must have ended_at")
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunFailed {
		t.Errorf("Expected run failed, got %s", run.Status)
	}

	types := f.eventTypes(t, "run_1")
	if !hasEvent(types, store.EventStepFailed) || !hasEvent(types, store.EventRunFailed) {
		t.Errorf("Missing failure events: %v", types)
	}
}

func TestTimedOutPrecedence(t *testing.T) {
	var f *fixture

	// The handler times out from the worker's perspective mid-flight, then
	// fails; the timeout state must survive.
	raceHandler := handler.Func{
		Match: func(tool string) bool { return tool == "test:race" },
		Run: func(ctx context.Context, runID string, step *store.Step) error {
			if err := f.runner.MarkStepTimedOut(ctx, runID, step.ID, 1234*time.Millisecond); err != nil {
				t.Fatalf("MarkStepTimedOut failed: %v", err)
			}
			return errors.New("late handler failure")
		},
	}

	f = newFixture(t, raceHandler)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "race", Tool: "test:race"})

	if err := f.runner.RunStep(ctx, "run_1", "step_1"); err == nil {
		t.Fatal("Expected handler error to propagate")
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepTimedOut {
		t.Errorf("timed_out must not be overwritten by failed, got %s", step.Status)
	}

	var outputs struct {
		Error     string `json:"error"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	json.Unmarshal(step.Outputs, &outputs)
	if outputs.Error != "timeout" || outputs.TimeoutMs != 1234 {
		t.Errorf("Unexpected timeout outputs: %s", step.Outputs)
	}
}

func TestMarkStepTimedOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "slow", Tool: "test:sleep", Status: store.StepRunning})

	if err := f.runner.MarkStepTimedOut(ctx, "run_1", "step_1", 1234*time.Millisecond); err != nil {
		t.Fatalf("MarkStepTimedOut failed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepTimedOut {
		t.Errorf("Expected timed_out, got %s", step.Status)
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunFailed {
		t.Errorf("Expected run failed, got %s", run.Status)
	}

	types := f.eventTypes(t, "run_1")
	if !hasEvent(types, store.EventStepTimeout) {
		t.Errorf("Expected step.timeout event, got %v", types)
	}

	// Second call is idempotent: terminal states stay put
	if err := f.runner.MarkStepTimedOut(ctx, "run_1", "step_1", 1234*time.Millisecond); err != nil {
		t.Fatalf("Second MarkStepTimedOut failed: %v", err)
	}
	if countEvent(f.eventTypes(t, "run_1"), store.EventStepTimeout) != 1 {
		t.Error("Timeout event must not duplicate")
	}
}

func TestRetryStepResetsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "boom", Tool: "test:fail"})

	// Drive to terminal failure
	f.runner.RunStep(ctx, "run_1", "step_1")

	if err := f.runner.RetryStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("RetryStep failed: %v", err)
	}

	step, _ := f.store.GetStep(ctx, "step_1")
	if step.Status != store.StepQueued {
		t.Errorf("Expected queued, got %s", step.Status)
	}
	if step.EndedAt != nil {
		t.Error("ended_at must be cleared")
	}
	if string(step.Outputs) != `{}` {
		t.Errorf("Outputs must reset, got %s", step.Outputs)
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunQueued {
		t.Errorf("Failed run must resume to queued, got %s", run.Status)
	}
	if run.EndedAt != nil {
		t.Error("Run ended_at must be cleared")
	}

	types := f.eventTypes(t, "run_1")
	if !hasEvent(types, store.EventStepRetry) || !hasEvent(types, store.EventRunResumed) {
		t.Errorf("Missing recovery events: %v", types)
	}

	counts, _ := f.driver.GetCounts(ctx, queue.TopicStepReady)
	if counts.Pending != 1 {
		t.Errorf("Expected re-enqueued step.ready, got %+v", counts)
	}

	// Idempotent: second retry is safe
	if err := f.runner.RetryStep(ctx, "run_1", "step_1"); err != nil {
		t.Fatalf("Second RetryStep failed: %v", err)
	}
	if countEvent(f.eventTypes(t, "run_1"), store.EventRunResumed) != 1 {
		t.Error("run.resumed must not repeat for a non-failed run")
	}
}

func TestRetryStepWrongRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1", &store.Step{ID: "step_1", Name: "echo", Tool: "test:echo"})

	if err := f.runner.RetryStep(ctx, "run_other", "step_1"); err == nil {
		t.Error("Retry against the wrong run must fail")
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createRun(t, "run_1",
		&store.Step{ID: "step_a", Name: "done", Tool: "test:echo", Status: store.StepSucceeded},
		&store.Step{ID: "step_b", Name: "pending", Tool: "test:echo"},
		&store.Step{ID: "step_c", Name: "inflight", Tool: "test:echo", Status: store.StepRunning},
	)

	if err := f.runner.CancelRun(ctx, "run_1"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	run, _ := f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunCancelled {
		t.Errorf("Expected cancelled, got %s", run.Status)
	}

	done, _ := f.store.GetStep(ctx, "step_a")
	if done.Status != store.StepSucceeded {
		t.Error("Terminal steps must not be overwritten by cancel")
	}

	pending, _ := f.store.GetStep(ctx, "step_b")
	if pending.Status != store.StepCancelled {
		t.Errorf("Pending step should cancel, got %s", pending.Status)
	}
	if pending.EndedAt == nil {
		t.Error("Cancelled step must have ended_at")
	}

	// In-flight steps are not pre-empted by cancel
	inflight, _ := f.store.GetStep(ctx, "step_c")
	if inflight.Status != store.StepRunning {
		t.Errorf("Running step must be left alone, got %s", inflight.Status)
	}

	// A later delivery observes the cancelled run and skips execution
	if err := f.runner.RunStep(ctx, "run_1", "step_c"); err != nil {
		t.Fatalf("RunStep on cancelled run should no-op: %v", err)
	}
	run, _ = f.store.GetRun(ctx, "run_1")
	if run.Status != store.RunCancelled {
		t.Error("Cancelled run must stay cancelled")
	}

	// Idempotent
	if err := f.runner.CancelRun(ctx, "run_1"); err != nil {
		t.Fatalf("Second CancelRun failed: %v", err)
	}
	if countEvent(f.eventTypes(t, "run_1"), store.EventRunCancelled) != 1 {
		t.Error("run.cancelled must not repeat")
	}
}
