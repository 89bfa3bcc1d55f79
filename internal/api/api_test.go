package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.stepflow.dev/internal/common/health"
	"go.stepflow.dev/internal/handler"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/runner"
	"go.stepflow.dev/internal/store"
)

type fixture struct {
	store  *store.MemoryStore
	driver *queue.MemoryDriver
	server *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	s := store.NewMemoryStore()
	d := queue.NewMemoryDriver()
	t.Cleanup(func() { d.Close() })

	r := runner.New(s, d, handler.DefaultRegistry(s))
	checker := health.NewChecker()
	checker.AddReadinessCheck(health.StoreCheck(func() error { return nil }))

	srv := NewServer(s, d, r, checker, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{store: s, driver: d, server: ts}
}

func defaultConfig() Config {
	return Config{HealthEnabled: true}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	return out
}

const simplePlan = `{"plan":{"goal":"demo","steps":[{"name":"echo","tool":"test:echo","inputs":{"foo":"bar"}}]}}`

func TestCreateRun(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp := f.post(t, "/runs", simplePlan, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	body := decode[map[string]any](t, resp)
	runID, _ := body["id"].(string)
	if runID == "" || body["status"] != "queued" {
		t.Fatalf("Unexpected body: %v", body)
	}

	// Step enqueued on step.ready
	counts, _ := f.driver.GetCounts(t.Context(), queue.TopicStepReady)
	if counts.Pending != 1 {
		t.Errorf("Expected 1 pending job, got %+v", counts)
	}

	// Run readable with its steps
	getResp := f.get(t, "/runs/"+runID)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", getResp.StatusCode)
	}
	var runBody struct {
		Run   store.Run    `json:"run"`
		Steps []store.Step `json:"steps"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&runBody); err != nil {
		t.Fatalf("Invalid run body: %v", err)
	}
	getResp.Body.Close()
	if len(runBody.Steps) != 1 || runBody.Steps[0].Name != "echo" {
		t.Errorf("Unexpected steps: %+v", runBody.Steps)
	}
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(t, defaultConfig())

	cases := map[string]string{
		"empty steps":    `{"plan":{"goal":"g","steps":[]}}`,
		"missing tool":   `{"plan":{"steps":[{"name":"a"}]}}`,
		"duplicate name": `{"plan":{"steps":[{"name":"a","tool":"t"},{"name":"a","tool":"t"}]}}`,
		"not json":       `{{{`,
	}
	for name, body := range cases {
		resp := f.post(t, "/runs", body, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

func TestCreateRunIdempotencyReplay(t *testing.T) {
	f := newFixture(t, defaultConfig())
	headers := map[string]string{"X-Idempotency-Key": "create-1"}

	first := f.post(t, "/runs", simplePlan, headers)
	firstBody := decode[map[string]any](t, first)
	if first.Header.Get("X-Idempotency-Replayed") != "" {
		t.Error("First request must not be a replay")
	}

	second := f.post(t, "/runs", simplePlan, headers)
	secondBody := decode[map[string]any](t, second)

	if second.Header.Get("X-Idempotency-Replayed") != "true" {
		t.Error("Second request must carry the replay header")
	}
	if second.Header.Get("X-Idempotency-Original-Date") == "" {
		t.Error("Replay must carry the original date")
	}
	if firstBody["id"] != secondBody["id"] {
		t.Errorf("Replay must return the original response: %v vs %v", firstBody, secondBody)
	}

	// Only one job enqueued: the replay created nothing
	counts, _ := f.driver.GetCounts(t.Context(), queue.TopicStepReady)
	if counts.Pending != 1 {
		t.Errorf("Replay must not enqueue again, got %+v", counts)
	}
}

func TestInvalidIdempotencyKey(t *testing.T) {
	f := newFixture(t, defaultConfig())

	for _, key := range []string{"bad key", "ümlaut", strings.Repeat("x", 256)} {
		resp := f.post(t, "/runs", simplePlan, map[string]string{"X-Idempotency-Key": key})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Key %q: expected 400, got %d", key, resp.StatusCode)
		}
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp := f.get(t, "/runs/run_missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestRetryStepEndpoint(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp := f.post(t, "/runs", simplePlan, nil)
	body := decode[map[string]any](t, resp)
	runID := body["id"].(string)

	steps, _ := f.store.ListStepsByRun(t.Context(), runID)
	if len(steps) != 1 {
		t.Fatalf("Expected 1 step, got %d", len(steps))
	}

	retryResp := f.post(t, "/runs/"+runID+"/steps/"+steps[0].ID+"/retry", `{}`, nil)
	retryResp.Body.Close()
	if retryResp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", retryResp.StatusCode)
	}

	missing := f.post(t, "/runs/"+runID+"/steps/step_missing/retry", `{}`, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", missing.StatusCode)
	}
}

func TestCancelRunEndpoint(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp := f.post(t, "/runs", simplePlan, nil)
	body := decode[map[string]any](t, resp)
	runID := body["id"].(string)

	cancelResp := f.post(t, "/runs/"+runID+"/cancel", `{}`, nil)
	cancelBody := decode[map[string]any](t, cancelResp)
	if cancelBody["status"] != "cancelled" {
		t.Errorf("Expected cancelled, got %v", cancelBody)
	}

	run, _ := f.store.GetRun(t.Context(), runID)
	if run.Status != store.RunCancelled {
		t.Errorf("Run should be cancelled, got %s", run.Status)
	}
}

func TestQueueCountsEndpoint(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.post(t, "/runs", simplePlan, nil).Body.Close()

	resp := f.get(t, "/dev/queue")
	body := decode[map[string]any](t, resp)

	if body["topic"] != queue.TopicStepReady {
		t.Errorf("Unexpected topic: %v", body["topic"])
	}
	counts, ok := body["counts"].(map[string]any)
	if !ok || counts["pending"].(float64) != 1 {
		t.Errorf("Unexpected counts: %v", body["counts"])
	}
}

func TestDLQEndpoints(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp := f.get(t, "/dev/dlq")
	body := decode[map[string]any](t, resp)
	if body["count"].(float64) != 0 {
		t.Errorf("Expected empty DLQ, got %v", body)
	}

	// Clamp: max beyond 500 is accepted and clamped
	re := f.post(t, "/dev/dlq/rehydrate", `{"max":10000}`, nil)
	reBody := decode[map[string]any](t, re)
	if reBody["moved"].(float64) != 0 {
		t.Errorf("Expected 0 moved, got %v", reBody)
	}

	bad := f.post(t, "/dev/dlq/rehydrate", `nope`, nil)
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", bad.StatusCode)
	}
}

func TestSoftCeilingRejectsOnSaturation(t *testing.T) {
	f := newFixture(t, Config{SoftCeiling: 1, HealthEnabled: true})

	first := f.post(t, "/runs", simplePlan, nil)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("First run should land, got %d", first.StatusCode)
	}

	second := f.post(t, "/runs", simplePlan, nil)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Saturated queue should reject, got %d", second.StatusCode)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t, defaultConfig())

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp := f.get(t, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	resp := f.get(t, "/metrics")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics: expected 200, got %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	text := buf.String()
	for _, series := range []string{"worker_uptime_seconds", "worker_processed_total", "worker_errors_total", "worker_queue_depth", "worker_memory_heap_used_bytes"} {
		if !strings.Contains(text, series) {
			t.Errorf("/metrics missing %s", series)
		}
	}
}

func TestEndToEndRunThroughWorkerlessRunner(t *testing.T) {
	// Exercise the create→execute→succeed path by draining the queue with a
	// subscription, the way the worker does.
	f := newFixture(t, defaultConfig())

	resp := f.post(t, "/runs", simplePlan, nil)
	body := decode[map[string]any](t, resp)
	runID := body["id"].(string)

	r := runner.New(f.store, f.driver, handler.DefaultRegistry(f.store))
	ctx := t.Context()
	f.driver.Subscribe(ctx, queue.TopicStepReady, func(ctx2 context.Context, payload json.RawMessage) error {
		env, err := queue.DecodeStepReady(payload)
		if err != nil {
			return err
		}
		return r.RunStep(ctx2, env.RunID, env.StepID)
	}, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, _ := f.store.GetRun(ctx, runID)
		if run.Status == store.RunSucceeded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Run never succeeded")
}
