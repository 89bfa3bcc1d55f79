package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.stepflow.dev/internal/store"
)

// DefaultRegistry builds the registry of built-in tool handlers.
func DefaultRegistry(s store.Store) *Registry {
	return NewRegistry(
		NewEchoHandler(s),
		NewFailHandler(),
		NewSleepHandler(),
		NewHTTPFetchHandler(s),
	)
}

// EchoHandler serves test:echo: it reflects the step inputs back as outputs.
type EchoHandler struct {
	store store.Store
}

func NewEchoHandler(s store.Store) *EchoHandler {
	return &EchoHandler{store: s}
}

func (h *EchoHandler) Matches(tool string) bool { return tool == "test:echo" }

func (h *EchoHandler) Execute(ctx context.Context, runID string, step *store.Step) error {
	outputs, err := json.Marshal(map[string]json.RawMessage{
		"echo": nonNullJSON(step.Inputs),
	})
	if err != nil {
		return fmt.Errorf("echo outputs: %w", err)
	}
	return h.store.UpdateStep(ctx, step.ID, store.StepPatch{Outputs: outputs})
}

// FailHandler serves test:fail: it fails deterministically.
type FailHandler struct{}

func NewFailHandler() *FailHandler { return &FailHandler{} }

func (h *FailHandler) Matches(tool string) bool { return tool == "test:fail" }

func (h *FailHandler) Execute(ctx context.Context, runID string, step *store.Step) error {
	return errors.New("simulated failure")
}

// SleepHandler serves test:sleep: it sleeps inputs.ms, honoring cancellation.
type SleepHandler struct{}

func NewSleepHandler() *SleepHandler { return &SleepHandler{} }

func (h *SleepHandler) Matches(tool string) bool { return tool == "test:sleep" }

func (h *SleepHandler) Execute(ctx context.Context, runID string, step *store.Step) error {
	var inputs struct {
		Ms int `json:"ms"`
	}
	if len(step.Inputs) > 0 {
		if err := json.Unmarshal(step.Inputs, &inputs); err != nil {
			return fmt.Errorf("sleep inputs: %w", err)
		}
	}

	select {
	case <-time.After(time.Duration(inputs.Ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPFetchHandler serves http:fetch: GET/POST against inputs.url with a
// per-host circuit breaker and a global request rate limit.
type HTTPFetchHandler struct {
	store   store.Store
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// maxFetchBody caps the response bytes persisted into step outputs.
const maxFetchBody = 64 * 1024

func NewHTTPFetchHandler(s store.Store) *HTTPFetchHandler {
	return &HTTPFetchHandler{
		store:    s,
		client:   &http.Client{Timeout: 20 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTPFetchHandler) Matches(tool string) bool { return tool == "http:fetch" }

func (h *HTTPFetchHandler) Execute(ctx context.Context, runID string, step *store.Step) error {
	var inputs struct {
		URL    string          `json:"url"`
		Method string          `json:"method"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(step.Inputs, &inputs); err != nil {
		return fmt.Errorf("fetch inputs: %w", err)
	}
	if inputs.URL == "" {
		return errors.New("fetch requires url")
	}
	parsed, err := url.Parse(inputs.URL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("fetch url invalid: %q", inputs.URL)
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	result, err := h.breaker(parsed.Host).Execute(func() (any, error) {
		return h.doRequest(ctx, inputs.Method, inputs.URL, inputs.Body)
	})
	if err != nil {
		return err
	}

	outputs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("fetch outputs: %w", err)
	}
	return h.store.UpdateStep(ctx, step.ID, store.StepPatch{Outputs: outputs})
}

func (h *HTTPFetchHandler) doRequest(ctx context.Context, method, rawURL string, body json.RawMessage) (map[string]any, error) {
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("fetch %s: upstream returned %d", rawURL, resp.StatusCode)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}, nil
}

func (h *HTTPFetchHandler) breaker(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Fetch circuit breaker state change",
				"host", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	h.breakers[host] = cb
	return cb
}

func nonNullJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
