package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.stepflow.dev/internal/common/tsid"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/store"
)

type createRunRequest struct {
	Plan struct {
		Goal  string `json:"goal"`
		Steps []struct {
			Name   string          `json:"name"`
			Tool   string          `json:"tool"`
			Inputs json.RawMessage `json:"inputs"`
		} `json:"steps"`
	} `json:"plan"`
	Metadata json.RawMessage `json:"metadata"`
}

// handleCreateRun creates a run with its steps and enqueues every step.
// Steps with unmet dependencies park themselves via the runner's waiting
// requeue until their prerequisites finish.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Plan.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "plan requires at least one step")
		return
	}
	names := make(map[string]bool, len(req.Plan.Steps))
	for _, spec := range req.Plan.Steps {
		if spec.Name == "" || spec.Tool == "" {
			writeError(w, http.StatusBadRequest, "every step requires name and tool")
			return
		}
		if names[spec.Name] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("duplicate step name %q", spec.Name))
			return
		}
		names[spec.Name] = true
	}

	if s.config.SoftCeiling > 0 {
		counts, err := s.driver.GetCounts(r.Context(), queue.TopicStepReady)
		if err == nil && counts.Pending+counts.Delayed >= s.config.SoftCeiling {
			writeError(w, http.StatusTooManyRequests, "queue saturated")
			return
		}
	}

	ctx := r.Context()
	now := time.Now()

	run := &store.Run{
		ID:        tsid.NewRunID(),
		Status:    store.RunQueued,
		Metadata:  req.Metadata,
		CreatedAt: now,
	}
	run.Plan.Goal = req.Plan.Goal
	for _, spec := range req.Plan.Steps {
		run.Plan.Steps = append(run.Plan.Steps, store.StepSpec{
			Name:   spec.Name,
			Tool:   spec.Tool,
			Inputs: spec.Inputs,
		})
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	idempotencyKey := r.Header.Get(headerIdempotencyKey)

	steps := make([]*store.Step, 0, len(req.Plan.Steps))
	for _, spec := range req.Plan.Steps {
		step := &store.Step{
			ID:             tsid.NewStepID(),
			RunID:          run.ID,
			Name:           spec.Name,
			Tool:           spec.Tool,
			Inputs:         spec.Inputs,
			Status:         store.StepQueued,
			IdempotencyKey: deriveStepKey(idempotencyKey, spec.Name),
			CreatedAt:      now,
		}
		if err := s.store.CreateStep(ctx, step); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create step")
			return
		}
		steps = append(steps, step)
	}

	for _, step := range steps {
		err := s.driver.Enqueue(ctx, queue.TopicStepReady, queue.StepReadyEnvelope{
			RunID:          run.ID,
			StepID:         step.ID,
			IdempotencyKey: step.IdempotencyKey,
			Attempt:        1,
		}, nil)
		if err != nil {
			slog.Error("Failed to enqueue step",
				"runId", run.ID,
				"stepId", step.ID,
				"error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     run.ID,
		"status": run.Status,
	})
}

// deriveStepKey scopes a client idempotency key per step so replayed run
// creations collapse step executions too.
func deriveStepKey(runKey, stepName string) string {
	if runKey == "" {
		return ""
	}
	return runKey + ":" + stepName
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	steps, err := s.store.ListStepsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load steps")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if err := s.runner.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": runID, "status": store.RunCancelled})
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	stepID := chi.URLParam(r, "stepId")

	if err := s.runner.RetryStep(r.Context(), runID, stepID); err != nil {
		if errors.Is(err, store.ErrStepNotFound) || errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "step not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to retry step")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":  runID,
		"stepId": stepID,
		"status": store.StepQueued,
	})
}
