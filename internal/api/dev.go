package api

import (
	"encoding/json"
	"net/http"

	"go.stepflow.dev/internal/queue"
)

// handleQueueCounts reports depth for the step.ready topic.
func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.driver.GetCounts(r.Context(), queue.TopicStepReady)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}

	var oldestAgeMs *int64
	if age, ok, err := s.driver.OldestAge(r.Context(), queue.TopicStepReady); err == nil && ok {
		ms := age.Milliseconds()
		oldestAgeMs = &ms
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":       queue.TopicStepReady,
		"counts":      counts,
		"oldestAgeMs": oldestAgeMs,
	})
}

// handleListDLQ lists dead-lettered step.ready jobs.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.driver.ListDLQ(r.Context(), queue.TopicStepReady, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic": queue.TopicStepReady,
		"count": len(jobs),
		"items": jobs,
	})
}

// handleRehydrateDLQ moves DLQ jobs back to pending. max clamps to [0, 500].
func (s *Server) handleRehydrateDLQ(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Max int `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	max := req.Max
	if max < 0 {
		max = 0
	}
	if max > 500 {
		max = 500
	}

	moved, err := s.driver.RehydrateDLQ(r.Context(), queue.TopicStepReady, max)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rehydrate DLQ")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic": queue.TopicStepReady,
		"moved": moved,
	})
}
