package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"go.stepflow.dev/internal/store"
)

// Replay headers for idempotent requests.
const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "X-Idempotency-Replayed"
	headerOriginalDate   = "X-Idempotency-Original-Date"
)

// maxIdempotencyKeyLen bounds client-supplied keys.
const maxIdempotencyKeyLen = 255

// withIdempotency wraps a mutating handler with key replay: a request
// carrying a previously seen X-Idempotency-Key gets the recorded response
// back with the replay headers set.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		if key == "" {
			next(w, r)
			return
		}
		if !validIdempotencyKey(key) {
			writeError(w, http.StatusBadRequest, "invalid idempotency key")
			return
		}

		rec, err := s.store.IdempotencyGet(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		}
		if rec != nil {
			w.Header().Set(headerReplayed, "true")
			w.Header().Set(headerOriginalDate, rec.CreatedAt.UTC().Format(time.RFC3339))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			w.Write(rec.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(capture, r)

		// Server errors are not replayable; the client retries the work.
		if capture.status >= 500 {
			return
		}
		if err := s.store.IdempotencySave(r.Context(), &store.IdempotencyRecord{
			Key:        key,
			StatusCode: capture.status,
			Body:       capture.body.Bytes(),
			CreatedAt:  time.Now(),
		}); err != nil {
			slog.Error("Failed to save idempotency record", "key", key, "error", err)
		}
	}
}

// validIdempotencyKey allows alphanumerics, underscore and dash, up to 255
// characters.
func validIdempotencyKey(key string) bool {
	if len(key) == 0 || len(key) > maxIdempotencyKeyLen {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// captureWriter records the response so it can be replayed later
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
