// Package inbox is the idempotency guard over at-least-once delivery. It
// wraps the Store's atomic mark-if-new primitive and derives stable keys for
// step executions.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/store"
)

// Scope labels the two guard layers for logging and metrics.
const (
	ScopeEnvelope  = "envelope"
	ScopeExecution = "execution"
)

// Guard de-duplicates work items by an opaque string key. The store's
// mark-if-new is the sole cross-process mutex in the system.
type Guard struct {
	store store.Store
}

// NewGuard creates a guard over the given store
func NewGuard(s store.Store) *Guard {
	return &Guard{store: s}
}

// Acquire marks the key. Returns true when this caller won the key; false
// when the work is a duplicate. Duplicates bump the inbox metric and log
// the structured duplicate event.
func (g *Guard) Acquire(ctx context.Context, scope, key string) (bool, error) {
	fresh, err := g.store.InboxMarkIfNew(ctx, key)
	if err != nil {
		return false, err
	}
	if !fresh {
		metrics.InboxDuplicates.WithLabelValues(scope).Inc()
		slog.Info("inbox.duplicate.ignored", "scope", scope, "key", key)
	}
	return fresh, nil
}

// Release deletes the key. Failures are logged, never propagated: the caller
// is on a cleanup path, and a lingering key is safe because terminal step
// state is itself a sink.
func (g *Guard) Release(ctx context.Context, key string) {
	if err := g.store.InboxDelete(ctx, key); err != nil {
		slog.Error("Failed to release inbox key", "key", key, "error", err)
	}
}

// ExecutionKey is the second-layer lease key guarding concurrent deliveries
// of the same step.
func ExecutionKey(stepID string) string {
	return "step-exec:" + stepID
}

// EnvelopeKey derives the idempotency key for a step.ready delivery. The
// envelope's explicit key wins; otherwise the key is
// "{runId}:{step name}:{hash12(inputs)}" so replays of the same logical step
// collapse onto one key.
func EnvelopeKey(envelopeKey string, step *store.Step) string {
	if envelopeKey != "" {
		return envelopeKey
	}
	return step.RunID + ":" + step.Name + ":" + HashInputs(step.Inputs)
}

// HashInputs returns a 12-character prefix of the SHA-256 of the
// canonicalized inputs. Canonicalization decodes and re-encodes the JSON so
// object keys serialize in sorted order regardless of the producer.
func HashInputs(inputs json.RawMessage) string {
	canonical := canonicalize(inputs)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:12]
}

func canonicalize(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON; hash the bytes as-is
		return raw
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return raw
	}
	return canonical
}
