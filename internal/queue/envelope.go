package queue

import (
	"encoding/json"
	"fmt"
)

// Topics the execution core uses.
const (
	TopicStepReady = "step.ready"
	TopicOutbox    = "outbox"
)

// StepReadyEnvelope is the body carried on the step.ready topic
type StepReadyEnvelope struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Attempt        int    `json:"__attempt"`
}

// OutboxEnvelope is the body carried on the outbox fan-out topic
type OutboxEnvelope struct {
	RunID   string          `json:"runId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	StepID  string          `json:"stepId,omitempty"`
	Attempt int             `json:"__attempt"`
}

// DecodeStepReady validates and decodes a step.ready envelope
func DecodeStepReady(payload json.RawMessage) (*StepReadyEnvelope, error) {
	var env StepReadyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed step.ready envelope: %w", err)
	}
	if env.RunID == "" || env.StepID == "" {
		return nil, fmt.Errorf("step.ready envelope missing runId or stepId")
	}
	if env.Attempt < 1 {
		env.Attempt = 1
	}
	return &env, nil
}

// ValidateOutboxPayload checks the shape relayed on the outbox topic.
// Malformed rows are a programmer error: rejected loudly, never blocking.
func ValidateOutboxPayload(payload json.RawMessage) error {
	var env OutboxEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("malformed outbox payload: %w", err)
	}
	if env.RunID == "" {
		return fmt.Errorf("outbox payload missing runId")
	}
	if env.Type == "" {
		return fmt.Errorf("outbox payload missing type")
	}
	return nil
}

// withAttempt stamps the 1-based delivery counter into the envelope before
// handing it to the consumer. Envelopes are JSON objects by contract; other
// shapes pass through untouched.
func withAttempt(payload json.RawMessage, attempt int) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	obj["__attempt"], _ = json.Marshal(attempt)
	stamped, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return stamped
}

// marshalEnvelope turns an enqueue payload into bytes.
func marshalEnvelope(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return data, nil
	}
}
