package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.stepflow.dev/internal/common/tsid"
)

// MemoryStore is the single-process Store used in development and tests.
// One mutex guards all tables; the inbox therefore satisfies the atomic
// mark-if-new contract within the process.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]*Run
	steps       map[string]*Step
	stepsByRun  map[string][]string
	events      []*Event
	inbox       map[string]bool
	outbox      []*OutboxRow
	idempotency map[string]*IdempotencyRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		steps:       make(map[string]*Step),
		stepsByRun:  make(map[string][]string),
		inbox:       make(map[string]bool),
		idempotency: make(map[string]*IdempotencyRecord),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, runID string, patch RunPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, ErrRunNotFound)
	}

	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.ClearEndedAt {
		run.EndedAt = nil
	} else if patch.EndedAt != nil {
		run.EndedAt = patch.EndedAt
	}
	return nil
}

func (m *MemoryStore) CreateStep(ctx context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.steps[step.ID]; exists {
		return fmt.Errorf("step %s already exists", step.ID)
	}
	cp := *step
	m.steps[step.ID] = &cp
	m.stepsByRun[step.RunID] = append(m.stepsByRun[step.RunID], step.ID)
	return nil
}

func (m *MemoryStore) GetStep(ctx context.Context, stepID string) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("get step %s: %w", stepID, ErrStepNotFound)
	}
	cp := *step
	return &cp, nil
}

func (m *MemoryStore) UpdateStep(ctx context.Context, stepID string, patch StepPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return fmt.Errorf("update step %s: %w", stepID, ErrStepNotFound)
	}

	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Outputs != nil {
		step.Outputs = patch.Outputs
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.ClearEndedAt {
		step.EndedAt = nil
	} else if patch.EndedAt != nil {
		step.EndedAt = patch.EndedAt
	}
	return nil
}

func (m *MemoryStore) ListStepsByRun(ctx context.Context, runID string) ([]*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.stepsByRun[runID]
	steps := make([]*Step, 0, len(ids))
	for _, id := range ids {
		cp := *m.steps[id]
		steps = append(steps, &cp)
	}
	return steps, nil
}

func (m *MemoryStore) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range m.stepsByRun[runID] {
		if !m.steps[id].Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, runID, eventType string, payload any, stepID string) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventType, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, &Event{
		ID:        tsid.NewEventID(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now(),
	})
	return nil
}

func (m *MemoryStore) ListEventsByRun(ctx context.Context, runID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []*Event
	for _, e := range m.events {
		if e.RunID == runID {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (m *MemoryStore) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inbox[key] {
		return false, nil
	}
	m.inbox[key] = true
	return true, nil
}

func (m *MemoryStore) InboxDelete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inbox, key)
	return nil
}

func (m *MemoryStore) OutboxAdd(ctx context.Context, topic string, payload any) (*OutboxRow, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox add: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row := &OutboxRow{
		ID:        tsid.NewOutboxID(),
		Topic:     topic,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	m.outbox = append(m.outbox, row)
	cp := *row
	return &cp, nil
}

func (m *MemoryStore) OutboxListUnsent(ctx context.Context, limit int) ([]*OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []*OutboxRow
	for _, row := range m.outbox {
		if row.SentAt == nil {
			cp := *row
			rows = append(rows, &cp)
			if len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (m *MemoryStore) OutboxMarkSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.outbox {
		if row.ID == id {
			if row.SentAt == nil {
				now := time.Now()
				row.SentAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("outbox row %s not found", id)
}

func (m *MemoryStore) OutboxCountUnsent(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, row := range m.outbox {
		if row.SentAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) IdempotencySave(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.idempotency[rec.Key]; exists {
		return nil
	}
	cp := *rec
	m.idempotency[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) IdempotencyGet(ctx context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
