package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestMemoryHappyPath(t *testing.T) {
	d := NewMemoryDriver()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []json.RawMessage

	err := d.Subscribe(ctx, "test.topic", func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := d.Enqueue(ctx, "test.topic", map[string]any{"runId": "r1", "stepId": "s1"}, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	var env StepReadyEnvelope
	if err := json.Unmarshal(received[0], &env); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	mu.Unlock()

	if env.Attempt != 1 {
		t.Errorf("Expected __attempt=1, got %d", env.Attempt)
	}

	counts, _ := d.GetCounts(ctx, "test.topic")
	if counts.Completed != 1 || counts.Pending != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestMemoryDelayedJobNotVisibleEarly(t *testing.T) {
	clock := NewFakeClock()
	d := NewMemoryDriverWithClock(clock)
	defer d.Close()

	ctx := context.Background()

	err := d.Enqueue(ctx, "delayed.topic", map[string]any{"k": "v"}, &EnqueueOptions{Delay: 5 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	counts, _ := d.GetCounts(ctx, "delayed.topic")
	if counts.Delayed != 1 || counts.Pending != 0 {
		t.Errorf("Job should be delayed, got %+v", counts)
	}

	if _, ok, _ := d.OldestAge(ctx, "delayed.topic"); ok {
		t.Error("Delayed job must not be visible as ready")
	}

	clock.Advance(5 * time.Second)

	counts, _ = d.GetCounts(ctx, "delayed.topic")
	if counts.Pending != 1 || counts.Delayed != 0 {
		t.Errorf("Job should be ready after advance, got %+v", counts)
	}
}

func TestMemoryRetryThenDLQ(t *testing.T) {
	clock := NewFakeClock()
	d := NewMemoryDriverWithClock(clock)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int

	err := d.Subscribe(ctx, "fail.topic", func(ctx context.Context, payload json.RawMessage) error {
		var env struct {
			Attempt int `json:"__attempt"`
		}
		json.Unmarshal(payload, &env)
		mu.Lock()
		attempts = append(attempts, env.Attempt)
		mu.Unlock()
		return errors.New("handler exploded")
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := d.Enqueue(ctx, "fail.topic", map[string]any{"k": "v"}, &EnqueueOptions{Attempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First delivery at t=0
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 1
	})

	// Second delivery at t=2s
	clock.Advance(2 * time.Second)
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	})

	// Third delivery at t=5s, then DLQ
	clock.Advance(3 * time.Second)
	waitForCondition(t, 2*time.Second, func() bool {
		counts, _ := d.GetCounts(ctx, "fail.topic")
		return counts.DLQ == 1
	})

	mu.Lock()
	if len(attempts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("Attempt %d carried __attempt=%d", i+1, a)
		}
	}
	mu.Unlock()

	jobs, err := d.ListDLQ(ctx, "fail.topic", 10)
	if err != nil {
		t.Fatalf("ListDLQ failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 DLQ job, got %d", len(jobs))
	}
	if jobs[0].Error != "handler exploded" {
		t.Errorf("DLQ job should preserve final error, got %q", jobs[0].Error)
	}
	if jobs[0].Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", jobs[0].Attempts)
	}
}

func TestMemoryRehydrateDLQ(t *testing.T) {
	clock := NewFakeClock()
	d := NewMemoryDriverWithClock(clock)
	defer d.Close()

	subCtx, cancelSub := context.WithCancel(context.Background())

	err := d.Subscribe(subCtx, "re.topic", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("always fails")
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	if err := d.Enqueue(ctx, "re.topic", map[string]any{"k": "v"}, &EnqueueOptions{Attempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		counts, _ := d.GetCounts(ctx, "re.topic")
		return counts.DLQ == 1
	})
	cancelSub()

	moved, err := d.RehydrateDLQ(ctx, "re.topic", 10)
	if err != nil {
		t.Fatalf("RehydrateDLQ failed: %v", err)
	}
	if moved != 1 {
		t.Errorf("Expected 1 moved, got %d", moved)
	}

	counts, _ := d.GetCounts(ctx, "re.topic")
	if counts.DLQ != 0 || counts.Pending != 1 {
		t.Errorf("Rehydrated job should be pending: %+v", counts)
	}

	if n, _ := d.RehydrateDLQ(ctx, "re.topic", 10); n != 0 {
		t.Errorf("Empty DLQ should move 0, got %d", n)
	}
}

func TestMemoryFIFOWithinReady(t *testing.T) {
	d := NewMemoryDriver()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := d.Enqueue(ctx, "fifo.topic", map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	var order []int

	d.Subscribe(ctx, "fifo.topic", func(ctx context.Context, payload json.RawMessage) error {
		var body struct {
			N int `json:"n"`
		}
		json.Unmarshal(payload, &body)
		mu.Lock()
		order = append(order, body.N)
		mu.Unlock()
		return nil
	}, nil)

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Errorf("Expected FIFO order, got %v", order)
			break
		}
	}
}

func TestMemoryHasSubscribers(t *testing.T) {
	d := NewMemoryDriver()
	defer d.Close()

	if d.HasSubscribers("t") {
		t.Error("No subscribers expected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Subscribe(ctx, "t", func(ctx context.Context, payload json.RawMessage) error { return nil }, nil)

	if !d.HasSubscribers("t") {
		t.Error("Expected a subscriber")
	}
}

func TestMemoryOldestAge(t *testing.T) {
	clock := NewFakeClock()
	d := NewMemoryDriverWithClock(clock)
	defer d.Close()

	ctx := context.Background()

	if _, ok, _ := d.OldestAge(ctx, "age.topic"); ok {
		t.Error("Empty topic should report no oldest job")
	}

	d.Enqueue(ctx, "age.topic", map[string]any{}, nil)
	clock.Advance(7 * time.Second)

	age, ok, err := d.OldestAge(ctx, "age.topic")
	if err != nil || !ok {
		t.Fatalf("OldestAge failed: ok=%v err=%v", ok, err)
	}
	if age != 7*time.Second {
		t.Errorf("Expected 7s age, got %v", age)
	}
}
