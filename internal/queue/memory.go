package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/common/tsid"
)

// Clock abstracts time for the memory driver so tests can fast-forward
// through retry backoff.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock creates a fake clock starting at now
func NewFakeClock() *FakeClock {
	return &FakeClock{t: time.Now()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memoryRetryDelays is the fixed retry schedule: with three attempts,
// deliveries land at t=0, t=2s and t=5s. Later retries reuse the last entry.
var memoryRetryDelays = []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second}

func memoryRetryDelay(failedAttempts int) time.Duration {
	if failedAttempts <= 0 {
		return memoryRetryDelays[0]
	}
	if failedAttempts > len(memoryRetryDelays) {
		return memoryRetryDelays[len(memoryRetryDelays)-1]
	}
	return memoryRetryDelays[failedAttempts-1]
}

// memJob orders the ready heap by (readyAt, enqueue sequence)
type memJob struct {
	job     *Job
	readyAt time.Time
	seq     uint64
}

type memHeap []*memJob

func (h memHeap) Len() int { return len(h) }
func (h memHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h memHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *memHeap) Push(x any)   { *h = append(*h, x.(*memJob)) }
func (h *memHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type memTopic struct {
	ready      memHeap
	processing int
	completed  int
	failed     int
	dlq        []*Job
}

// MemoryDriver is the single-process queue used in development and tests.
// Jobs live in per-topic heaps ordered by (ready time, enqueue sequence).
type MemoryDriver struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	subs   map[string]int
	clock  Clock
	seq    uint64
	wake   chan struct{}
	closed bool

	wg sync.WaitGroup
}

// NewMemoryDriver creates a memory driver on the real clock
func NewMemoryDriver() *MemoryDriver {
	return NewMemoryDriverWithClock(realClock{})
}

// NewMemoryDriverWithClock creates a memory driver on the given clock
func NewMemoryDriverWithClock(clock Clock) *MemoryDriver {
	return &MemoryDriver{
		topics: make(map[string]*memTopic),
		subs:   make(map[string]int),
		clock:  clock,
		wake:   make(chan struct{}, 1),
	}
}

func (d *MemoryDriver) Name() string { return "memory" }

func (d *MemoryDriver) topic(name string) *memTopic {
	t, ok := d.topics[name]
	if !ok {
		t = &memTopic{}
		d.topics[name] = t
	}
	return t
}

func (d *MemoryDriver) Enqueue(ctx context.Context, topic string, payload any, opts *EnqueueOptions) error {
	data, err := marshalEnvelope(payload)
	if err != nil {
		return err
	}

	now := d.clock.Now()
	job := &Job{
		ID:          tsid.NewJobID(),
		Topic:       topic,
		Payload:     data,
		Status:      JobPending,
		MaxAttempts: maxAttemptsOf(opts),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	d.mu.Lock()
	d.seq++
	heap.Push(&d.topic(topic).ready, &memJob{
		job:     job,
		readyAt: now.Add(delayOf(opts)),
		seq:     d.seq,
	})
	d.mu.Unlock()

	metrics.QueueEnqueued.WithLabelValues(d.Name(), topic).Inc()
	d.signal()
	return nil
}

func (d *MemoryDriver) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *MemoryDriver) Subscribe(ctx context.Context, topic string, handler Handler, opts *SubscribeOptions) error {
	concurrency := concurrencyOf(opts)

	d.mu.Lock()
	d.subs[topic] += concurrency
	d.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.consumeLoop(ctx, topic, handler)
	}
	return nil
}

func (d *MemoryDriver) consumeLoop(ctx context.Context, topic string, handler Handler) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.subs[topic]--
		d.mu.Unlock()
	}()

	for {
		job, ok := d.claim(topic)
		if !ok {
			// Nothing ready; wait for an enqueue or poll for delayed jobs
			// becoming due (keeps fake-clock advances visible).
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-time.After(10 * time.Millisecond):
			}
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			continue
		}

		d.process(ctx, topic, job, handler)
	}
}

// claim pops the first job whose ready time has passed.
func (d *MemoryDriver) claim(topic string) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.topic(topic)
	if t.ready.Len() == 0 {
		return nil, false
	}
	head := t.ready[0]
	if head.readyAt.After(d.clock.Now()) {
		return nil, false
	}

	heap.Pop(&t.ready)
	job := head.job
	job.Attempts++
	job.Status = JobProcessing
	job.UpdatedAt = d.clock.Now()
	t.processing++
	return job, true
}

func (d *MemoryDriver) process(ctx context.Context, topic string, job *Job, handler Handler) {
	err := handler(ctx, withAttempt(job.Payload, job.Attempts))

	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.topic(topic)
	t.processing--
	job.UpdatedAt = d.clock.Now()

	if err == nil {
		job.Status = JobCompleted
		job.Error = ""
		t.completed++
		return
	}

	job.Error = err.Error()
	t.failed++

	if job.Attempts >= job.MaxAttempts {
		job.Status = JobDLQ
		t.dlq = append(t.dlq, job)
		metrics.QueueDLQ.WithLabelValues(d.Name(), topic).Inc()
		slog.Warn("Job moved to DLQ",
			"driver", d.Name(),
			"topic", topic,
			"jobId", job.ID,
			"attempts", job.Attempts,
			"error", job.Error)
		return
	}

	delay := memoryRetryDelay(job.Attempts)
	job.Status = JobPending
	d.seq++
	heap.Push(&t.ready, &memJob{
		job:     job,
		readyAt: d.clock.Now().Add(delay),
		seq:     d.seq,
	})
	metrics.QueueRetries.WithLabelValues(d.Name(), topic).Inc()
	slog.Debug("Job scheduled for retry",
		"topic", topic,
		"jobId", job.ID,
		"attempt", job.Attempts,
		"delay", delay)
}

func (d *MemoryDriver) GetCounts(ctx context.Context, topic string) (Counts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.topic(topic)
	now := d.clock.Now()

	counts := Counts{
		Processing: t.processing,
		Completed:  t.completed,
		Failed:     t.failed,
		DLQ:        len(t.dlq),
	}
	for _, mj := range t.ready {
		if mj.readyAt.After(now) {
			counts.Delayed++
		} else {
			counts.Pending++
		}
	}
	return counts, nil
}

func (d *MemoryDriver) ListDLQ(ctx context.Context, topic string, limit int) ([]*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.topic(topic)
	n := len(t.dlq)
	if limit > 0 && limit < n {
		n = limit
	}

	jobs := make([]*Job, 0, n)
	for _, job := range t.dlq[:n] {
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (d *MemoryDriver) RehydrateDLQ(ctx context.Context, topic string, max int) (int, error) {
	d.mu.Lock()

	t := d.topic(topic)
	n := len(t.dlq)
	if max >= 0 && max < n {
		n = max
	}

	now := d.clock.Now()
	for _, job := range t.dlq[:n] {
		job.Status = JobPending
		job.Attempts = 0
		job.Error = ""
		job.UpdatedAt = now
		d.seq++
		heap.Push(&t.ready, &memJob{job: job, readyAt: now, seq: d.seq})
	}
	t.dlq = t.dlq[n:]
	d.mu.Unlock()

	if n > 0 {
		d.signal()
	}
	return n, nil
}

func (d *MemoryDriver) OldestAge(ctx context.Context, topic string) (time.Duration, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.topic(topic)
	now := d.clock.Now()

	var oldest *Job
	for _, mj := range t.ready {
		if mj.readyAt.After(now) {
			continue
		}
		if oldest == nil || mj.job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = mj.job
		}
	}
	if oldest == nil {
		return 0, false, nil
	}
	return now.Sub(oldest.CreatedAt), true, nil
}

func (d *MemoryDriver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

func (d *MemoryDriver) Ping(ctx context.Context) error { return nil }

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	d.wg.Wait()
	return nil
}
