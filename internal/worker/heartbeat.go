package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeartbeatSink stores the worker's liveness timestamp.
type HeartbeatSink interface {
	Beat(ctx context.Context, at time.Time) error
	Last(ctx context.Context) (time.Time, error)
}

// LocalHeartbeat keeps the timestamp in-process. Used with the memory and
// Postgres queue drivers, where no shared Redis is available.
type LocalHeartbeat struct {
	mu   sync.Mutex
	last time.Time
}

func NewLocalHeartbeat() *LocalHeartbeat { return &LocalHeartbeat{} }

func (h *LocalHeartbeat) Beat(ctx context.Context, at time.Time) error {
	h.mu.Lock()
	h.last = at
	h.mu.Unlock()
	return nil
}

func (h *LocalHeartbeat) Last(ctx context.Context) (time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.IsZero() {
		return time.Time{}, fmt.Errorf("no heartbeat yet")
	}
	return h.last, nil
}

// heartbeatKey is the well-known Redis key carrying the worker heartbeat.
const heartbeatKey = "stepflow:worker:heartbeat"

// RedisHeartbeat writes the timestamp to Redis with a TTL, so peers observe
// worker liveness across processes.
type RedisHeartbeat struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHeartbeat(client *redis.Client, ttl time.Duration) *RedisHeartbeat {
	return &RedisHeartbeat{client: client, ttl: ttl}
}

func (h *RedisHeartbeat) Beat(ctx context.Context, at time.Time) error {
	return h.client.Set(ctx, heartbeatKey, at.UnixMilli(), h.ttl).Err()
}

func (h *RedisHeartbeat) Last(ctx context.Context) (time.Time, error) {
	val, err := h.client.Get(ctx, heartbeatKey).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Heartbeat periodically writes a liveness timestamp. The loop is detached
// and never blocks shutdown: Stop cancels it and returns once the goroutine
// exits.
type Heartbeat struct {
	sink     HeartbeatSink
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates a heartbeat writing to the sink every interval
func NewHeartbeat(sink HeartbeatSink, interval time.Duration) *Heartbeat {
	return &Heartbeat{sink: sink, interval: interval}
}

// Start begins beating. The first beat is written immediately.
func (h *Heartbeat) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.beat(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

func (h *Heartbeat) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.sink.Beat(beatCtx, time.Now()); err != nil && ctx.Err() == nil {
		slog.Error("Heartbeat write failed", "error", err)
	}
}

// Stop stops the heartbeat loop
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Last reads the most recent beat through the sink
func (h *Heartbeat) Last(ctx context.Context) (time.Time, error) {
	return h.sink.Last(ctx)
}
