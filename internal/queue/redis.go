package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/common/tsid"
)

// Redis key layout, all namespaced under "stepflow:".
//
//	stepflow:queue:<topic>    list of ready job IDs (RPUSH / BLPOP)
//	stepflow:delayed:<topic>  zset of job IDs scored by ready time (ms)
//	stepflow:dlq:<topic>      list of dead-lettered job IDs
//	stepflow:job:<id>         hash holding the job record
//	stepflow:count:<topic>:*  completed / failed counters
const redisKeyPrefix = "stepflow"

// promoteScript atomically moves due delayed jobs onto the ready list.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
	for i, id in ipairs(due) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('RPUSH', KEYS[2], id)
	end
	return #due
`)

// RedisDriver implements Driver over Redis lists plus a delayed set.
type RedisDriver struct {
	client *redis.Client

	mu         sync.Mutex
	subs       map[string]int
	processing map[string]int
	closed     bool

	// claimTimeout bounds each BLPOP; short in tests
	claimTimeout time.Duration

	wg sync.WaitGroup
}

// NewRedisDriver connects to Redis at the given URL
func NewRedisDriver(url string) (*RedisDriver, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisDriverFromClient(redis.NewClient(opts)), nil
}

// NewRedisDriverFromClient wraps an existing client (used by tests)
func NewRedisDriverFromClient(client *redis.Client) *RedisDriver {
	return &RedisDriver{
		client:       client,
		subs:         make(map[string]int),
		processing:   make(map[string]int),
		claimTimeout: time.Second,
	}
}

func (d *RedisDriver) Name() string { return "redis" }

func readyKey(topic string) string   { return redisKeyPrefix + ":queue:" + topic }
func delayedKey(topic string) string { return redisKeyPrefix + ":delayed:" + topic }
func dlqKey(topic string) string     { return redisKeyPrefix + ":dlq:" + topic }
func jobKey(id string) string        { return redisKeyPrefix + ":job:" + id }
func counterKey(topic, name string) string {
	return redisKeyPrefix + ":count:" + topic + ":" + name
}

// expRetryDelay doubles from 1s per failed attempt, capped at 30s. Shared
// by the Redis and Postgres drivers.
func expRetryDelay(failedAttempts int) time.Duration {
	delay := time.Second
	for i := 1; i < failedAttempts; i++ {
		delay *= 2
		if delay >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}

func (d *RedisDriver) Enqueue(ctx context.Context, topic string, payload any, opts *EnqueueOptions) error {
	data, err := marshalEnvelope(payload)
	if err != nil {
		return err
	}

	id := tsid.NewJobID()
	now := time.Now()

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"topic":        topic,
		"payload":      string(data),
		"status":       string(JobPending),
		"attempts":     0,
		"max_attempts": maxAttemptsOf(opts),
		"created_at":   now.UnixMilli(),
		"updated_at":   now.UnixMilli(),
		"error":        "",
	})

	if delay := delayOf(opts); delay > 0 {
		pipe.ZAdd(ctx, delayedKey(topic), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.RPush(ctx, readyKey(topic), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis enqueue on %s: %w", topic, err)
	}

	metrics.QueueEnqueued.WithLabelValues(d.Name(), topic).Inc()
	return nil
}

func (d *RedisDriver) Subscribe(ctx context.Context, topic string, handler Handler, opts *SubscribeOptions) error {
	concurrency := concurrencyOf(opts)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("redis driver closed")
	}
	d.subs[topic] += concurrency
	d.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.consumeLoop(ctx, topic, handler)
	}
	return nil
}

func (d *RedisDriver) consumeLoop(ctx context.Context, topic string, handler Handler) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.subs[topic]--
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		d.promoteDue(ctx, topic)

		id, err := d.claim(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Redis claim failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if id == "" {
			continue
		}

		d.process(ctx, topic, id, handler)
	}
}

// promoteDue moves delayed jobs whose ready time has passed onto the ready
// list.
func (d *RedisDriver) promoteDue(ctx context.Context, topic string) {
	now := time.Now().UnixMilli()
	err := promoteScript.Run(ctx, d.client,
		[]string{delayedKey(topic), readyKey(topic)},
		now, 100).Err()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		slog.Error("Failed to promote delayed jobs", "topic", topic, "error", err)
	}
}

func (d *RedisDriver) claim(ctx context.Context, topic string) (string, error) {
	res, err := d.client.BLPop(ctx, d.claimTimeout, readyKey(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

func (d *RedisDriver) process(ctx context.Context, topic, id string, handler Handler) {
	key := jobKey(id)

	attempts, err := d.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		slog.Error("Failed to bump attempt counter", "jobId", id, "error", err)
		return
	}
	d.client.HSet(ctx, key, "status", string(JobProcessing), "updated_at", time.Now().UnixMilli())

	d.mu.Lock()
	d.processing[topic]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.processing[topic]--
		d.mu.Unlock()
	}()

	payload, err := d.client.HGet(ctx, key, "payload").Result()
	if err != nil {
		slog.Error("Failed to load job payload", "jobId", id, "error", err)
		return
	}

	handlerErr := handler(ctx, withAttempt(json.RawMessage(payload), int(attempts)))
	now := time.Now().UnixMilli()

	if handlerErr == nil {
		pipe := d.client.TxPipeline()
		pipe.Incr(ctx, counterKey(topic, "completed"))
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Failed to complete job", "jobId", id, "error", err)
		}
		return
	}

	maxAttempts, err := d.client.HGet(ctx, key, "max_attempts").Int()
	if err != nil {
		maxAttempts = DefaultMaxAttempts
	}

	d.client.Incr(ctx, counterKey(topic, "failed"))

	if int(attempts) >= maxAttempts {
		pipe := d.client.TxPipeline()
		pipe.HSet(ctx, key, "status", string(JobDLQ), "error", handlerErr.Error(), "updated_at", now)
		pipe.RPush(ctx, dlqKey(topic), id)
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Failed to dead-letter job", "jobId", id, "error", err)
			return
		}
		metrics.QueueDLQ.WithLabelValues(d.Name(), topic).Inc()
		slog.Warn("Job moved to DLQ",
			"driver", d.Name(),
			"topic", topic,
			"jobId", id,
			"attempts", attempts,
			"error", handlerErr.Error())
		return
	}

	delay := expRetryDelay(int(attempts))
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, key, "status", string(JobPending), "error", handlerErr.Error(), "updated_at", now)
	pipe.ZAdd(ctx, delayedKey(topic), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Failed to schedule retry", "jobId", id, "error", err)
		return
	}
	metrics.QueueRetries.WithLabelValues(d.Name(), topic).Inc()
}

func (d *RedisDriver) GetCounts(ctx context.Context, topic string) (Counts, error) {
	pipe := d.client.Pipeline()
	pending := pipe.LLen(ctx, readyKey(topic))
	delayed := pipe.ZCard(ctx, delayedKey(topic))
	dlq := pipe.LLen(ctx, dlqKey(topic))
	completed := pipe.Get(ctx, counterKey(topic, "completed"))
	failed := pipe.Get(ctx, counterKey(topic, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("redis counts for %s: %w", topic, err)
	}

	d.mu.Lock()
	processing := d.processing[topic]
	d.mu.Unlock()

	completedN, _ := strconv.Atoi(completed.Val())
	failedN, _ := strconv.Atoi(failed.Val())

	return Counts{
		Pending:    int(pending.Val()),
		Processing: processing,
		Completed:  completedN,
		Failed:     failedN,
		Delayed:    int(delayed.Val()),
		DLQ:        int(dlq.Val()),
	}, nil
}

func (d *RedisDriver) ListDLQ(ctx context.Context, topic string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := d.client.LRange(ctx, dlqKey(topic), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list dlq for %s: %w", topic, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := d.loadJob(ctx, topic, id)
		if err != nil {
			slog.Error("Failed to load DLQ job", "jobId", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (d *RedisDriver) loadJob(ctx context.Context, topic, id string) (*Job, error) {
	fields, err := d.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updatedMs, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &Job{
		ID:          id,
		Topic:       topic,
		Payload:     json.RawMessage(fields["payload"]),
		Status:      JobStatus(fields["status"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.UnixMilli(createdMs),
		UpdatedAt:   time.UnixMilli(updatedMs),
		Error:       fields["error"],
	}, nil
}

func (d *RedisDriver) RehydrateDLQ(ctx context.Context, topic string, max int) (int, error) {
	moved := 0
	for moved < max {
		id, err := d.client.LPop(ctx, dlqKey(topic)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("redis rehydrate for %s: %w", topic, err)
		}

		pipe := d.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id),
			"status", string(JobPending),
			"attempts", 0,
			"error", "",
			"updated_at", time.Now().UnixMilli())
		pipe.RPush(ctx, readyKey(topic), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("redis rehydrate for %s: %w", topic, err)
		}
		moved++
	}
	return moved, nil
}

func (d *RedisDriver) OldestAge(ctx context.Context, topic string) (time.Duration, bool, error) {
	id, err := d.client.LIndex(ctx, readyKey(topic), 0).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis oldest age for %s: %w", topic, err)
	}

	createdMs, err := d.client.HGet(ctx, jobKey(id), "created_at").Int64()
	if err != nil {
		return 0, false, nil
	}
	return time.Since(time.UnixMilli(createdMs)), true, nil
}

func (d *RedisDriver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

func (d *RedisDriver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return d.client.Close()
}
