// Package metrics holds the Prometheus collectors shared across the control
// plane. All collectors are registered at init via promauto; packages mutate
// them directly.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var startTime = time.Now()

var (
	// Worker metrics

	// WorkerProcessed tracks messages the worker completed successfully
	WorkerProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "processed_total",
			Help:      "Total step.ready messages processed successfully",
		},
	)

	// WorkerErrors tracks messages that ended in an error
	WorkerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Total step.ready messages that failed",
		},
	)

	// WorkerQueueDepth tracks pending jobs on the step.ready topic
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Pending jobs on the step.ready topic",
		},
	)

	// WorkerInFlight tracks messages currently being processed
	WorkerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Messages currently being processed",
		},
	)

	// WorkerUptime reports seconds since process start
	WorkerUptime = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: "worker",
			Name:      "uptime_seconds",
			Help:      "Seconds since the worker process started",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	// WorkerHeapUsed reports heap bytes in use
	WorkerHeapUsed = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: "worker",
			Name:      "memory_heap_used_bytes",
			Help:      "Heap bytes currently in use",
		},
		func() float64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.HeapAlloc)
		},
	)

	// Step metrics

	// StepDuration tracks step execution duration by tool and terminal status
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step execution duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tool", "status"},
	)

	// StepsTotal tracks step terminal transitions by status
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "step",
			Name:      "total",
			Help:      "Total step terminal transitions",
		},
		[]string{"status"}, // succeeded, failed, timed_out, cancelled
	)

	// InboxDuplicates tracks deliveries swallowed by the idempotency inbox
	InboxDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "inbox",
			Name:      "duplicates_total",
			Help:      "Deliveries ignored because the inbox key already existed",
		},
		[]string{"scope"}, // envelope, execution
	)

	// Queue metrics

	// QueueEnqueued tracks jobs enqueued by topic
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total jobs enqueued",
		},
		[]string{"driver", "topic"},
	)

	// QueueRetries tracks delivery retries scheduled by the driver
	QueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Total delivery retries scheduled",
		},
		[]string{"driver", "topic"},
	)

	// QueueDLQ tracks jobs moved to the dead-letter queue
	QueueDLQ = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "queue",
			Name:      "dlq_total",
			Help:      "Total jobs moved to the DLQ",
		},
		[]string{"driver", "topic"},
	)

	// QueueOldestAge tracks the age of the oldest ready job per topic
	QueueOldestAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "queue",
			Name:      "oldest_age_seconds",
			Help:      "Age of the oldest ready job",
		},
		[]string{"topic"},
	)

	// Outbox metrics

	// OutboxRelayed tracks outbox rows relayed into the queue
	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "outbox",
			Name:      "relayed_total",
			Help:      "Total outbox rows relayed to the queue",
		},
		[]string{"result"}, // sent, enqueue_failed, malformed
	)

	// OutboxBacklog tracks unsent outbox rows
	OutboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "outbox",
			Name:      "backlog",
			Help:      "Outbox rows not yet relayed",
		},
	)

	// OutboxTickDuration tracks relay tick duration
	OutboxTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "outbox",
			Name:      "tick_duration_seconds",
			Help:      "Time to drain one relay batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// HTTP metrics

	// HTTPRequestsTotal tracks control-surface requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control-surface HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks control-surface request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control-surface HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
