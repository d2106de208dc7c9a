// Package metrics holds the prometheus collectors burrow exports on /metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "burrow"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	poolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "in_use",
			Help:      "Connections currently leased from the pool.",
		},
		[]string{"pool"},
	)
	poolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Pool acquire, release, timeout and discard events.",
		},
		[]string{"pool", "event"},
	)
	interpreterCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "interpreter",
			Name:      "call_duration_seconds",
			Help:      "Interpreter entry point call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"entry", "success"},
	)
	interpreterQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interpreter",
			Name:      "queued_calls",
			Help:      "Calls waiting for a free interpreter instance.",
		},
	)
	tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "taskqueue",
			Name:      "tasks_total",
			Help:      "Background tasks by outcome.",
		},
		[]string{"outcome"},
	)
)

// Pool event labels.
const (
	PoolEventAcquire = "acquire"
	PoolEventRelease = "release"
	PoolEventTimeout = "timeout"
	PoolEventDiscard = "discard"
	PoolEventDial    = "dial"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, poolInUse, poolEvents,
			interpreterCalls, interpreterQueued, tasks)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPoolEvent(pool, event string) {
	RegisterMetrics()
	poolEvents.WithLabelValues(pool, event).Inc()
}

func SetPoolInUse(pool string, n int) {
	RegisterMetrics()
	poolInUse.WithLabelValues(pool).Set(float64(n))
}

func RecordInterpreterCall(entry string, duration time.Duration, success bool) {
	RegisterMetrics()
	interpreterCalls.WithLabelValues(entry, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func AddInterpreterQueued(delta float64) {
	RegisterMetrics()
	interpreterQueued.Add(delta)
}

func RecordTask(outcome string) {
	RegisterMetrics()
	tasks.WithLabelValues(outcome).Inc()
}
