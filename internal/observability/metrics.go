package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mllp"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	producerSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "sends_total",
			Help:      "Messages sent by the producer, by outcome.",
		},
		[]string{"outcome"},
	)
	producerSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "send_duration_seconds",
			Help:      "Time from write to classified acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	consumerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Frames handled by the consumer, by outcome.",
		},
		[]string{"outcome"},
	)
	consumerHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handle_duration_seconds",
			Help:      "Time from frame receipt to acknowledgement write.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	consumerBusyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "busy_workers",
			Help:      "Handler slots currently in use.",
		},
	)
	connectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open",
			Help:      "Open connections by role.",
		},
		[]string{"role"},
	)
	connectionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "terminated_total",
			Help:      "Connections terminated by the engine, by role and reason.",
		},
		[]string{"role", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			producerSends,
			producerSendDuration,
			consumerMessages,
			consumerHandleDuration,
			consumerBusyWorkers,
			connectionsOpen,
			connectionsTerminated,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSend(outcome string, duration time.Duration) {
	RegisterMetrics()
	producerSends.WithLabelValues(outcome).Inc()
	producerSendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordMessage(outcome string, duration time.Duration) {
	RegisterMetrics()
	consumerMessages.WithLabelValues(outcome).Inc()
	if duration > 0 {
		consumerHandleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

func SetBusyWorkers(n int) {
	RegisterMetrics()
	consumerBusyWorkers.Set(float64(n))
}

func ConnectionOpened(role string) {
	RegisterMetrics()
	connectionsOpen.WithLabelValues(role).Inc()
}

func ConnectionClosed(role string) {
	RegisterMetrics()
	connectionsOpen.WithLabelValues(role).Dec()
}

// RecordTermination counts an engine-initiated teardown (idle reap,
// protocol reset, admission reject, admin action).
func RecordTermination(role, reason string) {
	RegisterMetrics()
	connectionsTerminated.WithLabelValues(role, reason).Inc()
}
