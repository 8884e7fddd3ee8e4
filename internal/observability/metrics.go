package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rdpctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	handshakeSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "handshake_steps_total",
			Help:      "Handshake steps executed, by step and result.",
		},
		[]string{"step", "success"},
	)
	loopIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "loop_iterations_total",
			Help:      "Steady-state loop iterations.",
		},
	)
	waitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "wait_outcomes_total",
			Help:      "Readiness wait results by outcome.",
		},
		[]string{"outcome"},
	)
	collectedDescriptors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "descriptors",
			Help:      "Descriptors gathered in the latest loop iteration.",
		},
		[]string{"direction"},
	)
	sessionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "results_total",
			Help:      "Terminated sessions by result class.",
		},
		[]string{"result"},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rdpctl",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session duration from handshake start to cleanup.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
	enginePDUs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "engine",
			Name:      "pdus_total",
			Help:      "Protocol PDUs by direction and message type.",
		},
		[]string{"direction", "message"},
	)
	channelBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdpctl",
			Subsystem: "channel",
			Name:      "bytes_total",
			Help:      "Virtual channel payload bytes by channel and direction.",
		},
		[]string{"channel", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			handshakeSteps,
			loopIterations,
			waitOutcomes,
			collectedDescriptors,
			sessionResults,
			sessionDuration,
			enginePDUs,
			channelBytes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordHandshakeStep(step string, success bool) {
	RegisterMetrics()
	handshakeSteps.WithLabelValues(step, strconv.FormatBool(success)).Inc()
}

func RecordLoopIteration(readable, writable int) {
	RegisterMetrics()
	loopIterations.Inc()
	collectedDescriptors.WithLabelValues("read").Set(float64(readable))
	collectedDescriptors.WithLabelValues("write").Set(float64(writable))
}

func RecordWait(outcome string) {
	RegisterMetrics()
	waitOutcomes.WithLabelValues(outcome).Inc()
}

func RecordSessionResult(result string, duration time.Duration) {
	RegisterMetrics()
	sessionResults.WithLabelValues(result).Inc()
	sessionDuration.Observe(duration.Seconds())
}

func RecordPDU(direction, message string) {
	RegisterMetrics()
	enginePDUs.WithLabelValues(direction, message).Inc()
}

func RecordChannelBytes(channel, direction string, n int) {
	RegisterMetrics()
	channelBytes.WithLabelValues(channel, direction).Add(float64(n))
}
