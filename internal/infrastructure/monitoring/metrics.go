package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for admission decisions, breaker
// health, and queue throughput.
type Metrics struct {
	PermitDecisions    *prometheus.CounterVec
	StoreDegradations  prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec
	QueueOutcomes      *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	OutboundLatency    *prometheus.HistogramVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry
// so parallel packages do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PermitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_permit_decisions_total",
				Help: "Rate limiter permit decisions by bucket key and outcome.",
			},
			[]string{"key", "outcome"},
		),
		StoreDegradations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_store_degradations_total",
				Help: "Operations served by the non-authoritative local fallback because the shared store was unreachable.",
			},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_breaker_transitions_total",
				Help: "Circuit breaker state transitions by breaker name and target state.",
			},
			[]string{"breaker", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_breaker_rejections_total",
				Help: "Calls rejected because the circuit was open.",
			},
			[]string{"breaker"},
		),
		QueueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_queue_requests_total",
				Help: "Queued requests by queue name and terminal outcome.",
			},
			[]string{"queue", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admission_queue_depth",
				Help: "Current length of the queue lists.",
			},
			[]string{"queue", "list"},
		),
		OutboundLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admission_outbound_latency_seconds",
				Help:    "Latency of governed outbound calls by endpoint key.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Inbound API requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Inbound API request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(
		m.PermitDecisions,
		m.StoreDegradations,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.QueueOutcomes,
		m.QueueDepth,
		m.OutboundLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordPermit records a grant or denial for a bucket key.
func (m *Metrics) RecordPermit(key string, granted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.PermitDecisions.WithLabelValues(key, outcome).Inc()
}

// RecordDegradation counts a fallback to the local, non-authoritative path.
func (m *Metrics) RecordDegradation() {
	if m == nil {
		return
	}
	m.StoreDegradations.Inc()
}

// RecordBreakerTransition counts a state change.
func (m *Metrics) RecordBreakerTransition(breaker, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(breaker, to).Inc()
}

// RecordBreakerRejection counts an open-circuit rejection.
func (m *Metrics) RecordBreakerRejection(breaker string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// RecordQueueOutcome counts a completed or failed queue entry.
func (m *Metrics) RecordQueueOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueOutcomes.WithLabelValues(queue, outcome).Inc()
}

// SetQueueDepth updates the gauge for one of the queue lists.
func (m *Metrics) SetQueueDepth(queue, list string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue, list).Set(float64(depth))
}

// ObserveOutboundLatency records the duration of a governed call.
func (m *Metrics) ObserveOutboundLatency(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.OutboundLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordHTTPRequest records one inbound API request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
