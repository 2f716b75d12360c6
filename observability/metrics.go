package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// RelayMetrics wraps collectors tracking queue and submission health.
type RelayMetrics struct {
	submissions   *prometheus.CounterVec
	submitLatency *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	reconciles    *prometheus.CounterVec
	receiptPolls  prometheus.Counter
	rewards       *prometheus.CounterVec
	nonceResets   prometheus.Counter
	admissions    *prometheus.CounterVec
}

// Relay exposes the metrics registry for the transaction relay.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "submissions_total",
				Help:      "Broadcast attempts segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution for build, sign and broadcast.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "queue_depth",
				Help:      "Pending entries observed at the start of each worker cycle.",
			}),
			reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "reconciles_total",
				Help:      "Receipt reconciliation outcomes (mined, reverted, unresolved).",
			}, []string{"outcome"}),
			receiptPolls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "receipt_polls_total",
				Help:      "Individual receipt poll attempts against the ledger.",
			}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "rewards_total",
				Help:      "Reward ledger applications segmented by event type and outcome.",
			}, []string{"event_type", "outcome"}),
			nonceResets: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "nonce_resets_total",
				Help:      "Allocator resets after broadcast failures or operator action.",
			}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "relay",
				Name:      "admissions_total",
				Help:      "Admission decisions segmented by method and result.",
			}, []string{"method", "result"}),
		}
		prometheus.MustRegister(
			relayRegistry.submissions,
			relayRegistry.submitLatency,
			relayRegistry.queueDepth,
			relayRegistry.reconciles,
			relayRegistry.receiptPolls,
			relayRegistry.rewards,
			relayRegistry.nonceResets,
			relayRegistry.admissions,
		)
	})
	return relayRegistry
}

// RecordSubmission notes one broadcast attempt and its latency.
func (m *RelayMetrics) RecordSubmission(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.submissions.WithLabelValues(method, outcome).Inc()
	m.submitLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// SetQueueDepth publishes the pending backlog size.
func (m *RelayMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordReconcile notes a reconciliation outcome. Outcomes should be the
// stable strings "mined", "reverted" or "unresolved".
func (m *RelayMetrics) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// RecordReceiptPoll counts one receipt lookup.
func (m *RelayMetrics) RecordReceiptPoll() {
	if m == nil {
		return
	}
	m.receiptPolls.Inc()
}

// RecordReward notes a ledger application. applied=false means the
// idempotency key had already been consumed.
func (m *RelayMetrics) RecordReward(eventType string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	m.rewards.WithLabelValues(eventType, outcome).Inc()
}

// RecordNonceReset counts an allocator reset.
func (m *RelayMetrics) RecordNonceReset() {
	if m == nil {
		return
	}
	m.nonceResets.Inc()
}

// RecordAdmission notes an admission decision. Results should be stable
// strings such as "accepted", "duplicate", "rejected" or "rate_limited".
func (m *RelayMetrics) RecordAdmission(method, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(method, result).Inc()
}

// GatewayMetrics wraps collectors for the HTTP surface.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Gateway exposes the metrics registry for the HTTP gateway.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dgw",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "HTTP error responses segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dgw",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *GatewayMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}
