package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// PossessionMetrics tracks deal transitions applied by the node.
type PossessionMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	liveDeals   prometheus.Gauge
	forfeited   *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	possessionMetricsOnce sync.Once
	possessionRegistry    *PossessionMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "possession",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "possession",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "possession",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "possession",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Possession returns the singleton metrics registry for deal transitions.
func Possession() *PossessionMetrics {
	possessionMetricsOnce.Do(func() {
		possessionRegistry = &PossessionMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "possession",
				Subsystem: "deals",
				Name:      "transitions_total",
				Help:      "Deal operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "possession",
				Subsystem: "deals",
				Name:      "transition_duration_seconds",
				Help:      "Time spent applying and committing a deal operation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liveDeals: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "possession",
				Subsystem: "deals",
				Name:      "live",
				Help:      "Deal records currently held in committed state.",
			}),
			forfeited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "possession",
				Subsystem: "deals",
				Name:      "forfeitures_total",
				Help:      "Deals whose stakes were forfeited to the neutral authority.",
			}, []string{"authority"}),
		}
		prometheus.MustRegister(
			possessionRegistry.transitions,
			possessionRegistry.latency,
			possessionRegistry.liveDeals,
			possessionRegistry.forfeited,
		)
	})
	return possessionRegistry
}

// RecordTransition records the outcome and latency of a deal operation.
func (m *PossessionMetrics) RecordTransition(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetLiveDeals records the number of deals held in committed state.
func (m *PossessionMetrics) SetLiveDeals(count uint64) {
	if m == nil {
		return
	}
	m.liveDeals.Set(float64(count))
}

// RecordForfeiture counts a claimStakes forfeiture.
func (m *PossessionMetrics) RecordForfeiture(authority string) {
	if m == nil {
		return
	}
	m.forfeited.WithLabelValues(authority).Inc()
}
