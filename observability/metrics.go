package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	marketerrors "bazaar/core/errors"
)

type serviceMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	serviceMetricsOnce sync.Once
	serviceRegistry    *serviceMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Service returns the lazily-initialised registry recording HTTP activity of
// the marketplace daemon.
func Service() *serviceMetrics {
	serviceMetricsOnce.Do(func() {
		serviceRegistry = &serviceMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bazaar",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			serviceRegistry.requests,
			serviceRegistry.errors,
			serviceRegistry.latency,
			serviceRegistry.throttles,
		)
	})
	return serviceRegistry
}

// Observe records the outcome of an API request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *serviceMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
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

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *serviceMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// MarketMetrics captures settlement engine activity.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	listings   *prometheus.GaugeVec
	escrows    *prometheus.GaugeVec
}

// Market returns the singleton metrics registry for marketplace operations.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Count of marketplace operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "errors_total",
				Help:      "Count of rejected marketplace operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for marketplace operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			listings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "open_listings",
				Help:      "Listings currently held per marketplace currency.",
			}, []string{"currency"}),
			escrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bazaar",
				Subsystem: "market",
				Name:      "open_escrows",
				Help:      "Live escrows per marketplace currency.",
			}, []string{"currency"}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.errors,
			marketRegistry.latency,
			marketRegistry.listings,
			marketRegistry.escrows,
		)
	})
	return marketRegistry
}

// Observe records the execution metrics for a marketplace operation.
func (m *MarketMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, marketerrors.Code(err)).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// AddListings adjusts the open listings gauge for currency by delta.
func (m *MarketMetrics) AddListings(currency string, delta float64) {
	if m == nil || delta == 0 {
		return
	}
	m.listings.WithLabelValues(normalizeLabel(currency)).Add(delta)
}

// AddEscrows adjusts the open escrows gauge for currency by delta.
func (m *MarketMetrics) AddEscrows(currency string, delta float64) {
	if m == nil || delta == 0 {
		return
	}
	m.escrows.WithLabelValues(normalizeLabel(currency)).Add(delta)
}

func normalizeLabel(v string) string {
	normalized := strings.TrimSpace(strings.ToUpper(v))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
