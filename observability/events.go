package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking marketplace notifications.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of committed marketplace notifications segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bazaar",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Committed notifications lost before delivery, by the stage that lost them.",
			}, []string{"stage"}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordPublished increments the counter for the supplied event type.
func (m *eventMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized).Inc()
}

// Drop stages.
const (
	DropStageFeed = "feed"
	DropStageLog  = "log"
)

// RecordDropped counts n notifications lost at stage.
func (m *eventMetrics) RecordDropped(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	stage = strings.TrimSpace(strings.ToLower(stage))
	if stage == "" {
		stage = "unknown"
	}
	m.dropped.WithLabelValues(stage).Add(float64(n))
}
