package fileaudit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons of the events_dropped_total counter
const (
	dropOutOfScope = "out_of_scope"
	dropLimit      = "limit"
	dropDeleted    = "deleted"
	dropUnobserved = "unobserved"
)

var metricsRegistry = prometheus.NewRegistry()

var (
	eventsEnqueued = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "queue",
		Name:      "events_enqueued_total",
		Help:      "Total number of close events accepted by session queues",
	})
	eventsLost = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "queue",
		Name:      "events_lost_total",
		Help:      "Total number of close events lost on full session queues",
	})
	eventsDropped = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "session",
		Name:      "events_dropped_total",
		Help:      "Total number of close events not logged, by reason",
	}, []string{"reason"})
	recordsWritten = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "log",
		Name:      "records_written_total",
		Help:      "Total number of log records written, by channel",
	}, []string{"channel"})
	bytesCaptured = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "log",
		Name:      "content_bytes_total",
		Help:      "Total number of file content bytes captured into logs",
	})
	filterCacheHits = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "filter_cache",
		Name:      "hits_total",
		Help:      "Total number of directory filter cache hits",
	})
	filterCacheMisses = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Namespace: "faudit",
		Subsystem: "filter_cache",
		Name:      "misses_total",
		Help:      "Total number of directory filter cache misses",
	})
	activeSessions = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Namespace: "faudit",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of committed sessions not yet finalized",
	})
	observedProcesses = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Namespace: "faudit",
		Subsystem: "registry",
		Name:      "processes",
		Help:      "Number of processes currently mapped to a session",
	})
	sessionDuration = promauto.With(metricsRegistry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "faudit",
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Wall time from session creation to finalization",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)

// MetricsRegistry returns the registry all pipeline metrics are registered on
func MetricsRegistry() *prometheus.Registry {
	return metricsRegistry
}

// WriteMetricsFile dumps the current metrics in text exposition format
func WriteMetricsFile(path string) error {
	return prometheus.WriteToTextfile(path, metricsRegistry)
}
