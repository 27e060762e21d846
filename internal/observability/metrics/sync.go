// Package metrics provides sync engine metrics for observability
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/syncer"
)

// StatusSource reports per-status record counts.
type StatusSource interface {
	CountByStatus(ctx context.Context) (*datastore.StatusCounts, error)
}

// SyncMetrics contains Prometheus metrics for sync passes and the record
// store. It observes every completed pass.
type SyncMetrics struct {
	registry *prometheus.Registry

	// Pass metrics
	passesTotal       *prometheus.CounterVec
	passDuration      prometheus.Histogram
	passErrorsTotal   prometheus.Counter
	lastPassTimestamp prometheus.Gauge

	// Record metrics
	recordsTotal     *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	recoveredTotal   prometheus.Counter
	autoRetriedTotal prometheus.Counter

	// Compression metrics
	compressionResultsTotal *prometheus.CounterVec
	bytesSavedTotal         prometheus.Counter
	artifactsReusedTotal    prometheus.Counter

	// Store status gauges, refreshed after each pass when a source is set
	storeRecords *prometheus.GaugeVec
	statusSource StatusSource

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewSyncMetrics creates and registers new sync metrics
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *SyncMetrics) initMetrics() {
	m.passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsync_passes_total",
			Help: "Total number of sync passes",
		},
		[]string{"result"}, // result: completed, cancelled
	)

	m.passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callsync_pass_duration_seconds",
			Help:    "Time taken for sync passes",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15), // 100ms to ~55m
		},
	)

	m.passErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsync_pass_errors_total",
			Help: "Total number of storage errors that stopped part of a pass",
		},
	)

	m.lastPassTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callsync_last_pass_timestamp_seconds",
			Help: "Unix time at which the last sync pass started",
		},
	)

	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsync_records_total",
			Help: "Total number of records processed by sync passes",
		},
		[]string{"axis", "outcome"}, // axis: metadata, recording; outcome: succeeded, failed, conflict, skipped
	)

	m.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsync_failures_total",
			Help: "Total number of records moved to FAILED by error kind",
		},
		[]string{"axis", "kind"},
	)

	m.recoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsync_stale_recovered_total",
			Help: "Total number of abandoned in-flight recordings returned to PENDING",
		},
	)

	m.autoRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsync_auto_retried_total",
			Help: "Total number of failed records requeued automatically",
		},
	)

	m.compressionResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsync_compression_results_total",
			Help: "Total number of compression attempts by result",
		},
		[]string{"result"},
	)

	m.bytesSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsync_compression_bytes_saved_total",
			Help: "Total bytes saved by compressing recordings",
		},
	)

	m.artifactsReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsync_artifacts_reused_total",
			Help: "Total number of uploads that reused a compressed artifact from an earlier attempt",
		},
	)

	m.storeRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callsync_store_records",
			Help: "Number of stored call records by axis and status",
		},
		[]string{"axis", "status"},
	)

	m.collectors = []prometheus.Collector{
		m.passesTotal,
		m.passDuration,
		m.passErrorsTotal,
		m.lastPassTimestamp,
		m.recordsTotal,
		m.failuresTotal,
		m.recoveredTotal,
		m.autoRetriedTotal,
		m.compressionResultsTotal,
		m.bytesSavedTotal,
		m.artifactsReusedTotal,
		m.storeRecords,
	}
}

// Describe implements the Collector interface
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// SetStatusSource makes PassCompleted refresh the store status gauges from
// src. Call it before the first pass.
func (m *SyncMetrics) SetStatusSource(src StatusSource) {
	m.statusSource = src
}

// PassCompleted records a finished pass.
func (m *SyncMetrics) PassCompleted(ctx context.Context, r *syncer.PassReport) {
	result := "completed"
	if r.Cancelled {
		result = "cancelled"
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.passDuration.Observe(r.Duration.Seconds())
	m.passErrorsTotal.Add(float64(len(r.Errors)))
	m.lastPassTimestamp.Set(float64(r.StartedAt.Unix()))

	m.recordAxis(AxisMetadata, &r.Metadata)
	m.recordAxis(AxisRecording, &r.Recording)
	m.recoveredTotal.Add(float64(r.Recovered))
	m.autoRetriedTotal.Add(float64(r.AutoRetried))

	for res, n := range r.Compression {
		m.compressionResultsTotal.WithLabelValues(string(res)).Add(float64(n))
	}
	if r.BytesSaved > 0 {
		m.bytesSavedTotal.Add(float64(r.BytesSaved))
	}
	m.artifactsReusedTotal.Add(float64(r.Reused))

	if m.statusSource != nil {
		if counts, err := m.statusSource.CountByStatus(ctx); err == nil {
			m.UpdateStatusCounts(counts)
		}
	}
}

func (m *SyncMetrics) recordAxis(axis string, a *syncer.AxisReport) {
	m.recordsTotal.WithLabelValues(axis, OutcomeSucceeded).Add(float64(a.Succeeded))
	m.recordsTotal.WithLabelValues(axis, OutcomeFailed).Add(float64(a.Failed))
	m.recordsTotal.WithLabelValues(axis, OutcomeConflict).Add(float64(a.Conflicts))
	m.recordsTotal.WithLabelValues(axis, OutcomeSkipped).Add(float64(a.Skipped))
	for kind, n := range a.Failures {
		m.failuresTotal.WithLabelValues(axis, string(kind)).Add(float64(n))
	}
}

// UpdateStatusCounts replaces the store status gauges.
func (m *SyncMetrics) UpdateStatusCounts(c *datastore.StatusCounts) {
	m.storeRecords.Reset()
	for status, n := range c.Metadata {
		m.storeRecords.WithLabelValues(AxisMetadata, string(status)).Set(float64(n))
	}
	for status, n := range c.Recording {
		m.storeRecords.WithLabelValues(AxisRecording, string(status)).Set(float64(n))
	}
}
