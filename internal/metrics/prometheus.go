package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the document node
type Metrics struct {
	// Transaction merger metrics
	MergerBatchSize         prometheus.Histogram
	MergerBatchDuration     prometheus.Histogram
	MergerQueueDepth        prometheus.Gauge
	MergerCommandsTotal     *prometheus.CounterVec
	MergerBatchFailures     prometheus.Counter
	MergerSplitRetriesTotal prometheus.Counter
	MergerFaulted           prometheus.Gauge

	// Command log metrics
	CommandLogAppendsTotal   prometheus.Counter
	CommandLogAppendDuration prometheus.Histogram
	CommandLogSegmentsTotal  prometheus.Gauge
	CommandLogLastSequence   prometheus.Gauge

	// Revisions metrics
	RevisionsRemovedTotal    prometheus.Counter
	RevisionsEnforcementRuns *prometheus.CounterVec

	// Replication and conflict metrics
	ReplicationOutcomesTotal *prometheus.CounterVec

	// Administrative operation metrics
	OperationsActive prometheus.Gauge

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates the document node metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		MergerBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "batch_size",
			Help:        "Histogram of commands per merged transaction",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048
		}),
		MergerBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "batch_duration_seconds",
			Help:        "Histogram of merged transaction durations including commit",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MergerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "queue_depth",
			Help:        "Commands waiting for the merger",
			ConstLabels: labels,
		}),
		MergerCommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "commands_total",
			Help:        "Total number of merged commands by type and outcome",
			ConstLabels: labels,
		}, []string{"type", "outcome"}),
		MergerBatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "batch_failures_total",
			Help:        "Total number of batches failed by a fatal error",
			ConstLabels: labels,
		}),
		MergerSplitRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "split_retries_total",
			Help:        "Total number of oversized batches retried one command at a time",
			ConstLabels: labels,
		}),
		MergerFaulted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "txmerger",
			Name:        "faulted",
			Help:        "1 when the merger stopped accepting commands after repeated failures",
			ConstLabels: labels,
		}),

		CommandLogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "commandlog",
			Name:        "appends_total",
			Help:        "Total number of command log appends",
			ConstLabels: labels,
		}),
		CommandLogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "commandlog",
			Name:        "append_duration_seconds",
			Help:        "Histogram of command log append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CommandLogSegmentsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "commandlog",
			Name:        "segments_total",
			Help:        "Current number of command log segments",
			ConstLabels: labels,
		}),
		CommandLogLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "commandlog",
			Name:        "last_sequence",
			Help:        "Sequence number of the last recorded command",
			ConstLabels: labels,
		}),

		RevisionsRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "revisions",
			Name:        "removed_total",
			Help:        "Total number of revisions removed by enforcement",
			ConstLabels: labels,
		}),
		RevisionsEnforcementRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "revisions",
			Name:        "enforcement_runs_total",
			Help:        "Total number of enforcement runs by status",
			ConstLabels: labels,
		}, []string{"status"}),

		ReplicationOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "incoming_total",
			Help:        "Total number of replicated versions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		OperationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "operations",
			Name:        "active",
			Help:        "Administrative operations currently running",
			ConstLabels: labels,
		}),

		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
	}
}

// RecordBatch records one committed or failed merged transaction
func (m *Metrics) RecordBatch(size int, duration float64) {
	m.MergerBatchSize.Observe(float64(size))
	m.MergerBatchDuration.Observe(duration)
}

// RecordCommand records the outcome of one merged command
func (m *Metrics) RecordCommand(commandType, outcome string) {
	m.MergerCommandsTotal.WithLabelValues(commandType, outcome).Inc()
}

// SetQueueDepth updates the merger queue gauge
func (m *Metrics) SetQueueDepth(depth int) {
	m.MergerQueueDepth.Set(float64(depth))
}

// RecordBatchFailure records a batch failed by a fatal error
func (m *Metrics) RecordBatchFailure() {
	m.MergerBatchFailures.Inc()
}

// RecordSplitRetry records a batch retried one command at a time
func (m *Metrics) RecordSplitRetry() {
	m.MergerSplitRetriesTotal.Inc()
}

// SetFaulted updates the merger faulted gauge
func (m *Metrics) SetFaulted(faulted bool) {
	if faulted {
		m.MergerFaulted.Set(1)
		return
	}
	m.MergerFaulted.Set(0)
}

// RecordCommandLogAppend records a command log append
func (m *Metrics) RecordCommandLogAppend(duration float64, sequence int64) {
	m.CommandLogAppendsTotal.Inc()
	m.CommandLogAppendDuration.Observe(duration)
	m.CommandLogLastSequence.Set(float64(sequence))
}

// UpdateCommandLogSegments updates the segment count
func (m *Metrics) UpdateCommandLogSegments(segments int) {
	m.CommandLogSegmentsTotal.Set(float64(segments))
}

// RecordEnforcement records a finished enforcement run
func (m *Metrics) RecordEnforcement(status string, removed int64) {
	m.RevisionsEnforcementRuns.WithLabelValues(status).Inc()
	m.RevisionsRemovedTotal.Add(float64(removed))
}

// RecordReplicationOutcome records the handling of a replicated version
func (m *Metrics) RecordReplicationOutcome(outcome string) {
	m.ReplicationOutcomesTotal.WithLabelValues(outcome).Inc()
}

// UpdateDiskStats updates disk statistics
func (m *Metrics) UpdateDiskStats(usagePercent float64, available uint64) {
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(available))
}
