package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core bridge metrics shared across subsystems.
type Metrics struct {
	// Error accounting per spec category (ingress_data, validation_reject,
	// persistence, broker_transient, broker_fatal, command_denied,
	// command_invalid, command_write_failed).
	ErrorsTotal *prometheus.CounterVec

	// Retained plane
	UNSPublishedTotal    prometheus.Counter
	UNSDeduplicatedTotal prometheus.Counter
	LastPublishTimestamp prometheus.Gauge

	// Lifecycle plane, labelled by message type (NBIRTH, DBIRTH, ...)
	SparkplugMessagesTotal *prometheus.CounterVec

	// Persistence, labelled by table name
	StateEvictionsTotal *prometheus.CounterVec

	// Hypervisor
	ValidationResultsTotal    *prometheus.CounterVec // outcome: pass|warn|reject
	DriftAlertsTotal          *prometheus.CounterVec // type: metric_added|metric_removed|type_changed|value_anomaly
	CommandWritesTotal        *prometheus.CounterVec // result: success|denied|invalid|write_failed
	LifecycleTransitionsTotal *prometheus.CounterVec // state: online|stale|offline
	AssetsTracked             prometheus.Gauge
	ContextCacheSize          prometheus.Gauge
	FidelityScore             *prometheus.GaugeVec // asset_id

	// Pipeline
	TraversalDuration prometheus.Histogram
	PublishQueueDepth prometheus.Gauge

	// Broker
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by category",
			},
			[]string{"type"},
		),

		UNSPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "uns",
				Name:      "published_total",
				Help:      "Total retained-plane publishes",
			},
		),

		UNSDeduplicatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "uns",
				Name:      "deduplicated_total",
				Help:      "Retained-plane publishes skipped because the payload hash was unchanged",
			},
		),

		LastPublishTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "uns",
				Name:      "last_publish_timestamp_seconds",
				Help:      "Unix time of the most recent retained publish",
			},
		),

		SparkplugMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "sparkplug",
				Name:      "messages_total",
				Help:      "Total lifecycle-plane messages by type",
			},
			[]string{"type"},
		),

		StateEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "state",
				Name:      "evictions_total",
				Help:      "Entries evicted from persistent tables by table",
			},
			[]string{"table"},
		),

		ValidationResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "validation",
				Name:      "results_total",
				Help:      "Validation outcomes by result",
			},
			[]string{"outcome"},
		),

		DriftAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "drift",
				Name:      "alerts_total",
				Help:      "Drift alerts emitted by type",
			},
			[]string{"type"},
		),

		CommandWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "command",
				Name:      "writes_total",
				Help:      "Bidirectional command outcomes by result",
			},
			[]string{"result"},
		),

		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Asset lifecycle transitions by new state",
			},
			[]string{"state"},
		),

		AssetsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "lifecycle",
				Name:      "assets_tracked",
				Help:      "Number of assets under lifecycle tracking",
			},
		),

		ContextCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "semantic",
				Name:      "context_cache_size",
				Help:      "Entries in the in-memory pointer cache",
			},
		),

		FidelityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "semantic",
				Name:      "fidelity_score",
				Help:      "Overall fidelity score of the latest snapshot per asset",
			},
			[]string{"asset_id"},
		),

		TraversalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aasbridge",
				Subsystem: "traversal",
				Name:      "duration_seconds",
				Help:      "Time to flatten one AAS environment",
				Buckets:   prometheus.DefBuckets,
			},
		),

		PublishQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "broker",
				Name:      "publish_queue_depth",
				Help:      "Messages waiting in the broker I/O worker queue",
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aasbridge",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aasbridge",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Number of broker reconnections",
			},
		),
	}
}
