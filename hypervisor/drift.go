package hypervisor

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// Drift event kinds
const (
	DriftMetricAdded   = "metric_added"
	DriftMetricRemoved = "metric_removed"
	DriftTypeChanged   = "type_changed"
	DriftValueAnomaly  = "value_anomaly"
)

// Severity levels
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DriftEvent is one detected schema or value drift.
type DriftEvent struct {
	Type       string `json:"type"`
	AssetID    string `json:"asset_id"`
	MetricPath string `json:"metric_path"`
	Timestamp  int64  `json:"timestamp"`
	Severity   string `json:"severity"`

	// Schema change detail; empty for value anomalies.
	PreviousType string `json:"previous_type,omitempty"`
	CurrentType  string `json:"current_type,omitempty"`

	// Anomaly detail; zero for schema events.
	AnomalyScore float64 `json:"anomaly_score,omitempty"`
}

// fingerprint is the ordered (path, valueType) set of the most recent
// full snapshot of one asset.
type fingerprint map[string]string

// DriftDetector diffs snapshot fingerprints and publishes alerts.
type DriftDetector struct {
	cfg     config.DriftConfig
	table   *state.Table
	client  broker.Publisher
	metrics *metric.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	fingerprints map[string]fingerprint
}

// NewDriftDetector loads persisted fingerprints so restarts do not
// raise spurious alerts.
func NewDriftDetector(
	cfg config.DriftConfig,
	table *state.Table,
	client broker.Publisher,
	metrics *metric.Metrics,
	logger *slog.Logger,
) (*DriftDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &DriftDetector{
		cfg:          cfg,
		table:        table,
		client:       client,
		metrics:      metrics,
		logger:       logger,
		fingerprints: make(map[string]fingerprint),
	}

	if table != nil {
		err := table.ForEach(func(assetID string, value []byte) error {
			var fp fingerprint
			if err := json.Unmarshal(value, &fp); err == nil {
				d.fingerprints[assetID] = fp
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ObserveSnapshot diffs a full snapshot against the stored fingerprint,
// emits alerts for each difference, and stores the new fingerprint.
// The first snapshot for an asset produces no events.
func (d *DriftDetector) ObserveSnapshot(assetID string, records []aas.LeafRecord) []DriftEvent {
	if !d.cfg.Enabled {
		return nil
	}

	current := make(fingerprint, len(records))
	for _, rec := range records {
		current[rec.MetricName()] = rec.ValueType
	}

	d.mu.Lock()
	previous, seen := d.fingerprints[assetID]
	d.fingerprints[assetID] = current
	d.mu.Unlock()

	d.persist(assetID, current)

	if !seen {
		return nil
	}

	now := timestamp.Now()
	var events []DriftEvent

	// Deterministic event order for identical diffs.
	for _, path := range sortedKeys(current) {
		currentType := current[path]
		previousType, existed := previous[path]
		switch {
		case !existed:
			events = append(events, DriftEvent{
				Type: DriftMetricAdded, AssetID: assetID, MetricPath: path,
				Timestamp: now, Severity: d.severity(DriftMetricAdded),
			})
		case previousType != currentType:
			events = append(events, DriftEvent{
				Type: DriftTypeChanged, AssetID: assetID, MetricPath: path,
				Timestamp: now, Severity: d.severity(DriftTypeChanged),
				PreviousType: previousType, CurrentType: currentType,
			})
		}
	}
	for _, path := range sortedKeys(previous) {
		if _, still := current[path]; !still {
			events = append(events, DriftEvent{
				Type: DriftMetricRemoved, AssetID: assetID, MetricPath: path,
				Timestamp: now, Severity: d.severity(DriftMetricRemoved),
			})
		}
	}

	for _, ev := range events {
		d.emit(ev)
	}
	return events
}

// EmitAnomaly publishes a value-anomaly alert from the streaming
// detector.
func (d *DriftDetector) EmitAnomaly(assetID, metricPath string, score float64, severity string) {
	d.emit(DriftEvent{
		Type:         DriftValueAnomaly,
		AssetID:      assetID,
		MetricPath:   metricPath,
		Timestamp:    timestamp.Now(),
		Severity:     severity,
		AnomalyScore: score,
	})
}

func (d *DriftDetector) emit(ev DriftEvent) {
	if d.metrics != nil {
		d.metrics.DriftAlertsTotal.WithLabelValues(ev.Type).Inc()
	}
	d.logger.Warn("drift detected",
		"asset_id", ev.AssetID,
		"type", ev.Type,
		"metric_path", ev.MetricPath,
		"severity", ev.Severity)

	if d.client == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := mapping.DriftAlertTopic(ev.AssetID)
	if err := d.client.Publish(topic, payload, 0, false); err != nil {
		d.logger.Warn("drift alert publish failed", "topic", topic, "error", err)
	}
}

func (d *DriftDetector) persist(assetID string, fp fingerprint) {
	if d.table == nil {
		return
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return
	}
	if err := d.table.Put(assetID, data); err != nil {
		d.logger.Warn("fingerprint persist failed", "asset_id", assetID, "error", err)
	}
}

func (d *DriftDetector) severity(kind string) string {
	if sev, ok := d.cfg.SeverityMap[kind]; ok {
		return sev
	}
	// Documented defaults: removals high, type changes medium, additions low.
	switch kind {
	case DriftMetricRemoved:
		return SeverityHigh
	case DriftTypeChanged:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func sortedKeys(fp fingerprint) []string {
	keys := make([]string, 0, len(fp))
	for k := range fp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScoreSeverity maps an anomaly score to a severity via the configured
// thresholds.
func ScoreSeverity(thresholds map[string]float64, score float64) string {
	at := func(level string, fallback float64) float64 {
		if v, ok := thresholds[level]; ok {
			return v
		}
		return fallback
	}
	switch {
	case score >= at(SeverityCritical, 0.9):
		return SeverityCritical
	case score >= at(SeverityHigh, 0.7):
		return SeverityHigh
	case score >= at(SeverityMedium, 0.5):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsAnomalous reports whether a score crosses the alerting floor.
func IsAnomalous(thresholds map[string]float64, score float64) bool {
	floor := 0.3
	if v, ok := thresholds[SeverityLow]; ok {
		floor = v
	}
	return score >= floor
}
