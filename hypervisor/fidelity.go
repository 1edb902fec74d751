package hypervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// FidelityReport scores how faithfully one snapshot of an asset reached
// the publishers.
type FidelityReport struct {
	AssetID            string   `json:"asset_id"`
	OverallScore       float64  `json:"overall_score"`
	StructuralFidelity float64  `json:"structural_fidelity"`
	SemanticFidelity   float64  `json:"semantic_fidelity"`
	EntropyScore       float64  `json:"entropy_score"`
	MetricCount        int      `json:"metric_count"`
	Recommendations    []string `json:"recommendations,omitempty"`
	Timestamp          int64    `json:"timestamp"`
}

// Grade returns a letter grade for the overall score.
func (r FidelityReport) Grade() string {
	switch {
	case r.OverallScore >= 0.95:
		return "A+"
	case r.OverallScore >= 0.90:
		return "A"
	case r.OverallScore >= 0.85:
		return "B+"
	case r.OverallScore >= 0.80:
		return "B"
	case r.OverallScore >= 0.70:
		return "C"
	case r.OverallScore >= 0.60:
		return "D"
	default:
		return "F"
	}
}

// FidelityCalculator computes per-snapshot fidelity and keeps history.
type FidelityCalculator struct {
	cfg     config.FidelityConfig
	table   *state.Table
	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewFidelityCalculator creates the calculator; table persists history.
func NewFidelityCalculator(cfg config.FidelityConfig, table *state.Table, metrics *metric.Metrics, logger *slog.Logger) *FidelityCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FidelityCalculator{cfg: cfg, table: table, metrics: metrics, logger: logger}
}

// Evaluate scores a snapshot. traversed is the count of leaves the
// traversal saw (including failed ones); published are the records that
// reached a publisher.
func (c *FidelityCalculator) Evaluate(assetID string, traversed int, published []aas.LeafRecord) FidelityReport {
	report := FidelityReport{
		AssetID:     assetID,
		MetricCount: len(published),
		Timestamp:   timestamp.Now(),
	}

	report.StructuralFidelity = structuralFidelity(traversed, len(published))
	report.SemanticFidelity = semanticFidelity(published)
	report.EntropyScore = entropyScore(published)

	weights := c.cfg.Weights
	w := func(name string, fallback float64) float64 {
		if v, ok := weights[name]; ok {
			return v
		}
		return fallback
	}
	wS, wM, wE := w("structural", 0.3), w("semantic", 0.5), w("entropy", 0.2)
	total := wS + wM + wE
	if total <= 0 {
		wS, wM, wE, total = 0.3, 0.5, 0.2, 1.0
	}
	report.OverallScore = (wS*report.StructuralFidelity +
		wM*report.SemanticFidelity +
		wE*report.EntropyScore) / total

	report.Recommendations = recommendations(report)

	if c.metrics != nil {
		c.metrics.FidelityScore.WithLabelValues(assetID).Set(report.OverallScore)
	}
	if c.cfg.Enabled && report.OverallScore < c.cfg.AlertThreshold {
		c.logger.Warn("fidelity below threshold",
			"asset_id", assetID,
			"overall", report.OverallScore,
			"grade", report.Grade())
	}

	c.persist(report)
	return report
}

// ShouldAlert reports whether a score falls below the alert threshold.
func (c *FidelityCalculator) ShouldAlert(report FidelityReport) bool {
	return c.cfg.Enabled && report.OverallScore < c.cfg.AlertThreshold
}

// History returns persisted reports for an asset, most recent last.
func (c *FidelityCalculator) History(assetID string) ([]FidelityReport, error) {
	if c.table == nil {
		return nil, nil
	}
	var reports []FidelityReport
	prefix := assetID + "\x00"
	err := c.table.ForEach(func(key string, value []byte) error {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			return nil
		}
		var report FidelityReport
		if err := json.Unmarshal(value, &report); err == nil {
			reports = append(reports, report)
		}
		return nil
	})
	return reports, err
}

func (c *FidelityCalculator) persist(report FidelityReport) {
	if c.table == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s\x00%020d", report.AssetID, report.Timestamp)
	if err := c.table.Put(key, data); err != nil {
		c.logger.Warn("fidelity persist failed", "asset_id", report.AssetID, "error", err)
	}
}

// structuralFidelity is the fraction of traversed leaves that reached a
// publisher.
func structuralFidelity(traversed, published int) float64 {
	if traversed <= 0 {
		return 1.0
	}
	f := float64(published) / float64(traversed)
	if f > 1 {
		return 1
	}
	return f
}

// semanticFidelity weighs semantic-ID coverage against preservation of
// composite reference keys.
func semanticFidelity(records []aas.LeafRecord) float64 {
	if len(records) == 0 {
		return 1.0
	}

	withSemantic := 0
	totalKeys := 0
	preservedKeys := 0
	for _, rec := range records {
		if rec.SemanticID != "" {
			withSemantic++
		}
		if n := len(rec.SemanticKeys); n > 0 {
			totalKeys += n
			preservedKeys += n
		} else if rec.SemanticID != "" {
			totalKeys++
			preservedKeys++
		}
	}

	coverage := float64(withSemantic) / float64(len(records))
	keyRatio := 0.0
	if totalKeys > 0 {
		keyRatio = float64(preservedKeys) / float64(totalKeys)
	}
	return 0.7*coverage + 0.3*keyRatio
}

// entropyScore is 1 minus the normalized entropy loss between the AAS
// value distribution and the published value distribution. Published
// values are preserved verbatim, so loss only accrues from null-ing.
func entropyScore(records []aas.LeafRecord) float64 {
	if len(records) == 0 {
		return 1.0
	}

	nonNull := 0
	for _, rec := range records {
		if !rec.Value.IsNull() {
			nonNull++
		}
	}
	if nonNull == len(records) {
		return 1.0
	}
	if nonNull == 0 {
		return 0.0
	}

	original := math.Log2(float64(len(records)))
	preserved := math.Log2(float64(nonNull))
	if original == 0 {
		return 1.0
	}
	return preserved / original
}

func recommendations(report FidelityReport) []string {
	var recs []string
	if report.StructuralFidelity < 0.9 {
		recs = append(recs, "some leaves failed traversal; inspect ingress error counters")
	}
	if report.SemanticFidelity < 0.5 {
		recs = append(recs, "most metrics lack semantic IDs; enrich the AAS source or relax enforcement")
	}
	if report.EntropyScore < 0.8 {
		recs = append(recs, "many null values reached the publishers; check value extraction")
	}
	return recs
}
