// Package hypervisor implements the semantic supervision layer that
// wraps the publish pipeline: pre-publish validation, pointer-mode
// context management, schema and streaming drift detection, asset
// lifecycle tracking, snapshot fidelity scoring and the bidirectional
// command path.
package hypervisor

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/metric"
)

// Outcome classifies one record's validation result.
type Outcome int

// Validation outcomes
const (
	Pass Outcome = iota
	Warn
	Reject
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Violation is one failed validation rule.
type Violation struct {
	Rule       string
	Message    string
	Path       string
	SemanticID string
}

// ValidationResult is the outcome for one record.
type ValidationResult struct {
	Outcome    Outcome
	Violations []Violation
}

// Validator applies semantic rules to leaf records before publication.
type Validator struct {
	cfg      config.SemanticConfig
	required map[string]struct{}
	patterns map[string]*regexp.Regexp
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// NewValidator compiles the configured rules.
func NewValidator(cfg config.SemanticConfig, metrics *metric.Metrics, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{
		cfg:      cfg,
		required: make(map[string]struct{}, len(cfg.RequiredForTypes)),
		patterns: make(map[string]*regexp.Regexp),
		metrics:  metrics,
		logger:   logger,
	}
	for _, kind := range cfg.RequiredForTypes {
		v.required[kind] = struct{}{}
	}
	for semanticID, constraint := range cfg.ValueConstraints {
		if constraint.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(constraint.Pattern)
		if err != nil {
			logger.Warn("invalid constraint pattern ignored",
				"semantic_id", semanticID, "pattern", constraint.Pattern, "error", err)
			continue
		}
		v.patterns[semanticID] = re
	}
	return v
}

// Validate applies the rules to one record. Level 0 always passes;
// level 1 downgrades rejections to warnings unless reject_invalid is
// set; level 2 rejects.
func (v *Validator) Validate(rec aas.LeafRecord) ValidationResult {
	if v.cfg.ValidationLevel == 0 {
		return ValidationResult{Outcome: Pass}
	}

	var violations []Violation
	violations = append(violations, v.checkSemanticID(rec)...)
	if rec.SemanticID != "" {
		violations = append(violations, v.checkConstraints(rec)...)
	}

	result := ValidationResult{Violations: violations}
	switch {
	case len(violations) == 0:
		result.Outcome = Pass
	case v.cfg.ValidationLevel >= 2 || v.cfg.RejectInvalid:
		result.Outcome = Reject
	default:
		result.Outcome = Warn
	}

	if v.metrics != nil {
		v.metrics.ValidationResultsTotal.WithLabelValues(result.Outcome.String()).Inc()
	}
	if result.Outcome != Pass {
		v.logger.Debug("validation flagged record",
			"path", rec.PathKey(),
			"outcome", result.Outcome.String(),
			"violations", len(violations))
	}
	return result
}

// ShouldDrop reports whether a rejected record is dropped from the
// pipeline, per the reject policy.
func (v *Validator) ShouldDrop(result ValidationResult) bool {
	return result.Outcome == Reject && v.cfg.RejectInvalid
}

func (v *Validator) checkSemanticID(rec aas.LeafRecord) []Violation {
	if !v.cfg.EnforceSemanticIDs {
		return nil
	}
	if _, needed := v.required[string(rec.Kind)]; !needed {
		return nil
	}
	if rec.SemanticID != "" {
		return nil
	}
	return []Violation{{
		Rule:    "missing_semantic_id",
		Message: fmt.Sprintf("%s element requires a semantic ID", rec.Kind),
		Path:    rec.PathKey(),
	}}
}

func (v *Validator) checkConstraints(rec aas.LeafRecord) []Violation {
	constraint, ok := v.cfg.ValueConstraints[rec.SemanticID]
	if !ok {
		return nil
	}

	var violations []Violation

	if rec.Value.IsNumeric() {
		value := rec.Value.AsFloat()
		if constraint.Min != nil && value < *constraint.Min {
			violations = append(violations, Violation{
				Rule:       "value_out_of_range",
				Message:    fmt.Sprintf("value %g is below minimum %g", value, *constraint.Min),
				Path:       rec.PathKey(),
				SemanticID: rec.SemanticID,
			})
		}
		if constraint.Max != nil && value > *constraint.Max {
			violations = append(violations, Violation{
				Rule:       "value_out_of_range",
				Message:    fmt.Sprintf("value %g exceeds maximum %g", value, *constraint.Max),
				Path:       rec.PathKey(),
				SemanticID: rec.SemanticID,
			})
		}
	}

	if constraint.Unit != "" && rec.Unit != constraint.Unit {
		violations = append(violations, Violation{
			Rule:       "unit_mismatch",
			Message:    fmt.Sprintf("unit %q does not match expected %q", rec.Unit, constraint.Unit),
			Path:       rec.PathKey(),
			SemanticID: rec.SemanticID,
		})
	}

	if re, ok := v.patterns[rec.SemanticID]; ok && rec.Value.Kind() == aas.KindText {
		if !re.MatchString(rec.Value.AsText()) {
			violations = append(violations, Violation{
				Rule:       "pattern_mismatch",
				Message:    fmt.Sprintf("value %q does not match pattern %q", rec.Value.AsText(), constraint.Pattern),
				Path:       rec.PathKey(),
				SemanticID: rec.SemanticID,
			})
		}
	}

	return violations
}
