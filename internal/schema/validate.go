package schema

import (
	"errors"
	"fmt"
)

// ErrUnknownVariant rejects envelopes whose (source, type) pair is not a
// registered payload variant.
var ErrUnknownVariant = errors.New("unknown (source, type) variant")

// SchemaError reports a payload that fails its variant's constraints.
type SchemaError struct {
	Source Source
	Type   EventType
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation for %s/%s: %s", e.Source, e.Type, e.Reason)
}

// fieldRule constrains a single payload field.
type fieldRule struct {
	name     string
	required bool
	check    func(v interface{}) string // non-empty string = violation reason
}

// variant is one arm of the payload tagged union.
type variant struct {
	// sources restricts which components may emit this type; empty = any.
	sources []Source
	fields  []fieldRule
}

func (v *variant) allows(s Source) bool {
	if len(v.sources) == 0 {
		return true
	}
	for _, allowed := range v.sources {
		if allowed == s {
			return true
		}
	}
	return false
}

// --- field checks -----------------------------------------------------------

func isString(v interface{}) string {
	if _, ok := v.(string); !ok {
		return "expected string"
	}
	return ""
}

func nonEmptyString(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return "expected string"
	}
	if s == "" {
		return "must not be empty"
	}
	return ""
}

// asFloat accepts the numeric shapes JSON decoding produces.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isNumber(v interface{}) string {
	if _, ok := asFloat(v); !ok {
		return "expected number"
	}
	return ""
}

func numberInRange(lo, hi float64) func(v interface{}) string {
	return func(v interface{}) string {
		n, ok := asFloat(v)
		if !ok {
			return "expected number"
		}
		if n < lo || n > hi {
			return fmt.Sprintf("must be within [%g, %g], got %g", lo, hi, n)
		}
		return ""
	}
}

func nonNegativeNumber(v interface{}) string {
	n, ok := asFloat(v)
	if !ok {
		return "expected number"
	}
	if n < 0 {
		return fmt.Sprintf("must not be negative, got %g", n)
	}
	return ""
}

func oneOf(values ...string) func(v interface{}) string {
	allowed := make(map[string]bool, len(values))
	for _, s := range values {
		allowed[s] = true
	}
	return func(v interface{}) string {
		s, ok := v.(string)
		if !ok {
			return "expected string"
		}
		if !allowed[s] {
			return fmt.Sprintf("%q is not an allowed value", s)
		}
		return ""
	}
}

func isBool(v interface{}) string {
	if _, ok := v.(bool); !ok {
		return "expected boolean"
	}
	return ""
}

func isStringList(v interface{}) string {
	switch list := v.(type) {
	case []string:
		return ""
	case []interface{}:
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return "expected list of strings"
			}
		}
		return ""
	}
	return "expected list of strings"
}

func isObject(v interface{}) string {
	if _, ok := v.(map[string]interface{}); !ok {
		return "expected object"
	}
	return ""
}

var severityCheck = oneOf("low", "medium", "high", "critical")

// --- variant registry --------------------------------------------------------

// registry maps event types to their payload arms. The (source, type) pair is
// the union discriminator: a type emitted by a source outside its arm's
// source list is an unknown variant.
var registry = map[EventType]*variant{
	EventRegulationDetected: {
		sources: []Source{SourceRegulation},
		fields: []fieldRule{
			{"regulation_id", true, nonEmptyString},
			{"impact", true, severityCheck},
			{"effective_date", false, isString},
			{"affected_frameworks", false, isStringList},
			{"estimated_cost", false, nonNegativeNumber},
			{"trust_equity_impact", false, isNumber},
		},
	},
	EventComplianceGapIdentified: {
		sources: []Source{SourceRegulation, SourcePolicy},
		fields: []fieldRule{
			{"gap_id", true, nonEmptyString},
			{"framework", true, nonEmptyString},
			{"severity", true, severityCheck},
			{"controls", false, isStringList},
		},
	},
	EventVulnerabilityDiscovered: {
		sources: []Source{SourceVulnerability},
		fields: []fieldRule{
			{"vulnerability_id", true, nonEmptyString},
			{"severity", true, severityCheck},
			{"cvss_score", true, numberInRange(0, 10)},
			{"affected_assets", false, isStringList},
			{"description", false, isString},
		},
	},
	EventSecurityPostureUpdated: {
		sources: []Source{SourceVulnerability, SourceMonitoring},
		fields: []fieldRule{
			{"posture_score", true, numberInRange(0, 100)},
			{"delta", false, isNumber},
			{"assessed_at", false, isString},
		},
	},
	EventRiskQuantified: {
		sources: []Source{SourceRisk},
		fields: []fieldRule{
			{"risk_id", true, nonEmptyString},
			{"probability", true, numberInRange(0, 1)},
			{"impact_usd", true, nonNegativeNumber},
			{"methodology", false, isString},
		},
	},
	EventMonitoringAlert: {
		sources: []Source{SourceMonitoring},
		fields: []fieldRule{
			{"alert_id", true, nonEmptyString},
			{"severity", true, severityCheck},
			{"metric", false, isString},
			{"threshold", false, isNumber},
			{"value", false, isNumber},
		},
	},
	EventMetricsCollected: {
		sources: []Source{SourceMonitoring, SourceValue},
		fields: []fieldRule{
			{"metrics", true, isObject},
			{"period", false, isString},
		},
	},
	EventThreatIntelUpdated: {
		sources: []Source{SourceIntelligence},
		fields: []fieldRule{
			{"threat_id", true, nonEmptyString},
			{"severity", true, severityCheck},
			{"indicators", false, isStringList},
			{"source_feed", false, isString},
		},
	},
	EventTrustPointsEarned: {
		// Any component can earn trust points.
		fields: []fieldRule{
			{"entity_id", true, nonEmptyString},
			{"entity_type", true, oneOf("organization", "user", "asset")},
			{"points", true, isNumber},
			{"category", true, oneOf("compliance", "security", "risk_management", "automation", "intelligence")},
			{"multiplier", false, nonNegativeNumber},
			{"evidence_event_id", false, isString},
		},
	},
	EventTrustScoreUpdated: {
		sources: []Source{SourceTrustEngine},
		fields: []fieldRule{
			{"entity_id", true, nonEmptyString},
			{"previous_score", true, isNumber},
			{"new_score", true, isNumber},
			{"change", true, isNumber},
			{"tier", true, oneOf("bronze", "silver", "gold", "platinum")},
			{"tier_change", true, isBool},
			{"breakdown", false, isObject},
		},
	},
	EventWorkflowStarted: {
		sources: []Source{SourceOrchestrator},
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"workflow_type", true, nonEmptyString},
		},
	},
	EventWorkflowStepRequested: {
		sources: []Source{SourceOrchestrator},
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"step_id", true, nonEmptyString},
			{"component", true, nonEmptyString},
			{"action", true, nonEmptyString},
			{"input", false, isObject},
		},
	},
	EventWorkflowStepCompleted: {
		// Completions are emitted by whichever component ran the step.
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"step_id", true, nonEmptyString},
			{"status", true, oneOf("completed", "failed")},
			{"output", false, isObject},
			{"error", false, isString},
		},
	},
	EventWorkflowCompleted: {
		sources: []Source{SourceOrchestrator},
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"workflow_type", true, nonEmptyString},
			{"result", false, isObject},
		},
	},
	EventWorkflowFailed: {
		sources: []Source{SourceOrchestrator},
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"workflow_type", true, nonEmptyString},
			{"errors", false, isStringList},
		},
	},
	EventWorkflowCompensated: {
		sources: []Source{SourceOrchestrator},
		fields: []fieldRule{
			{"workflow_id", true, nonEmptyString},
			{"workflow_type", true, nonEmptyString},
		},
	},
	EventEmergencyDecision: {
		sources: []Source{SourceClearance, SourceOrchestrator},
		fields: []fieldRule{
			{"decision_id", true, nonEmptyString},
			{"urgency", true, oneOf("routine", "elevated", "immediate")},
			{"sla_minutes", true, nonNegativeNumber},
			{"reason", false, isString},
			{"approval_level", false, oneOf("manager", "director", "executive")},
		},
	},
}

// Validate checks the envelope against its (source, type) payload variant.
// The validator is pure: no I/O, no clock, no mutation of the envelope.
func Validate(e *Envelope) error {
	if e == nil {
		return &SchemaError{Reason: "nil envelope"}
	}
	if !KnownSource(e.Source) {
		return fmt.Errorf("%w: source %q", ErrUnknownVariant, e.Source)
	}

	v, ok := registry[e.Type]
	if !ok {
		return fmt.Errorf("%w: type %q", ErrUnknownVariant, e.Type)
	}
	if !v.allows(e.Source) {
		return fmt.Errorf("%w: %s may not emit %s", ErrUnknownVariant, e.Source, e.Type)
	}

	if e.Data == nil {
		return &SchemaError{Source: e.Source, Type: e.Type, Reason: "missing payload"}
	}

	for _, rule := range v.fields {
		value, present := e.Data[rule.name]
		if !present {
			if rule.required {
				return &SchemaError{
					Source: e.Source, Type: e.Type,
					Reason: fmt.Sprintf("missing required field %q", rule.name),
				}
			}
			continue
		}
		if reason := rule.check(value); reason != "" {
			return &SchemaError{
				Source: e.Source, Type: e.Type,
				Reason: fmt.Sprintf("field %q: %s", rule.name, reason),
			}
		}
	}

	return nil
}

// KnownType reports whether the type has a registered payload variant.
func KnownType(t EventType) bool {
	_, ok := registry[t]
	return ok
}
