package bus

import (
	"sort"

	"github.com/trustvector/backend/internal/schema"
)

// TransformFunc produces a routed copy of an envelope. Transforms must be
// pure: they receive a clone and must not touch shared state.
type TransformFunc func(e *schema.Envelope) *schema.Envelope

// ConditionFunc gates a rule. The rule is skipped when it returns false.
type ConditionFunc func(e *schema.Envelope) bool

// Rule declares a cross-component routing edge: envelopes of Type from any
// of Sources fan out to Targets. Lower Priority fires first; ties keep
// declaration order.
type Rule struct {
	Type      schema.EventType
	Sources   []schema.Source // empty = any source
	Targets   []schema.Source
	Priority  int
	Transform TransformFunc
	Condition ConditionFunc
}

func (r *Rule) matches(e *schema.Envelope) bool {
	if r.Type != e.Type {
		return false
	}
	if len(r.Sources) == 0 {
		return true
	}
	for _, s := range r.Sources {
		if s == e.Source {
			return true
		}
	}
	return false
}

// RoutedEvent is one (target, envelope) fan-out pair.
type RoutedEvent struct {
	Target   schema.Source
	Envelope *schema.Envelope
}

// Router applies an immutable rule set. Rules are loaded once at
// initialization, so routing needs no locks.
type Router struct {
	rules []Rule
}

// NewRouter builds a router from the rule set, ordered by (priority,
// declaration order).
func NewRouter(rules []Rule) *Router {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Router{rules: sorted}
}

// Route produces the ordered fan-out pairs for an envelope. Within a rule,
// targets fire in declaration order.
func (r *Router) Route(e *schema.Envelope) []RoutedEvent {
	var routed []RoutedEvent
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(e) {
			continue
		}
		if rule.Condition != nil && !rule.Condition(e) {
			continue
		}

		out := e
		if rule.Transform != nil {
			out = rule.Transform(e.Clone())
		}
		for _, target := range rule.Targets {
			routed = append(routed, RoutedEvent{Target: target, Envelope: out})
		}
	}
	return routed
}

// Rules returns a copy of the active rule set, in firing order.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// DefaultRules is the canonical cross-component routing table. The three
// fast-path event types route at priority 1 so their fan-out is computed
// before lower-urgency edges within the same batch.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:     schema.EventVulnerabilityDiscovered,
			Sources:  []schema.Source{schema.SourceVulnerability},
			Targets:  []schema.Source{schema.SourceRisk, schema.SourceMonitoring, schema.SourcePolicy},
			Priority: 1,
		},
		{
			Type:     schema.EventMonitoringAlert,
			Sources:  []schema.Source{schema.SourceMonitoring},
			Targets:  []schema.Source{schema.SourceVulnerability, schema.SourceIntelligence, schema.SourceClearance},
			Priority: 1,
		},
		{
			Type:     schema.EventThreatIntelUpdated,
			Sources:  []schema.Source{schema.SourceIntelligence},
			Targets:  []schema.Source{schema.SourceVulnerability, schema.SourceMonitoring, schema.SourcePolicy},
			Priority: 1,
		},
		{
			Type:     schema.EventTrustPointsEarned,
			Targets:  []schema.Source{schema.SourceTrustEngine, schema.SourceValue},
			Priority: 2,
		},
		{
			Type:     schema.EventRegulationDetected,
			Sources:  []schema.Source{schema.SourceRegulation},
			Targets:  []schema.Source{schema.SourceVulnerability, schema.SourceRisk},
			Priority: 5,
		},
		{
			Type:     schema.EventComplianceGapIdentified,
			Sources:  []schema.Source{schema.SourceRegulation, schema.SourcePolicy},
			Targets:  []schema.Source{schema.SourceVulnerability, schema.SourceRisk, schema.SourcePolicy},
			Priority: 5,
		},
		{
			Type:     schema.EventSecurityPostureUpdated,
			Sources:  []schema.Source{schema.SourceVulnerability, schema.SourceMonitoring},
			Targets:  []schema.Source{schema.SourceValue, schema.SourceRegulation},
			Priority: 5,
		},
		{
			Type:     schema.EventRiskQuantified,
			Sources:  []schema.Source{schema.SourceRisk},
			Targets:  []schema.Source{schema.SourceClearance, schema.SourceValue},
			Priority: 5,
		},
		{
			Type:     schema.EventMetricsCollected,
			Sources:  []schema.Source{schema.SourceMonitoring, schema.SourceValue},
			Targets:  []schema.Source{schema.SourceValue, schema.SourceRegulation, schema.SourceVulnerability},
			Priority: 5,
		},
	}
}
