package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustvector/backend/internal/schema"
)

func routedVuln(severity string) *schema.Envelope {
	return &schema.Envelope{
		EventID:   "route-vuln-1",
		Timestamp: time.Now().UTC(),
		Source:    schema.SourceVulnerability,
		Type:      schema.EventVulnerabilityDiscovered,
		Data: map[string]interface{}{
			"vulnerability_id": "CVE-2024-9999",
			"severity":         severity,
			"cvss_score":       9.1,
		},
	}
}

func targets(routed []RoutedEvent) []schema.Source {
	out := make([]schema.Source, len(routed))
	for i, r := range routed {
		out[i] = r.Target
	}
	return out
}

func TestDefaultRulesVulnerabilityFanout(t *testing.T) {
	router := NewRouter(DefaultRules())

	routed := router.Route(routedVuln("high"))
	assert.Equal(t,
		[]schema.Source{schema.SourceRisk, schema.SourceMonitoring, schema.SourcePolicy},
		targets(routed))
}

func TestDefaultRulesTrustPointsFromAnySource(t *testing.T) {
	router := NewRouter(DefaultRules())

	points := &schema.Envelope{
		EventID:   "route-points-1",
		Timestamp: time.Now().UTC(),
		Source:    schema.SourceRegulation,
		Type:      schema.EventTrustPointsEarned,
		Data: map[string]interface{}{
			"entity_id":   "system",
			"entity_type": "organization",
			"points":      25.0,
			"category":    "compliance",
		},
	}

	routed := router.Route(points)
	assert.Equal(t,
		[]schema.Source{schema.SourceTrustEngine, schema.SourceValue},
		targets(routed))
}

func TestDefaultRulesSourceMismatchRoutesNothing(t *testing.T) {
	router := NewRouter(DefaultRules())

	// vulnerability.discovered is only routable from the vulnerability
	// component; the validator enforces this at publish time, but the
	// router must be safe on its own.
	e := routedVuln("high")
	e.Source = schema.SourceRisk

	assert.Empty(t, router.Route(e))
}

func TestRouterPriorityOrdersRules(t *testing.T) {
	low := Rule{
		Type:     schema.EventMonitoringAlert,
		Targets:  []schema.Source{schema.SourceValue},
		Priority: 9,
	}
	high := Rule{
		Type:     schema.EventMonitoringAlert,
		Targets:  []schema.Source{schema.SourceClearance},
		Priority: 1,
	}
	router := NewRouter([]Rule{low, high})

	routed := router.Route(alertEnvelope("prio-1", "high"))
	require.Len(t, routed, 2)
	assert.Equal(t, schema.SourceClearance, routed[0].Target)
	assert.Equal(t, schema.SourceValue, routed[1].Target)
}

func TestRouterConditionGatesRule(t *testing.T) {
	rule := Rule{
		Type:      schema.EventMonitoringAlert,
		Targets:   []schema.Source{schema.SourceClearance},
		Condition: func(e *schema.Envelope) bool { return e.Severity() == "critical" },
	}
	router := NewRouter([]Rule{rule})

	assert.Empty(t, router.Route(alertEnvelope("cond-1", "low")))
	assert.Len(t, router.Route(alertEnvelope("cond-2", "critical")), 1)
}

func TestRouterTransformOperatesOnClone(t *testing.T) {
	rule := Rule{
		Type:    schema.EventMonitoringAlert,
		Targets: []schema.Source{schema.SourceClearance},
		Transform: func(e *schema.Envelope) *schema.Envelope {
			e.Data["escalated"] = true
			return e
		},
	}
	router := NewRouter([]Rule{rule})

	original := alertEnvelope("xform-1", "high")
	routed := router.Route(original)

	require.Len(t, routed, 1)
	assert.Equal(t, true, routed[0].Envelope.Data["escalated"])
	_, touched := original.Data["escalated"]
	assert.False(t, touched, "transform must not mutate the original envelope")
}

func TestRouterUnmatchedTypeRoutesNothing(t *testing.T) {
	router := NewRouter(DefaultRules())

	started := &schema.Envelope{
		EventID:   "route-wf-1",
		Timestamp: time.Now().UTC(),
		Source:    schema.SourceOrchestrator,
		Type:      schema.EventWorkflowStarted,
		Data:      map[string]interface{}{"workflow_id": "wf-1", "workflow_type": "breach_response"},
	}
	assert.Empty(t, router.Route(started))
}
