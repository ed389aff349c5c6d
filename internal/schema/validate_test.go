package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validVulnerability() *Envelope {
	return NewEnvelope(SourceVulnerability, EventVulnerabilityDiscovered, map[string]interface{}{
		"vulnerability_id": "CVE-2024-0001",
		"severity":         "high",
		"cvss_score":       7.5,
	})
}

func TestValidate_AcceptsKnownVariants(t *testing.T) {
	require.NoError(t, Validate(validVulnerability()))

	reg := NewEnvelope(SourceRegulation, EventRegulationDetected, map[string]interface{}{
		"regulation_id":       "G-2024-01",
		"impact":              "high",
		"effective_date":      "2025-01-01",
		"affected_frameworks": []string{"GDPR"},
		"estimated_cost":      250000,
		"trust_equity_impact": 150,
	})
	require.NoError(t, Validate(reg))
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	e := NewEnvelope(SourceRisk, "risk.unheard.of", map[string]interface{}{})
	err := Validate(e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestValidate_RejectsUnknownSource(t *testing.T) {
	e := validVulnerability()
	e.Source = "dashboard"
	assert.ErrorIs(t, Validate(e), ErrUnknownVariant)
}

func TestValidate_RejectsWrongSourceForType(t *testing.T) {
	e := validVulnerability()
	e.Source = SourceValue
	assert.ErrorIs(t, Validate(e), ErrUnknownVariant)
}

func TestValidate_RejectsMissingRequiredField(t *testing.T) {
	e := validVulnerability()
	delete(e.Data, "severity")

	err := Validate(e)
	require.Error(t, err)

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Reason, "severity")
}

func TestValidate_RejectsOutOfRangeCVSS(t *testing.T) {
	e := validVulnerability()
	e.Data["cvss_score"] = 11.2

	var schemaErr *SchemaError
	require.ErrorAs(t, Validate(e), &schemaErr)
	assert.Contains(t, schemaErr.Reason, "cvss_score")
}

func TestValidate_RejectsProbabilityOutsideUnitInterval(t *testing.T) {
	e := NewEnvelope(SourceRisk, EventRiskQuantified, map[string]interface{}{
		"risk_id":     "R-1",
		"probability": 1.5,
		"impact_usd":  100000,
	})
	var schemaErr *SchemaError
	require.ErrorAs(t, Validate(e), &schemaErr)
	assert.Contains(t, schemaErr.Reason, "probability")
}

func TestValidate_RejectsBadSeverityEnum(t *testing.T) {
	e := validVulnerability()
	e.Data["severity"] = "catastrophic"
	var schemaErr *SchemaError
	require.ErrorAs(t, Validate(e), &schemaErr)
}

func TestValidate_TrustPointsFromAnySource(t *testing.T) {
	data := map[string]interface{}{
		"entity_id":   "system",
		"entity_type": "organization",
		"points":      25,
		"category":    "compliance",
	}
	for _, src := range Sources {
		e := NewEnvelope(src, EventTrustPointsEarned, data)
		assert.NoError(t, Validate(e), "source %s", src)
	}
}

func TestValidate_IsPure(t *testing.T) {
	e := validVulnerability()
	before := e.Clone()

	require.NoError(t, Validate(e))

	assert.Equal(t, before.EventID, e.EventID)
	assert.Equal(t, before.Data, e.Data)
}

func TestFill_AssignsMissingFieldsOnly(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Envelope{Source: SourceRisk, Type: EventRiskQuantified, Timestamp: ts}
	e.Fill()

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, ts, e.Timestamp, "publisher timestamp must be preserved")

	blank := &Envelope{Source: SourceRisk, Type: EventRiskQuantified}
	blank.Fill()
	assert.False(t, blank.Timestamp.IsZero())
}

func TestIsHighPriority(t *testing.T) {
	critical := validVulnerability()
	critical.Data["severity"] = "critical"
	assert.True(t, IsHighPriority(critical))

	assert.False(t, IsHighPriority(validVulnerability()), "high severity is not fast-pathed")

	alert := NewEnvelope(SourceMonitoring, EventMonitoringAlert, map[string]interface{}{
		"alert_id": "A-1",
		"severity": "critical",
	})
	assert.True(t, IsHighPriority(alert))

	reg := NewEnvelope(SourceRegulation, EventRegulationDetected, map[string]interface{}{
		"regulation_id": "G-1",
		"impact":        "critical",
	})
	assert.False(t, IsHighPriority(reg), "only the three fast-path types qualify")
}
