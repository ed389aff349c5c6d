// Package schema defines the event envelope shared by every component on the
// fabric and the payload validator applied at publish time. The discriminator
// pair (source, type) selects the payload schema; unknown pairs are rejected
// at the edge.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies the component an envelope originates from.
type Source string

const (
	SourceRegulation    Source = "regulation"
	SourceVulnerability Source = "vulnerability"
	SourceRisk          Source = "risk"
	SourceMonitoring    Source = "monitoring"
	SourcePolicy        Source = "policy"
	SourceIntelligence  Source = "intelligence"
	SourceValue         Source = "value"
	SourceClearance     Source = "clearance"
	SourceTrustEngine   Source = "trust_engine"
	SourceOrchestrator  Source = "orchestrator"
)

// Sources lists every valid component tag, in declaration order.
var Sources = []Source{
	SourceRegulation, SourceVulnerability, SourceRisk, SourceMonitoring,
	SourcePolicy, SourceIntelligence, SourceValue, SourceClearance,
	SourceTrustEngine, SourceOrchestrator,
}

// KnownSource reports whether s is one of the fixed component tags.
func KnownSource(s Source) bool {
	switch s {
	case SourceRegulation, SourceVulnerability, SourceRisk, SourceMonitoring,
		SourcePolicy, SourceIntelligence, SourceValue, SourceClearance,
		SourceTrustEngine, SourceOrchestrator:
		return true
	}
	return false
}

// EventType is a dotted event path, e.g. "vulnerability.discovered".
type EventType string

const (
	EventRegulationDetected      EventType = "regulation.detected"
	EventComplianceGapIdentified EventType = "compliance.gap.identified"
	EventVulnerabilityDiscovered EventType = "vulnerability.discovered"
	EventSecurityPostureUpdated  EventType = "security.posture.updated"
	EventRiskQuantified          EventType = "risk.quantified"
	EventMonitoringAlert         EventType = "monitoring.alert"
	EventMetricsCollected        EventType = "metrics.collected"
	EventThreatIntelUpdated      EventType = "threat.intelligence.updated"
	EventTrustPointsEarned       EventType = "trust.points.earned"
	EventTrustScoreUpdated       EventType = "trust.score.updated"
	EventWorkflowStarted         EventType = "workflow.started"
	EventWorkflowStepRequested   EventType = "workflow.step.requested"
	EventWorkflowStepCompleted   EventType = "workflow.step.completed"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowCompensated     EventType = "workflow.compensated"
	EventEmergencyDecision       EventType = "emergency.decision.required"
)

// Envelope is the validated event record exchanged on the fabric.
type Envelope struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    Source                 `json:"source"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
}

// NewEnvelope builds an envelope with a fresh id and the current instant.
func NewEnvelope(source Source, eventType EventType, data map[string]interface{}) *Envelope {
	return &Envelope{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      eventType,
		Data:      data,
	}
}

// Fill assigns the fields a publisher may leave blank. The timestamp is
// preserved when the publisher set one.
func (e *Envelope) Fill() {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Clone returns a copy with a shallow copy of the payload map, so routing
// transforms never mutate the original envelope.
func (e *Envelope) Clone() *Envelope {
	data := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	clone := *e
	clone.Data = data
	return &clone
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns a log-friendly identity for the envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s/%s#%s", e.Source, e.Type, e.EventID)
}

// Severity returns data["severity"] when present, lowercase severities only.
func (e *Envelope) Severity() string {
	s, _ := e.Data["severity"].(string)
	return s
}

// highPriorityTypes are processed synchronously when severity is critical.
var highPriorityTypes = map[EventType]bool{
	EventVulnerabilityDiscovered: true,
	EventMonitoringAlert:         true,
	EventThreatIntelUpdated:      true,
}

// IsHighPriority reports whether the envelope takes the synchronous fast
// path instead of waiting for the next batch flush.
func IsHighPriority(e *Envelope) bool {
	return highPriorityTypes[e.Type] && e.Severity() == "critical"
}
