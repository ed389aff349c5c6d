package orchestrator

// Built-in workflow types.
const (
	WorkflowBreachResponse       = "breach_response"
	WorkflowTrustScoreGeneration = "trust_score_generation"
)

// ShareableURLValidHours bounds a minted report URL's lifetime; the issuing
// component stamps the expiry instant into the step record.
const ShareableURLValidHours = 168.0

// triggerData pulls the triggering event payload out of the workflow
// context.
func triggerData(in *Instance) map[string]interface{} {
	trigger, _ := in.ContextValue("trigger").(map[string]interface{})
	return trigger
}

func triggerSeverity(in *Instance) string {
	s, _ := triggerData(in)["severity"].(string)
	return s
}

// BreachResponse is the incident pipeline: ingest threat intelligence,
// assess the security impact, map regulatory obligations and quantify risk
// in parallel, route the human decision, then report the value impact. Six
// steps across six distinct components. A failed decision step escalates
// straight to the emergency path with executive approval.
func BreachResponse() *Definition {
	return &Definition{
		Type: WorkflowBreachResponse,
		Steps: []Step{
			{
				ID:        "intelligence-ingest",
				Component: "intelligence",
				Action:    "ingest_indicators",
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"breach_id":  in.ContextValue("breach_id"),
						"severity":   triggerSeverity(in),
						"indicators": triggerData(in)["indicators"],
					}
				},
			},
			{
				ID:        "security-impact-assessment",
				Component: "vulnerability",
				Action:    "assess_impact",
				DependsOn: []string{"intelligence-ingest"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"severity":     triggerSeverity(in),
						"intelligence": in.StepOutput("intelligence-ingest"),
					}
				},
			},
			{
				ID:        "regulatory-mapping",
				Component: "regulation",
				Action:    "evaluate_obligations",
				DependsOn: []string{"security-impact-assessment"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{"impact": in.StepOutput("security-impact-assessment")}
				},
			},
			{
				ID:        "risk-quantification",
				Component: "risk",
				Action:    "quantify_breach",
				DependsOn: []string{"security-impact-assessment"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{"impact": in.StepOutput("security-impact-assessment")}
				},
			},
			{
				ID:        "decision-routing",
				Component: "clearance",
				Action:    "route_decision",
				DependsOn: []string{"regulatory-mapping", "risk-quantification"},
				Input: func(in *Instance) map[string]interface{} {
					approval := "director"
					if triggerSeverity(in) == "critical" {
						approval = "executive"
					}
					return map[string]interface{}{
						"approval_level": approval,
						"risk":           in.StepOutput("risk-quantification"),
						"obligations":    in.StepOutput("regulatory-mapping"),
					}
				},
				EscalateOnFailure: true,
			},
			{
				ID:        "value-report",
				Component: "value",
				Action:    "generate_impact_report",
				DependsOn: []string{"decision-routing"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"breach_id": in.ContextValue("breach_id"),
						"decision":  in.StepOutput("decision-routing"),
						"risk":      in.StepOutput("risk-quantification"),
					}
				},
			},
		},
	}
}

// TrustScoreGeneration recomputes an entity's trust standing: four category
// aggregations fan out in parallel, the score is computed over them, a
// presentation is rendered, and optionally a time-bounded shareable URL is
// minted. The aggregations are read-shaped, so repeat runs within the cache
// TTL reuse their results.
func TrustScoreGeneration() *Definition {
	entityInput := func(in *Instance) map[string]interface{} {
		return map[string]interface{}{"entity_id": in.ContextValue("entity_id")}
	}

	return &Definition{
		Type: WorkflowTrustScoreGeneration,
		Steps: []Step{
			{
				ID:        "aggregate-compliance",
				Component: "regulation",
				Action:    "summarize_compliance",
				Cacheable: true,
				Input:     entityInput,
			},
			{
				ID:        "aggregate-security",
				Component: "vulnerability",
				Action:    "summarize_posture",
				Cacheable: true,
				Input:     entityInput,
			},
			{
				ID:        "aggregate-risk",
				Component: "risk",
				Action:    "summarize_risk",
				Cacheable: true,
				Input:     entityInput,
			},
			{
				ID:        "aggregate-operational",
				Component: "monitoring",
				Action:    "summarize_operations",
				Cacheable: true,
				Input:     entityInput,
			},
			{
				ID:        "compute-score",
				Component: "trust_engine",
				Action:    "compute_score",
				DependsOn: []string{"aggregate-compliance", "aggregate-security", "aggregate-risk", "aggregate-operational"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"entity_id":   in.ContextValue("entity_id"),
						"compliance":  in.StepOutput("aggregate-compliance"),
						"security":    in.StepOutput("aggregate-security"),
						"risk":        in.StepOutput("aggregate-risk"),
						"operational": in.StepOutput("aggregate-operational"),
					}
				},
			},
			{
				ID:        "render-presentation",
				Component: "value",
				Action:    "render_presentation",
				DependsOn: []string{"compute-score"},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"entity_id": in.ContextValue("entity_id"),
						"score":     in.StepOutput("compute-score"),
					}
				},
			},
			{
				ID:        "issue-shareable-url",
				Component: "value",
				Action:    "issue_shareable_url",
				DependsOn: []string{"render-presentation"},
				Condition: func(in *Instance) bool {
					scope, _ := in.ContextValue("scope").(map[string]interface{})
					wanted, _ := scope["shareable_url"].(bool)
					return wanted
				},
				Input: func(in *Instance) map[string]interface{} {
					return map[string]interface{}{
						"report":          in.StepOutput("render-presentation"),
						"valid_for_hours": ShareableURLValidHours,
					}
				},
			},
		},
	}
}

// RegisterBuiltins installs the platform workflow definitions.
func RegisterBuiltins(e *Engine) error {
	if err := e.Register(BreachResponse()); err != nil {
		return err
	}
	return e.Register(TrustScoreGeneration())
}
