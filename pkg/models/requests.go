package models

// StartAnalysisRequest contains fields for starting a new analysis.
// Exactly one of PlanTemplate (a named plan from configuration) or Plan
// (an inline plan) must be provided.
type StartAnalysisRequest struct {
	PlanTemplate string         `json:"plan_template,omitempty"`
	Plan         *Plan          `json:"plan,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
