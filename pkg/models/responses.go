package models

import "time"

// AnalysisResponse describes one analysis session.
type AnalysisResponse struct {
	SessionID   string            `json:"session_id"`
	State       string            `json:"state"`
	Plan        Plan              `json:"plan"`
	AgentStatus map[string]string `json:"agent_status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}
