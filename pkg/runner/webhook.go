package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DispatchNotification is the JSON body posted to the webhook when the
// scheduler wants an agent to start. The external runner executes the
// agent and reports progress back through POST /api/v1/analyses/:id/events.
type DispatchNotification struct {
	SessionID string `json:"session_id"`
	TeamName  string `json:"team_name"`
	AgentName string `json:"agent_name"`
}

// WebhookRunner dispatches agents to an external runner service over HTTP.
// Dispatch only hands off the work: terminal status arrives later through
// the report endpoint.
type WebhookRunner struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookRunner creates a runner posting dispatches to the given URL.
func NewWebhookRunner(url string, timeout time.Duration) *WebhookRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookRunner{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "webhook-runner"),
	}
}

// Dispatch posts the dispatch notification. A non-2xx response means the
// agent could not be started.
func (r *WebhookRunner) Dispatch(ctx context.Context, sessionID, teamName, agentName string) error {
	body, err := json.Marshal(DispatchNotification{
		SessionID: sessionID,
		TeamName:  teamName,
		AgentName: agentName,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dispatch notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch webhook failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch webhook returned %d for agent %s", resp.StatusCode, agentName)
	}

	r.logger.Debug("Agent dispatched",
		"session_id", sessionID, "team", teamName, "agent", agentName)
	return nil
}
