// Package notify delivers analysis lifecycle notifications to Slack.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/finsight/conductor/pkg/events"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// AnalysisStarted sends an "analysis started" notification.
// Fail-open: errors are logged, never returned.
func (s *Service) AnalysisStarted(ctx context.Context, sessionID string) {
	if s == nil {
		return
	}

	blocks := BuildStartedMessage(sessionID, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"session_id", sessionID,
			"error", err)
	}
}

// AnalysisFinished sends a terminal status notification.
// Fail-open: errors are logged, never returned.
func (s *Service) AnalysisFinished(ctx context.Context, sessionID string, state events.SessionState, reason string) {
	if s == nil {
		return
	}

	blocks := BuildTerminalMessage(sessionID, state, reason, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"session_id", sessionID,
			"state", state,
			"error", err)
	}
}
