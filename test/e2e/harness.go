// Package e2e boots a complete conductor instance in-process and drives
// it over its public HTTP and WebSocket surfaces.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsight/conductor/pkg/api"
	"github.com/finsight/conductor/pkg/config"
	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/models"
	"github.com/finsight/conductor/pkg/runner"
	"github.com/finsight/conductor/pkg/session"
)

// TestApp boots a complete conductor instance for e2e testing.
type TestApp struct {
	Config      *config.Config
	ConnManager *events.ConnectionManager
	Runner      *runner.ScriptedRunner
	Manager     *session.Manager
	Server      *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	httpServer *httptest.Server
	t          *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	scripts map[string]runner.Script
	plans   map[string]models.Plan
	limits  config.LimitsConfig
}

// TestAppOption customizes the test app.
type TestAppOption func(*testAppConfig)

// WithScripts sets the agent scripts played by the built-in runner.
func WithScripts(scripts map[string]runner.Script) TestAppOption {
	return func(tc *testAppConfig) { tc.scripts = scripts }
}

// WithPlans registers named plan templates.
func WithPlans(plans map[string]models.Plan) TestAppOption {
	return func(tc *testAppConfig) { tc.plans = plans }
}

// WithLimits overrides the delivery and log bounds.
func WithLimits(limits config.LimitsConfig) TestAppOption {
	return func(tc *testAppConfig) { tc.limits = limits }
}

// NewTestApp wires the full stack the same way cmd/conductor does and
// serves it from an httptest server. Everything is torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{limits: config.DefaultLimitsConfig()}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := &config.Config{
		System: config.SystemConfig{DashboardURL: "http://localhost:5173"},
		Limits: tc.limits,
		Plans:  tc.plans,
	}

	connManager := events.NewConnectionManager(nil,
		cfg.Limits.DeliveryGracePeriod, cfg.Limits.SendBuffer)
	run := runner.NewScriptedRunner(nil, tc.scripts)
	manager := session.NewManager(connManager, run, session.Limits{
		MessageCap:  cfg.Limits.MessageCap,
		ToolCallCap: cfg.Limits.ToolCallCap,
	})
	run.SetReporter(manager)
	connManager.SetSnapshotQuerier(manager)

	server := api.NewServer(cfg, manager, connManager)
	httpServer := httptest.NewServer(server.Echo())

	app := &TestApp{
		Config:      cfg,
		ConnManager: connManager,
		Runner:      run,
		Manager:     manager,
		Server:      server,
		BaseURL:     httpServer.URL,
		WSURL:       "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		httpServer:  httpServer,
		t:           t,
	}
	t.Cleanup(app.Close)
	return app
}

// Close tears the app down in reverse boot order.
func (a *TestApp) Close() {
	a.httpServer.Close()
	a.Manager.Close()
	a.ConnManager.Shutdown()
}

// StartAnalysis posts the request body and returns the created analysis.
func (a *TestApp) StartAnalysis(body string) models.AnalysisResponse {
	a.t.Helper()

	resp := a.post("/api/v1/analyses", body)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, string(data))

	var created models.AnalysisResponse
	require.NoError(a.t, json.Unmarshal(data, &created))
	require.NotEmpty(a.t, created.SessionID)
	return created
}

// CancelAnalysis requests cancellation of the session.
func (a *TestApp) CancelAnalysis(sessionID string) {
	a.t.Helper()

	resp := a.post("/api/v1/analyses/"+sessionID+"/cancel", "")
	defer resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)
}

// GetAnalysis fetches the current status grid.
func (a *TestApp) GetAnalysis(sessionID string) models.AnalysisResponse {
	a.t.Helper()

	resp, err := http.Get(a.BaseURL + "/api/v1/analyses/" + sessionID)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)

	var out models.AnalysisResponse
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// GetSnapshot fetches the catch-up snapshot with events after since.
func (a *TestApp) GetSnapshot(sessionID string, since uint64) session.Snapshot {
	a.t.Helper()

	url := fmt.Sprintf("%s/api/v1/analyses/%s/snapshot?since_seq=%d", a.BaseURL, sessionID, since)
	resp, err := http.Get(url)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)

	var snap session.Snapshot
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

// ReportEvent posts an external event to the report-back endpoint.
func (a *TestApp) ReportEvent(sessionID, body string) *http.Response {
	a.t.Helper()
	resp := a.post("/api/v1/analyses/"+sessionID+"/events", body)
	resp.Body.Close()
	return resp
}

func (a *TestApp) post(path, body string) *http.Response {
	a.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, reader)
	require.NoError(a.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	return resp
}
