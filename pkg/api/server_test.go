package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/conductor/pkg/config"
	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/models"
	"github.com/finsight/conductor/pkg/runner"
	"github.com/finsight/conductor/pkg/session"
)

func inlinePlanBody() string {
	return `{
		"plan": {
			"teams": [
				{"team_name": "research", "agents": ["macro", "sector"], "concurrency": "parallel"},
				{"team_name": "synthesis", "agents": ["writer"]}
			]
		}
	}`
}

func newTestServer(t *testing.T, scripts map[string]runner.Script) (*Server, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		System: config.SystemConfig{DashboardURL: "http://localhost:5173"},
		Limits: config.DefaultLimitsConfig(),
		Plans: map[string]models.Plan{
			"weekly-market": {
				Teams: []models.TeamPlan{
					{Name: "solo", Agents: []string{"only"}},
				},
			},
		},
	}

	connManager := events.NewConnectionManager(nil,
		cfg.Limits.DeliveryGracePeriod, cfg.Limits.SendBuffer)
	run := runner.NewScriptedRunner(nil, scripts)
	manager := session.NewManager(connManager, run, session.Limits{})
	run.SetReporter(manager)
	connManager.SetSnapshotQuerier(manager)
	t.Cleanup(func() {
		manager.Close()
		connManager.Shutdown()
	})

	return NewServer(cfg, manager, connManager), manager
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateAnalysis_InlinePlan(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses", inlinePlanBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.AnalysisResponse
	decodeJSON(t, rec, &resp)
	assert.NotEmpty(t, resp.SessionID)
	assert.Len(t, resp.AgentStatus, 3)
}

func TestCreateAnalysis_Template(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses",
		`{"plan_template": "weekly-market"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.AnalysisResponse
	decodeJSON(t, rec, &resp)
	assert.Contains(t, resp.AgentStatus, "only")
}

func TestCreateAnalysis_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"neither template nor plan", `{}`, http.StatusBadRequest},
		{"both template and plan", `{"plan_template": "weekly-market", "plan": {"teams": [{"team_name": "t", "agents": ["a"]}]}}`, http.StatusBadRequest},
		{"unknown template", `{"plan_template": "nope"}`, http.StatusNotFound},
		{"invalid plan", `{"plan": {"teams": []}}`, http.StatusBadRequest},
		{"duplicate agents", `{"plan": {"teams": [{"team_name": "t", "agents": ["a", "a"]}]}}`, http.StatusBadRequest},
		{"malformed json", `{nope`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestGetAnalysis(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses", inlinePlanBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AnalysisResponse
	decodeJSON(t, rec, &created)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/analyses/"+created.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.AnalysisResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, created.SessionID, resp.SessionID)
}

func TestGetAnalysis_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/analyses/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses", inlinePlanBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AnalysisResponse
	decodeJSON(t, rec, &created)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/analyses/"+created.SessionID+"/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap session.Snapshot
	decodeJSON(t, rec, &snap)
	assert.Equal(t, created.SessionID, snap.SessionID)
	assert.Len(t, snap.AgentStatus, 3)
	assert.GreaterOrEqual(t, snap.Watermark, uint64(4))

	t.Run("since_seq filters", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet,
			"/api/v1/analyses/"+created.SessionID+"/snapshot?since_seq="+
				"999999", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var filtered session.Snapshot
		decodeJSON(t, rec, &filtered)
		assert.Empty(t, filtered.Statuses)
		assert.Len(t, filtered.AgentStatus, 3, "status grid is always complete")
	})

	t.Run("invalid since_seq", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet,
			"/api/v1/analyses/"+created.SessionID+"/snapshot?since_seq=minus-one", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelAnalysis(t *testing.T) {
	scripts := map[string]runner.Script{
		"macro":  {Steps: []runner.Step{{Delay: 10 * time.Second}}},
		"sector": {Steps: []runner.Step{{Delay: 10 * time.Second}}},
	}
	s, manager := newTestServer(t, scripts)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses", inlinePlanBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AnalysisResponse
	decodeJSON(t, rec, &created)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/analyses/"+created.SessionID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		resp, err := manager.GetStatus(created.SessionID)
		return err == nil && resp.State == string(events.SessionCancelled)
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelling again is still OK.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/analyses/"+created.SessionID+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelAnalysis_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses/no-such-id/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportEventEndpoint(t *testing.T) {
	scripts := map[string]runner.Script{
		"macro": {Steps: []runner.Step{{Delay: 10 * time.Second}}},
	}
	s, manager := newTestServer(t, scripts)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses",
		`{"plan": {"teams": [{"team_name": "research", "agents": ["macro"]}]}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AnalysisResponse
	decodeJSON(t, rec, &created)

	body := `{"type": "message", "agent_name": "macro", "kind": "info", "content": "external update"}`
	rec = doRequest(t, s, http.MethodPost, "/api/v1/analyses/"+created.SessionID+"/events", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		snap, err := manager.Snapshot(created.SessionID, 0)
		if err != nil {
			return false
		}
		for _, m := range snap.Messages {
			if m.Content == "external update" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("unknown session", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/analyses/no-such-id/events", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("session status body rejected", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost,
			"/api/v1/analyses/"+created.SessionID+"/events",
			`{"type": "session.status", "state": "completed"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

		resp, err := manager.GetStatus(created.SessionID)
		require.NoError(t, err)
		assert.Equal(t, string(events.SessionRunning), resp.State)
	})

	t.Run("unknown event type", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost,
			"/api/v1/analyses/"+created.SessionID+"/events", `{"type": "mystery"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost,
			"/api/v1/analyses/"+created.SessionID+"/events", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWSEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	server := httptest.NewServer(s.Echo())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
}
