package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/conductor/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conductor.yaml"), []byte(content), 0o600))
	return dir
}

func TestInitialize_FullConfig(t *testing.T) {
	dir := writeConfig(t, `
system:
  dashboard_url: "https://dash.example.com"
  allowed_ws_origins:
    - "dash.example.com"
  slack:
    enabled: true
    channel: "C0FIN"
limits:
  message_cap: 50
  tool_call_cap: 25
  send_buffer: 64
  delivery_grace_period: "10s"
runner:
  webhook_url: "https://runner.example.com/dispatch"
  dispatch_timeout: "3s"
plans:
  weekly-market:
    failure_policy: continue
    teams:
      - team_name: research
        agents: [macro, sector]
        concurrency: parallel
      - team_name: synthesis
        agents: [writer]
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "https://dash.example.com", cfg.System.DashboardURL)
	assert.Equal(t, []string{"dash.example.com"}, cfg.System.AllowedWSOrigins)
	assert.True(t, cfg.System.Slack.Enabled)
	assert.Equal(t, "C0FIN", cfg.System.Slack.Channel)
	assert.Equal(t, "SLACK_BOT_TOKEN", cfg.System.Slack.TokenEnv, "token env keeps its default")

	assert.Equal(t, 50, cfg.Limits.MessageCap)
	assert.Equal(t, 25, cfg.Limits.ToolCallCap)
	assert.Equal(t, 64, cfg.Limits.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.Limits.DeliveryGracePeriod)

	assert.Equal(t, "https://runner.example.com/dispatch", cfg.Runner.WebhookURL)
	assert.Equal(t, 3*time.Second, cfg.Runner.DispatchTimeout)

	plan, ok := cfg.Plan("weekly-market")
	require.True(t, ok)
	assert.Equal(t, models.FailureContinue, plan.FailurePolicy)
	require.Len(t, plan.Teams, 2)
	assert.Equal(t, models.ConcurrencyParallel, plan.Teams[0].Concurrency)
	assert.Equal(t, models.ConcurrencySequential, plan.Teams[1].Concurrency,
		"normalization fills concurrency defaults")
	assert.Equal(t, 1, cfg.Stats().Plans)
}

func TestInitialize_DefaultsForMinimalConfig(t *testing.T) {
	dir := writeConfig(t, `
plans:
  simple:
    teams:
      - team_name: solo
        agents: [only]
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	defaults := DefaultLimitsConfig()
	assert.Equal(t, defaults, cfg.Limits)
	assert.False(t, cfg.System.Slack.Enabled)
	assert.Empty(t, cfg.Runner.WebhookURL)
	assert.Equal(t, 10*time.Second, cfg.Runner.DispatchTimeout)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DASH_URL", "https://dash.internal")

	dir := writeConfig(t, `
system:
  dashboard_url: "{{.TEST_DASH_URL}}"
plans:
  simple:
    teams:
      - team_name: solo
        agents: [only]
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "https://dash.internal", cfg.System.DashboardURL)
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "plans: [not: a: map")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_InvalidPlanTemplate(t *testing.T) {
	dir := writeConfig(t, `
plans:
  broken:
    teams:
      - team_name: ""
        agents: [a]
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidPlan)
	assert.Contains(t, err.Error(), `plan template "broken"`)
}

func TestInitialize_SlackRequiresChannel(t *testing.T) {
	dir := writeConfig(t, `
system:
  slack:
    enabled: true
plans:
  simple:
    teams:
      - team_name: solo
        agents: [only]
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitialize_InvalidDurationFallsBack(t *testing.T) {
	dir := writeConfig(t, `
limits:
  delivery_grace_period: "soon"
runner:
  dispatch_timeout: "-5s"
plans:
  simple:
    teams:
      - team_name: solo
        agents: [only]
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimitsConfig().DeliveryGracePeriod, cfg.Limits.DeliveryGracePeriod)
	assert.Equal(t, 10*time.Second, cfg.Runner.DispatchTimeout)
}

func TestExpandEnv_PassthroughWithoutTemplates(t *testing.T) {
	in := []byte("plans: {}\n# literal $HOME stays\n")
	assert.Equal(t, in, ExpandEnv(in))
}
