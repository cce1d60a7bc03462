// Conductor orchestrator server — provides HTTP API, drives analysis
// schedulers, and streams session events to dashboard viewers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/finsight/conductor/pkg/api"
	"github.com/finsight/conductor/pkg/config"
	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/notify"
	"github.com/finsight/conductor/pkg/runner"
	"github.com/finsight/conductor/pkg/session"
	"github.com/finsight/conductor/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting conductor",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize streaming infrastructure. The snapshot querier is the
	// session manager, wired below once it exists.
	connManager := events.NewConnectionManager(nil,
		cfg.Limits.DeliveryGracePeriod, cfg.Limits.SendBuffer)

	// 3. Select the agent runner: an external runner service when a
	// webhook is configured, the built-in scripted runner otherwise.
	var run runner.Runner
	var scripted *runner.ScriptedRunner
	if cfg.Runner.WebhookURL != "" {
		run = runner.NewWebhookRunner(cfg.Runner.WebhookURL, cfg.Runner.DispatchTimeout)
		slog.Info("Using webhook runner", "url", cfg.Runner.WebhookURL)
	} else {
		scripted = runner.NewScriptedRunner(nil, nil)
		run = scripted
		slog.Info("Using built-in scripted runner")
	}

	// 4. Create the session manager and close the wiring loops.
	manager := session.NewManager(connManager, run, session.Limits{
		MessageCap:  cfg.Limits.MessageCap,
		ToolCallCap: cfg.Limits.ToolCallCap,
	})
	connManager.SetSnapshotQuerier(manager)
	if scripted != nil {
		scripted.SetReporter(manager)
	}

	// 5. Optional Slack notifications
	if cfg.System.Slack.Enabled {
		svc := notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.System.Slack.TokenEnv),
			Channel:      cfg.System.Slack.Channel,
			DashboardURL: cfg.System.DashboardURL,
		})
		if svc != nil {
			manager.SetNotifier(svc)
			slog.Info("Slack notifications enabled", "channel", cfg.System.Slack.Channel)
		} else {
			slog.Warn("Slack enabled but token or channel missing, notifications disabled")
		}
	}

	// 6. Create HTTP server
	httpServer := api.NewServer(cfg, manager, connManager)

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Conductor started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting requests, then stop the
	// schedulers, then drop the viewer connections.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	manager.Close()
	connManager.Shutdown()

	slog.Info("Shutdown complete")
}
