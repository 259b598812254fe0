// mcpld host server — terminates delegate WebSocket connections, mediates
// tool calls and brokered inference, and streams lifecycle events to UI
// clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mcpl-dev/mcpld/pkg/api"
	"github.com/mcpl-dev/mcpld/pkg/auth"
	"github.com/mcpl-dev/mcpld/pkg/broker"
	"github.com/mcpl-dev/mcpld/pkg/config"
	"github.com/mcpl-dev/mcpld/pkg/delegate"
	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/hooks"
	"github.com/mcpl-dev/mcpld/pkg/pushqueue"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/router"
	"github.com/mcpl-dev/mcpld/pkg/scope"
	"github.com/mcpl-dev/mcpld/pkg/session"
	"github.com/mcpl-dev/mcpld/pkg/state"
	"github.com/mcpl-dev/mcpld/pkg/trigger"
	"github.com/mcpl-dev/mcpld/pkg/uilog"
	"github.com/mcpl-dev/mcpld/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("MCPLD_CONFIG", "mcpld.yaml"),
		"Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Persistence: event journal and UI branch log.
	journal, err := eventlog.Open(cfg.Journal.Dir)
	if err != nil {
		slog.Error("Failed to open event journal", "error", err, "dir", cfg.Journal.Dir)
		os.Exit(1)
	}
	uiLog, err := uilog.Open(cfg.Journal.UILogDir)
	if err != nil {
		slog.Error("Failed to open UI log", "error", err, "dir", cfg.Journal.UILogDir)
		os.Exit(1)
	}

	// 2. UI event fabric.
	fabric := events.NewFabric(cfg.Server.UIWriteTimeoutDuration())

	// 3. Tool registry and delegate connection manager.
	reg := registry.New(cfg.Tools.TimeoutDuration())
	delegates := delegate.NewManager(reg, fabric)
	sessions := session.NewManager()

	// 4. Conversation state, approvals, hooks.
	stateMgr := state.NewManager(journal, fabric)
	scopes := scope.NewManager(journal, fabric, delegates, cfg.Scope.ApprovalConfig())
	scopes.ReplayPolicies()
	fabric.SetScopeDecisionHandler(scopes.ResolveDecision)
	hookMgr := hooks.NewManager(delegates, cfg.Hooks.HooksConfig())

	admin := delegate.NewAdmin(delegates, scopes, reg)
	if err := reg.RegisterManagementTools(admin); err != nil {
		slog.Error("Failed to register management tools", "error", err)
		os.Exit(1)
	}

	// 5. Inference routing and brokering.
	modelRouter := router.New(cfg.Routing.File)
	modelRouter.Watch()
	defer modelRouter.Close()

	engine := broker.NewHTTPEngine(cfg.Broker.EngineURL)
	inferenceBroker := broker.New(engine, modelRouter, fabric, cfg.Broker.InferenceConfig())
	inferenceBroker.SetHooks(hookMgr)
	inferenceBroker.SetTools(reg)
	triggers := trigger.NewRunner(engine, modelRouter, journal)
	triggers.SetHooks(hookMgr)
	triggers.SetTools(reg)
	queue := pushqueue.New(cfg.Queue.PushQueueConfig(), triggers, journal, fabric)

	// 6. Delegate protocol handler and HTTP surface.
	handler := delegate.NewHandler(delegate.HandlerDeps{
		Sessions:    sessions,
		Delegates:   delegates,
		Registry:    reg,
		Hooks:       hookMgr,
		Scopes:      scopes,
		Queue:       queue,
		Broker:      inferenceBroker,
		State:       stateMgr,
		Models:      modelRouter,
		Trigger:     triggers,
		ToolTimeout: cfg.Tools.TimeoutDuration(),
	})

	authenticator := auth.New(cfg.Auth.JWTSecret(), auth.StaticKeys(cfg.Auth.APIKeys))
	var frontend *webhook.Frontend
	if len(cfg.Webhooks) > 0 {
		frontend = webhook.NewFrontend(queue)
	}
	httpServer := api.NewServer(authenticator, fabric, handler, frontend, uiLog, cfg.Webhooks)

	// 7. Start HTTP server (non-blocking).
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("mcpld started", "webhooks", len(cfg.Webhooks))

	// 8. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. Stopping the HTTP server closes the delegate
	// and UI WebSockets; sessions keep reliable channel state for resume.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
