// Package main is the chad server entry point. One binary runs the REST,
// SSE and WebSocket surface plus the task executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/api"
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/common/tracing"
	"github.com/iondrive-co/chad/internal/db"
	"github.com/iondrive-co/chad/internal/events/bus"
	"github.com/iondrive-co/chad/internal/executor"
	gateway "github.com/iondrive-co/chad/internal/gateway/websocket"
	"github.com/iondrive-co/chad/internal/prompts"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/session/loop"
	"github.com/iondrive-co/chad/internal/streaming"
	"github.com/iondrive-co/chad/internal/usage"
	"github.com/iondrive-co/chad/internal/worktree"
)

func main() {
	configPath := flag.String("config", "", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting chad...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	database, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer func() { _ = database.Close() }()

	worktreeStore, err := worktree.NewSQLStore(database)
	if err != nil {
		log.Fatal("Failed to initialize worktree store", zap.Error(err))
	}
	accountStore, err := accounts.NewSQLStore(database)
	if err != nil {
		log.Fatal("Failed to initialize account store", zap.Error(err))
	}
	accountSvc := accounts.NewService(accountStore, log)

	worktrees := func(projectPath string) (*worktree.Manager, error) {
		return worktree.NewManager(projectPath, worktreeStore, log)
	}

	// Worktrees belonging to sessions of a previous run are orphans; the
	// session registry is in-memory and starts empty.
	reconcileOrphans(ctx, worktreeStore, log)

	if err := os.MkdirAll(cfg.EventLog.Dir, 0o755); err != nil {
		log.Fatal("Failed to create event log directory", zap.Error(err), zap.String("dir", cfg.EventLog.Dir))
	}

	lib, err := prompts.Load(cfg.Prompts.Path, log)
	if err != nil {
		log.Fatal("Failed to load prompt templates", zap.Error(err))
	}

	var usageSrc loop.UsageSource
	if cfg.Usage.URL != "" {
		usageSrc = usage.NewHTTPSource(cfg.Usage.URL, cfg.Usage.Timeout(), log)
		log.Info("Usage polling enabled", zap.String("url", cfg.Usage.URL))
	}

	sessions := session.NewManager(worktrees, cfg.Worktree.CleanupOnDelete, log)
	taskExec := executor.New(sessions, accountSvc, worktrees, eventBus, lib,
		cfg.Execution, cfg.EventLog.Dir, usageSrc, log)
	mux := streaming.New(cfg.EventLog.Dir, eventBus, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewServer(sessions, taskExec, mux, accountSvc, worktrees, cfg.EventLog.Dir, log).Router()
	gateway.NewHandler(mux, sessions, log).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-quit:
			log.Info("Shutting down chad...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		// Stop accepting work, then interrupt running tasks so their PTY
		// children exit and session_ended events are written.
		for id := range sessions.ActiveSessionIDs() {
			_ = sessions.Cancel(id)
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("chad exited with error", zap.Error(err))
	}
	log.Info("chad stopped")
}

// reconcileOrphans tears down worktrees recorded as active by a previous
// run, grouped by project so each repository is touched once.
func reconcileOrphans(ctx context.Context, store *worktree.SQLStore, log *logger.Logger) {
	active, err := store.ListActive(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list worktrees for reconciliation")
		return
	}
	seen := make(map[string]bool)
	for _, wt := range active {
		if seen[wt.ProjectPath] {
			continue
		}
		seen[wt.ProjectPath] = true
		wm, err := worktree.NewManager(wt.ProjectPath, store, log)
		if err != nil {
			log.WithError(err).Warn("Failed to open project for reconciliation", zap.String("project", wt.ProjectPath))
			continue
		}
		if err := wm.ReconcileOrphans(ctx, func(string) bool { return false }); err != nil {
			log.WithError(err).Warn("Worktree reconciliation failed", zap.String("project", wt.ProjectPath))
		}
	}
}
