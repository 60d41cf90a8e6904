// Command bridge runs the popmelt bridge: a loopback daemon that turns
// browser UI feedback into supervised AI agent runs against the project's
// source tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/popmelt/bridge/internal/agent"
	"github.com/popmelt/bridge/internal/common/config"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/common/portutil"
	"github.com/popmelt/bridge/internal/common/tracing"
	"github.com/popmelt/bridge/internal/decision"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/model"
	"github.com/popmelt/bridge/internal/orchestrator"
	"github.com/popmelt/bridge/internal/plan"
	"github.com/popmelt/bridge/internal/project"
	"github.com/popmelt/bridge/internal/scratch"
	"github.com/popmelt/bridge/internal/server"
	"github.com/popmelt/bridge/internal/sse"
	"github.com/popmelt/bridge/internal/thread"
)

func main() {
	projectDir := flag.String("project", ".", "project root the agents operate on")
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() {
		_ = log.Sync()
	}()

	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(ctx)
		}()
	}

	if err := run(cfg, *projectDir, log); err != nil {
		log.Fatal("bridge exited", zap.Error(err))
	}
}

func run(cfg *config.Config, projectDir string, log *logger.Logger) error {
	proj, err := project.New(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	if err := proj.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare state dirs: %w", err)
	}
	log.Info("project resolved",
		zap.String("root", proj.Root),
		zap.String("project_id", proj.ID()))

	// Port arbitration: an existing bridge for the same project wins.
	handle, err := portutil.Bind(cfg.Server.Host, cfg.Server.BasePort, cfg.Server.PortWindow, proj.ID(), log)
	if err != nil {
		return fmt.Errorf("bind port: %w", err)
	}
	if handle.Existing {
		log.Info("bridge already running for this project",
			zap.Int("port", handle.Port))
		return nil
	}
	defer func() {
		_ = handle.Close()
	}()

	scratchMgr, err := scratch.NewManager(cfg.Scratch.Dir,
		cfg.Scratch.GCIntervalDuration(), cfg.Scratch.MaxAgeDuration(), log)
	if err != nil {
		return err
	}

	threads := thread.NewStore(proj.ThreadsPath(), log)
	defer threads.Close()

	decisions := decision.NewStore(proj, cfg.Agent.GitDiffTimeoutDuration(), log)
	models := model.NewStore(proj.ModelPath(), log)
	matIndex := model.NewIndex(proj.MaterializedPath(), log)
	plans := plan.NewManager(log)

	registry := agent.NewRegistry(filepath.Join(proj.StateDir(), "providers.yaml"), log)

	queue := job.NewQueue(cfg.Queue.MaxConcurrent, cfg.Queue.MaxSize, log)
	hub := sse.NewHub(cfg.Events.RecentCapacity, cfg.Events.RecentTTLDuration(), log)

	mat := orchestrator.NewMaterializer(queue, decisions, models, matIndex,
		cfg.Agent.DefaultProvider, log)
	processor := orchestrator.NewProcessor(proj, queue, registry, threads,
		decisions, plans, mat, cfg.Agent.RunTimeoutDuration(), cfg.History.Limit, log)

	srv := server.New(cfg, proj, queue, hub, registry, threads, plans, models,
		mat, scratchMgr, log)
	queue.SetProcessor(processor.Process)

	httpServer := &http.Server{
		Handler:     srv.Handler(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero: SSE connections are long lived.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("bridge listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", handle.Port))
		if err := httpServer.Serve(handle.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		scratchMgr.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		queue.Destroy()
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
