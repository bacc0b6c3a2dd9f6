package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/devle/internal/api"
	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/dispatch"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/llm"
	"github.com/mattjoyce/devle/internal/lock"
	"github.com/mattjoyce/devle/internal/log"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/screenshot"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/storage"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/workflow"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, sandbox reaper and API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.fingerprint())
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, fingerprint string) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("devle starting", "version", version, "state", cfg.State.Path, "config_fingerprint", fingerprint)

	instance, err := lock.Acquire(cfg.State.Path)
	if err != nil {
		logger.Error("failed to acquire instance lock", "path", lock.PathFor(cfg.State.Path), "error", err)
		return err
	}
	defer func() { _ = instance.Release() }()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return err
	}
	defer db.Close()

	q := queue.New(db)
	st := store.New(db)
	hub := events.NewHub(256)
	runs := step.NewStore(db)
	steps := step.NewExecutor(runs, step.Options{Retry: cfg.Steps, Events: hub})

	coder, err := llm.NewChatModel(ctx, cfg.Models.Coder)
	if err != nil {
		return err
	}
	summarizer, err := llm.NewChatModel(ctx, cfg.Models.Summarizer)
	if err != nil {
		return err
	}

	dag, err := sandbox.ConnectDagger(ctx, engineLogOutput(cfg.Service.LogLevel))
	if err != nil {
		logger.Error("failed to connect sandbox engine", "error", err)
		return err
	}
	defer dag.Close()
	sandboxes := sandbox.NewManager(sandbox.NewDaggerProvider(dag), sandbox.NewRecords(db), cfg.Sandbox)

	deps := workflow.Deps{
		Store:      st,
		Steps:      steps,
		Sandbox:    sandboxes,
		Coder:      coder,
		Summarizer: summarizer,
		Capturer:   screenshot.New(cfg.Screenshot),
		Bus:        q,
		Events:     hub,
	}
	publish := workflow.NewPublish(cfg, deps)

	disp := dispatch.New(q, cfg, hub)
	disp.Register(queue.EventCodeAgentRun, workflow.NewCodeAgent(cfg, deps))
	disp.Register(queue.EventRunCompleted, publish)
	if err := disp.Recover(ctx); err != nil {
		logger.Error("queue recovery failed", "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sandboxes.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(disp.Start(gctx))
	})
	if cfg.API.Enabled {
		srv := api.New(api.ConfigFrom(cfg.API), api.Deps{
			Queue:     q,
			Runs:      runs,
			Store:     st,
			Sandboxes: sandboxes,
			Publish:   publish,
			Events:    hub,
			App:       cfg,
		}, log.WithComponent("api"))
		g.Go(func() error {
			return ignoreCanceled(srv.Start(gctx))
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("devle running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("devle stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// engineLogOutput sends sandbox engine logs to stderr only at debug level.
func engineLogOutput(level string) io.Writer {
	if log.ParseLevel(level) == slog.LevelDebug {
		return os.Stderr
	}
	return io.Discard
}
