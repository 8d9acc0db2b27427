package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/executor"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/manager"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/stream"
	"github.com/haasonsaas/conductor/pkg/models"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "config file path")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		sqlStore, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return err
		}
		st = sqlStore
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	qm := queue.NewManager(st, queue.Config{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		HighWaterMark: cfg.Queue.HighWaterMark,
		DedupWindow:   cfg.Queue.DedupWindow,
	})
	if err := qm.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}
	defer qm.Close()

	bus := stream.NewBus(0)
	gw := gateway.New(st, logger, metrics, gateway.Config{
		MaxRetries:         cfg.Gateway.MaxRetries,
		RetryDelay:         cfg.Gateway.RetryDelay,
		ReservedCompletion: cfg.Gateway.ReservedCompletion,
	})

	toolRegistry := dispatch.NewRegistry(st)
	dispatcher := dispatch.NewDispatcher(toolRegistry, bus, logger, metrics, dispatch.Config{})

	native := dispatch.NewNativeRunner()
	native.Bind("calc/add/v1", dispatch.CalcAdd)
	dispatcher.RegisterRunner(models.RuntimeNative, native)
	dispatcher.RegisterRunner(models.RuntimePython, dispatch.NewScriptRunner(models.RuntimePython))
	dispatcher.RegisterRunner(models.RuntimeDeno, dispatch.NewScriptRunner(models.RuntimeDeno))
	dispatcher.RegisterRunner(models.RuntimeSubprocess, dispatch.NewSubprocessRunner())
	mcpRunner := dispatch.NewMCPRunner()
	defer mcpRunner.Close()
	dispatcher.RegisterRunner(models.RuntimeMCP, mcpRunner)
	dispatcher.RegisterRunner(models.RuntimeComposite, dispatch.NewCompositeRunner(dispatcher))

	exec := executor.New(st, qm, gw, dispatcher, bus, logger, metrics, executor.Config{
		Workers:          cfg.Executor.Workers,
		MaxIterations:    cfg.Executor.MaxIterations,
		StepTimeout:      cfg.Executor.StepTimeout,
		ProviderTimeout:  cfg.Executor.ProviderTimeout,
		KeepRecent:       cfg.Executor.KeepRecent,
		DefaultProvider:  cfg.Executor.DefaultProvider,
		FallbackProvider: cfg.Executor.FallbackProvider,
	})

	mgr := manager.New(st, qm, gw, dispatcher, exec, bus, logger)
	dispatcher.RegisterRunner(models.RuntimeAgent, dispatch.NewAgentRunner(mgr))

	for id, agent := range cfg.Agents {
		mgr.RegisterAgent(id, agent)
	}
	for i := range cfg.Providers {
		if err := gw.Register(ctx, &cfg.Providers[i]); err != nil {
			if err == store.ErrDuplicateKey {
				continue
			}
			logger.Error("provider registration failed", "id", cfg.Providers[i].ID, "error", err.Error())
		}
	}
	if err := seedTools(ctx, toolRegistry, cfg.Tools); err != nil {
		return err
	}
	if err := toolRegistry.Register(ctx, dispatch.CalcAddDescriptor()); err != nil && err != store.ErrDuplicateKey {
		return err
	}

	// Maintenance schedules: lease sweeps keep crashed workers from pinning
	// entries; archived jobs are pruned of queue residue nightly.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 30s", func() {
		qm.SweepExpired()
		metrics.QueueDepth.Set(float64(qm.Depth()))
	}); err != nil {
		return err
	}
	if _, err := sched.AddFunc("@daily", func() {
		pruneArchivedQueues(context.Background(), st, qm, logger)
		metrics.QueueDepth.Set(float64(qm.Depth()))
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err.Error())
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	exec.Start(ctx)
	logger.Info("conductor started",
		"store", cfg.Store.Driver,
		"workers", cfg.Executor.Workers,
		"metrics", cfg.Metrics.Listen)

	<-ctx.Done()
	logger.Info("shutting down")
	exec.Stop()
	return nil
}

// pruneArchivedQueues drops queue residue for archived jobs: an archived job
// accepts no further work, so any entries still keyed by it are dead weight.
func pruneArchivedQueues(ctx context.Context, st store.Store, qm *queue.Manager, logger *observability.Logger) {
	jobs, err := st.ListJobs(ctx, store.JobFilter{IncludeArchived: true})
	if err != nil {
		logger.Warn("archive prune: listing jobs failed", "error", err.Error())
		return
	}
	pruned := 0
	for _, job := range jobs {
		if !job.Archived {
			continue
		}
		n, err := qm.PruneKey(ctx, job.ID)
		if err != nil {
			logger.Warn("archive prune failed", "job_id", job.ID, "error", err.Error())
			continue
		}
		pruned += n
	}
	if pruned > 0 {
		logger.Info("archive prune removed queue entries", "entries", pruned)
	}
}

func seedTools(ctx context.Context, registry *dispatch.Registry, tools []models.ToolDescriptor) error {
	for i := range tools {
		if err := registry.Register(ctx, &tools[i]); err != nil {
			if err == store.ErrDuplicateKey {
				continue
			}
			return fmt.Errorf("registering tool %s: %w", tools[i].RouterKey, err)
		}
	}
	return nil
}
