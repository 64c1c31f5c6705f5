package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/decompose"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/health"
	"github.com/taskmesh/taskmesh/internal/llm"
	"github.com/taskmesh/taskmesh/internal/pipeline"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/web"
	"github.com/taskmesh/taskmesh/internal/worker"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("taskmesh %s\n", version)
	case "controller":
		if err := runController(); err != nil {
			slog.Error("controller failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: taskmesh <command>\n\nCommands:\n  controller    Start the taskmesh controller\n  backup        Archive the data directories\n  restore       Restore a backup archive\n  version       Print version\n")
}

func runController() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting taskmesh controller", "version", version, "mode", cfg.Controller.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared-state store
	store, err := state.NewSQLStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("init state store: %w", err)
	}
	defer store.Close()
	slog.Info("state store initialized", "path", cfg.State.Path)

	// Embedded NATS for the event surface
	eventBus, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer eventBus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := bus.NewClient(eventBus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Capability registry + health metrics
	reg := registry.New(store, events, cfg.Registry.TTL)
	metrics := health.New(store)

	// Decomposition strategy
	var strategy decompose.Strategy
	switch cfg.Controller.Decomposer.Strategy {
	case "llm":
		strategy = decompose.NewLLMStrategy(llm.NewClient(cfg.LLM))
	case "rules", "":
		strategy = decompose.NewRuleStrategy(append(cfg.Controller.MandatoryStages, cfg.Controller.OptionalStages...))
	default:
		return fmt.Errorf("unknown decomposer strategy %q", cfg.Controller.Decomposer.Strategy)
	}
	decomposer, err := decompose.New(strategy,
		decompose.Policy(cfg.Controller.Decomposer.CoveragePolicy),
		cfg.Controller.Decomposer.MandatoryCapabilities)
	if err != nil {
		return fmt.Errorf("init decomposer: %w", err)
	}

	invoker := worker.NewHTTPInvoker()

	var pipe *pipeline.Controller
	if cfg.Controller.Mode == string(dispatch.ModePipeline) {
		pipe = pipeline.New(reg, metrics, invoker, store, events,
			cfg.Controller.MandatoryStages, cfg.Controller.OptionalStages,
			cfg.Controller.StageTimeout)
	}

	dispatcher, err := dispatch.New(cfg.Controller.Mode, reg, decomposer, pipe,
		metrics, invoker, store, events, cfg.Controller.DispatchTimeout)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	// Periodic expiry sweep keeps the agent-events stream prompt; reads
	// stay correct without it via lazy expiry.
	go sweepLoop(ctx, reg, cfg.Registry.SweepInterval)

	// Scheduled objectives
	sched := scheduler.New(dispatcher, events, cfg.Scheduler)
	go sched.Start(ctx)

	// HTTP API
	errCh := make(chan error, 1)
	if cfg.Web.Enabled {
		server := web.NewServer(dispatcher, reg, events, cfg.Web, version)
		go func() {
			errCh <- server.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

func sweepLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reg.ExpireStale(ctx); err != nil {
				slog.Warn("registry sweep failed", "error", err)
			}
		}
	}
}
