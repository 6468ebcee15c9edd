// Command mnemosyned runs the orchestration daemon: it wires the event
// bus, state projection, HTTP ingress, branch registry, cross-process
// coordinator, orchestrator, and agent actors behind a supervision tree,
// and serves until a shutdown signal arrives. Grounded on the teacher's
// cmd/daemon.go (config load, signal handling, graceful shutdown with a
// timeout, createDaemonControlPlane's component-wiring shape).
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

	"github.com/mnemosyne/orchestrator/internal/agent"
	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/conflict"
	"github.com/mnemosyne/orchestrator/internal/config"
	"github.com/mnemosyne/orchestrator/internal/eventbus"
	"github.com/mnemosyne/orchestrator/internal/eventstore"
	"github.com/mnemosyne/orchestrator/internal/flags"
	"github.com/mnemosyne/orchestrator/internal/guard"
	"github.com/mnemosyne/orchestrator/internal/ingress"
	"github.com/mnemosyne/orchestrator/internal/ipc"
	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/orchestrator"
	"github.com/mnemosyne/orchestrator/internal/paths"
	"github.com/mnemosyne/orchestrator/internal/projection"
	"github.com/mnemosyne/orchestrator/internal/supervisor"
	"github.com/mnemosyne/orchestrator/internal/tracing"
	"github.com/mnemosyne/orchestrator/internal/workqueue"
)

func main() {
	configPath := flag.String("config", "", "config file (default: ./.mnemosyne/config.yaml or ~/.config/mnemosyne/config.yaml)")
	logPath := flag.String("log", "mnemosyned.log", "daemon log file path")
	flag.Parse()

	cleanup, err := log.Init(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemosyned: initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemosyned: loading config: %v\n", err)
		os.Exit(1)
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemosyned: resolving working directory: %v\n", err)
		os.Exit(1)
	}
	mnemoDir, err := paths.ResolveMnemosyneDir(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemosyned: resolving .mnemosyne dir: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info(log.CatSuper, "received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, mnemoDir); err != nil {
		log.Error(log.CatSuper, "mnemosyned exited with error", "error", err.Error())
		fmt.Fprintf(os.Stderr, "mnemosyned: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, mnemoDir string) error {
	featureFlags := flags.New(cfg.Flags)

	tracerProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatSuper, "failed to flush traces", err)
		}
	}()

	bus := eventbus.New(cfg.EventBus.SubscriberCapacity)
	proj := projection.New()

	store, err := eventstore.Open(paths.EventStorePath(mnemoDir))
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	mirror := branch.NewJSONMirror(paths.BranchMirrorPath(mnemoDir))
	defer mirror.Close()

	bypass := func() bool { return featureFlags.Enabled(flags.FlagOrchestratorBypassConflicts) }
	registry := branch.New(mirror, bypass)
	registry.SetBus(bus)

	var coordinator *ipc.Coordinator
	if cfg.SharedSecret != "" {
		coordinator = ipc.New(mnemoDir, []byte(cfg.SharedSecret), bus)
	}
	branchGuard := guard.New(registry, coordinator)

	queue := workqueue.NewQueue(bus)
	orch := orchestrator.New(queue, bus)

	executors := make([]*agent.Agent, 0, 3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("executor-%d", i+1)
		a := agent.New(id, agent.KindExecutor, executorProcessor{guard: branchGuard}, bus)
		executors = append(executors, a)
		orch.RegisterExecutor(a)
	}

	handler := ingress.NewHandler(bus, proj)
	handler.SetTracer(tracerProvider.Tracer())
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler.Routes()}

	notifier := conflict.New(bus, bus, registry, conflict.DefaultPeriodicInterval)

	components := []supervisor.Component{
		{Name: "event-bus", Run: func(ctx context.Context) error { <-ctx.Done(); return nil }},
		{Name: "projection", Run: func(ctx context.Context) error { return runProjection(ctx, bus, proj) }},
		{Name: "event-ingress", Run: func(ctx context.Context) error { return runHTTPServer(ctx, httpServer) }},
		{Name: "branch-registry", Run: func(ctx context.Context) error { return runBranchPruner(ctx, registry) }},
		{Name: "conflict-notifier", Run: func(ctx context.Context) error { notifier.Run(ctx); return nil }},
		{Name: "orchestrator", Run: func(ctx context.Context) error { orch.Run(ctx, time.Second); return nil }},
	}
	if featureFlags.Enabled(flags.FlagEventAudit) {
		components = append(components, supervisor.Component{
			Name: "event-audit",
			Run:  func(ctx context.Context) error { return runEventAudit(ctx, bus, store) },
		})
	}
	for _, a := range executors {
		a := a
		components = append(components, supervisor.Component{
			Name: a.ID,
			Run:  func(ctx context.Context) error { a.Run(ctx); return nil },
		})
	}

	tree := supervisor.New(components)
	tree.Run(ctx)
	return nil
}

func runProjection(ctx context.Context, bus *eventbus.Bus, proj *projection.Projection) error {
	ch := bus.Subscribe(ctx)
	sweep := time.NewTicker(projection.HeartbeatInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			proj.Apply(ev)
		case <-sweep.C:
			proj.SweepDownAgents(time.Now())
		}
	}
}

func runHTTPServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	log.SafeGo("mnemosyned.http", func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), supervisor.DrainDeadline)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runBranchPruner(ctx context.Context, registry *branch.Registry) error {
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune.C:
			registry.PruneExpired(time.Now())
		}
	}
}

func runEventAudit(ctx context.Context, bus *eventbus.Bus, store *eventstore.Store) error {
	ch := bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := store.Append(ctx, ev); err != nil {
				log.ErrorErr(log.CatStore, "failed to audit event", err, "event_id", ev.ID)
			}
		}
	}
}

// executorProcessor adapts the branch guard into the agent.Processor seam;
// substantive phase work (LLM calls) lives outside this core.
type executorProcessor struct {
	guard *guard.Guard
}

// Process consults the Branch Guard synchronously before any file-mutating
// work proceeds: an item targeting a branch that another agent holds
// Isolated cannot be processed until that assignment is released.
func (p executorProcessor) Process(ctx context.Context, item *workqueue.Item) error {
	if p.guard == nil || item.Branch == "" {
		return nil
	}
	for _, a := range p.guard.Conflicts(item.Branch) {
		if a.Agent != item.Owner && a.Mode == branch.Isolated {
			return fmt.Errorf("branch guard: %q is isolated by agent %q", item.Branch, a.Agent)
		}
	}
	return nil
}
