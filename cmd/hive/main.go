// Command hive runs the Hive workspace agent: it owns the Service
// Supervisor, Cell Provisioning Engine, and Agent Runtime for a single
// workspace, with no HTTP surface of its own (that's a non-goal) — an
// embedding process links this binary's packages directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hiverun/hive/internal/agentrt"
	"github.com/hiverun/hive/internal/config"
	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/health"
	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/logging"
	"github.com/hiverun/hive/internal/portmgr"
	"github.com/hiverun/hive/internal/provisioning"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/termrt"
	"github.com/hiverun/hive/internal/worktree"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: "json", OutputPath: "stdout"})
	if err != nil {
		log = logging.Default()
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("hive exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("hive stopped")
}

func run(cfg *config.Config, log *logging.Logger) error {
	dbPath := filepath.Join(cfg.HiveHome, "hive.db")
	st, err := store.Open(dbPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New()
	ports := portmgr.New(log)
	terms := termrt.NewManager(termrt.Config{Capacity: cfg.TerminalBufferCapacity, Retain: cfg.TerminalRetainBytes}, log)
	configs := hiveconfig.NewCache()
	wt := worktree.NewGitAdapter()

	sup := supervisor.New(supervisor.Config{
		DefaultShell:           cfg.DefaultShell,
		TemplateSetupTimeout:   cfg.TemplateSetupCommandTimeout,
		TemplateSetupKillGrace: cfg.TemplateSetupKillGrace,
		ServiceStopGrace:       cfg.ServiceStopGrace,
	}, st, ports, terms, bus, log)

	engine := provisioning.New(st, wt, sup, configs, bus, log)

	runtime, stopAgentProcess, err := buildAgentRuntime(cfg, st, configs, bus, log)
	if err != nil {
		log.Warn("agent runtime unavailable, continuing without it", zap.Error(err))
	}
	if stopAgentProcess != nil {
		defer stopAgentProcess()
	}

	log.Info("bootstrapping supervisor")
	if err := sup.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap supervisor: %w", err)
	}

	log.Info("resuming pending provisioning runs")
	if err := engine.ResumePending(); err != nil {
		log.Error("resume pending provisioning failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if runtime != nil {
		log.Info("resuming agent sessions flagged before shutdown")
		if err := runtime.ResumeAgentSessionsOnStartup(ctx); err != nil {
			log.Error("resume agent sessions failed", zap.Error(err))
		}
	}

	checker := health.New(st, runtime)
	if snap, err := checker.Snapshot(); err == nil {
		log.Info("ready", zap.Int("cells", snap.CellCount), zap.Int("services", snap.ServiceCount))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if runtime != nil {
		runtime.MarkAgentSessionsForResume()
		runtime.CloseAllAgentSessions(shutdownCtx, agentrt.StopOptions{})
	}
	sup.StopAll()

	return nil
}

// buildAgentRuntime spawns the shared coding-agent process, establishes
// the ACP connection to it, and wires an agentrt.Runtime on top. Returns
// a nil Runtime (never an error callers must treat as fatal) if the
// agent process can't be started — a workspace with a broken agent
// binary should still boot its services.
func buildAgentRuntime(cfg *config.Config, st *store.Store, configs *hiveconfig.Cache, bus *eventbus.Bus, log *logging.Logger) (*agentrt.Runtime, func(), error) {
	proc, err := agentrt.StartProcess(agentrt.ProcessConfig{Command: cfg.AgentCommand, Args: cfg.AgentArgs})
	if err != nil {
		return nil, nil, fmt.Errorf("start agent process: %w", err)
	}

	bridge := agentrt.NewNotificationBridge(256)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acpClient, err := agentrt.NewACPRemoteClient(ctx, bridge, proc.Stdin(), proc.Stdout())
	if err != nil {
		proc.Stop()
		return nil, nil, fmt.Errorf("connect to agent process: %w", err)
	}

	catalog := agentrt.NewHTTPProviderCatalogSource(cfg.AgentCatalogURL)
	client := agentrt.NewCatalogedRemoteClient(acpClient, catalog, bridge)
	credentials := agentrt.NewFileCredentialStore(cfg.AgentCredentialsPath)

	runtime := agentrt.New(st, configs, client, credentials, bus, log)
	return runtime, func() { proc.Stop() }, nil
}
