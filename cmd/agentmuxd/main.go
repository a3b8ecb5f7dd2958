// Command agentmuxd is the agent orchestration daemon. The process runs in
// two roles: the supervisor (default) daemonizes, writes the PID file, and
// keeps the worker alive; the worker (DAEMON_WORKER=1) runs the store,
// drivers, monitors, and API transports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/health"
	"github.com/agentmux/agentmux/internal/launcher"
	"github.com/agentmux/agentmux/internal/monitor"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/tmux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		OutputPath: logOutput(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if supervisor.IsWorker() {
		os.Exit(runWorker(cfg, log))
	}

	if !supervisor.IsForeground() {
		started, err := supervisor.Daemonize(cfg, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
			os.Exit(1)
		}
		if started {
			return
		}
	}

	os.Exit(supervisor.New(cfg, log).Run(context.Background()))
}

// logOutput sends worker logs to the configured file and supervisor logs to
// the terminal it still owns.
func logOutput(cfg *config.Config) string {
	if supervisor.IsWorker() && cfg.LogFile != "" {
		return cfg.LogFile
	}
	return "stderr"
}

// runWorker assembles and runs the daemon proper.
func runWorker(cfg *config.Config, log *logger.Logger) int {
	startedAt := time.Now()
	log.Info("starting agentmux daemon",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("ws_port", cfg.WSPort),
		zap.String("socket", cfg.UnixSocket))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("event bus init failed", zap.Error(err))
		return 1
	}
	defer closeBus()

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("opening store", zap.Error(err))
		return 1
	}

	pool := tmux.NewPool(cfg, log, eventBus)
	orch := orchestrator.New(st, eventBus, log)
	launch := launcher.New(st, pool, eventBus, log)

	mon := monitor.New(st, pool, eventBus, launch, log, monitor.Options{
		Tick: cfg.AutoMonitorTick(),
	})
	if cfg.EnableAutoMonitor {
		mon.Start(ctx)
		defer mon.Stop()
	}

	if cfg.ReconcileOnStart {
		if err := monitor.NewReconciler(st, pool, orch, log).Run(ctx); err != nil {
			log.Warn("startup reconciliation failed", zap.Error(err))
		}
	}

	checker := health.New(st, cfg, log, startedAt)

	// daemon.shutdown and SIGTERM share one path.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	shutdown := func() {
		select {
		case stop <- syscall.SIGTERM:
		default:
		}
	}

	router := rpc.NewRouter(st, pool, orch, launch, eventBus, cfg, checker, shutdown, log)
	server := api.NewServer(router, eventBus, checker, cfg, log)
	if err := server.Start(ctx); err != nil {
		log.Error("starting API server", zap.Error(err))
		_ = st.Close()
		return 1
	}

	for sig := range stop {
		if sig == syscall.SIGHUP {
			// Config reload is handled by a full worker restart; the
			// supervisor forwards SIGHUP so a future in-place reload can
			// hook in here.
			log.Info("SIGHUP received, ignoring (restart to reload config)")
			continue
		}
		log.Info("shutting down", zap.String("signal", sig.String()))
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	if err := st.Close(); err != nil {
		log.Warn("closing store", zap.Error(err))
	}
	log.Info("daemon stopped")
	return 0
}
