// Package supervisor keeps the daemon worker alive. The supervisor process
// writes the PID file, forks the worker with DAEMON_WORKER=1, restarts it
// under a circuit breaker, and relays signals.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	// WorkerEnv marks the child process that runs the actual daemon.
	WorkerEnv = "DAEMON_WORKER"
	// ForegroundEnv keeps the supervisor attached to the terminal.
	ForegroundEnv = "DAEMON_FOREGROUND"

	// killGrace is how long a signalled worker gets before SIGKILL.
	killGrace = 10 * time.Second
)

// IsWorker reports whether this process is the forked daemon worker.
func IsWorker() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// IsForeground reports whether daemonizing is disabled.
func IsForeground() bool {
	return os.Getenv(ForegroundEnv) == "1"
}

// Supervisor runs the restart loop for one worker process.
type Supervisor struct {
	cfg     *config.Config
	logger  *logger.Logger
	breaker *breaker
}

// New creates a supervisor with the breaker sized from config.
func New(cfg *config.Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "supervisor")),
		breaker: newBreaker(
			cfg.MaxRestarts,
			cfg.RestartWindowDuration(),
			cfg.BackoffDelayDuration(),
		),
	}
}

// Run acquires the PID lock, then forks and babysits the worker until a
// terminating signal arrives. It returns the exit code for main.
func (s *Supervisor) Run(ctx context.Context) int {
	lock := flock.New(s.cfg.PIDFile + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		s.logger.Error("acquiring pid lock", zap.Error(err))
		return 1
	}
	if !locked {
		fmt.Fprintln(os.Stderr, "daemon already running (pid file locked)")
		return 1
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.logger.Error("writing pid file", zap.Error(err))
		return 1
	}
	defer func() { _ = os.Remove(s.cfg.PIDFile) }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		cmd, err := s.spawnWorker()
		if err != nil {
			s.logger.Error("spawning worker", zap.Error(err))
			return 1
		}
		s.logger.Info("worker started", zap.Int("pid", cmd.Process.Pid))

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		code, done := s.superviseWorker(ctx, cmd, exited, signals)
		if done {
			return code
		}

		now := time.Now()
		s.breaker.record(now)
		if !s.breaker.allow(now) {
			s.logger.Warn("restart breaker tripped, backing off",
				zap.Duration("delay", s.breaker.backoff))
			select {
			case <-time.After(s.breaker.backoff):
				s.breaker.reset()
			case sig := <-signals:
				if sig == syscall.SIGTERM || sig == syscall.SIGINT {
					return 0
				}
			case <-ctx.Done():
				return 0
			}
		}
		s.logger.Info("restarting worker")
	}
}

// superviseWorker blocks until the worker exits or a terminating signal
// arrives. done is true when the supervisor itself should exit.
func (s *Supervisor) superviseWorker(ctx context.Context, cmd *exec.Cmd, exited <-chan error, signals <-chan os.Signal) (code int, done bool) {
	for {
		select {
		case err := <-exited:
			if err != nil {
				s.logger.Warn("worker exited", zap.Error(err))
			} else {
				s.logger.Info("worker exited cleanly")
			}
			return 0, false

		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				// Reload request: hand it to the worker and keep going.
				s.logger.Info("forwarding SIGHUP to worker")
				_ = cmd.Process.Signal(syscall.SIGHUP)
			case syscall.SIGTERM, syscall.SIGINT:
				s.logger.Info("stopping worker", zap.String("signal", sig.String()))
				s.stopWorker(cmd, exited)
				return 0, true
			}

		case <-ctx.Done():
			s.stopWorker(cmd, exited)
			return 0, true
		}
	}
}

// stopWorker forwards SIGTERM and force-kills after the grace period.
func (s *Supervisor) stopWorker(cmd *exec.Cmd, exited <-chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(killGrace):
		s.logger.Warn("worker did not stop in time, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
}

// spawnWorker re-execs this binary with the worker marker set. The worker
// inherits the supervisor's stdio, which the daemonized supervisor has
// already pointed at the log file.
func (s *Supervisor) spawnWorker() (*exec.Cmd, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Daemonize re-execs the supervisor detached from the terminal with stdio
// redirected to the log file, then reports that the caller should exit.
// It is a no-op when DAEMON_FOREGROUND=1.
func Daemonize(cfg *config.Config, log *logger.Logger) (bool, error) {
	if IsForeground() {
		return false, nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), ForegroundEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("starting detached supervisor: %w", err)
	}
	log.Info("daemonized", zap.Int("pid", cmd.Process.Pid))
	return true, nil
}

// ReadPID returns the supervisor pid from the pid file, probing liveness
// with a zero signal so stale files read as "not running".
func ReadPID(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(cfg.PIDFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
