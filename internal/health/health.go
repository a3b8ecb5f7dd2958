// Package health probes the daemon's own store and every configured runtime
// and aggregates the results into one report.
package health

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

const (
	// sshConnectTimeout bounds the TCP dial; sshCheckTimeout bounds the
	// whole ssh probe.
	sshConnectTimeout = 5 * time.Second
	sshCheckTimeout   = 10 * time.Second

	runtimeCheckTimeout = 5 * time.Second

	// Store reads slower than this are degraded even when they succeed.
	storeDegradedLatency = 500 * time.Millisecond
)

// Checker runs the component probes behind daemon.health and GET /health.
type Checker struct {
	store     *store.Store
	cfg       *config.Config
	logger    *logger.Logger
	startedAt time.Time
}

// New creates a checker. startedAt feeds the report's uptime field.
func New(st *store.Store, cfg *config.Config, log *logger.Logger, startedAt time.Time) *Checker {
	return &Checker{
		store:     st,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "health")),
		startedAt: startedAt,
	}
}

// Check probes every component. Any unhealthy component makes the overall
// state unhealthy; any degraded component with no unhealthy one makes it
// degraded.
func (c *Checker) Check(ctx context.Context) *v1.HealthReport {
	components := []v1.ComponentHealth{c.checkStore(ctx)}
	for _, rt := range c.cfg.Runtimes {
		components = append(components, c.checkRuntime(ctx, rt))
	}
	if c.cfg.Runtime("local") == nil {
		// The implicit local runtime exists even without a config entry.
		components = append(components, c.checkRuntime(ctx, config.RuntimeConfig{
			ID:   "local",
			Type: string(v1.RuntimeLocalTmux),
		}))
	}

	return &v1.HealthReport{
		Overall:    aggregate(components),
		Timestamp:  time.Now().UnixMilli(),
		UptimeSecs: int64(time.Since(c.startedAt).Seconds()),
		Components: components,
	}
}

func aggregate(components []v1.ComponentHealth) v1.HealthState {
	overall := v1.HealthHealthy
	for _, comp := range components {
		switch comp.State {
		case v1.HealthUnhealthy:
			overall = v1.HealthUnhealthy
		case v1.HealthDegraded:
			if overall == v1.HealthHealthy {
				overall = v1.HealthDegraded
			}
		}
	}
	return overall
}

func (c *Checker) checkStore(ctx context.Context) v1.ComponentHealth {
	comp := v1.ComponentHealth{Name: "store", State: v1.HealthHealthy}
	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		comp.State = v1.HealthUnhealthy
		comp.Message = err.Error()
		return comp
	}
	latency := time.Since(start)
	comp.LatencyMs = latency.Milliseconds()
	if latency > storeDegradedLatency {
		comp.State = v1.HealthDegraded
		comp.Message = "slow store response"
	}
	return comp
}

func (c *Checker) checkRuntime(ctx context.Context, rt config.RuntimeConfig) v1.ComponentHealth {
	comp := v1.ComponentHealth{Name: "runtime:" + rt.ID, State: v1.HealthHealthy}
	start := time.Now()

	var err error
	switch v1.RuntimeType(rt.Type) {
	case v1.RuntimeLocalTmux:
		err = checkTmuxBinary()
	case v1.RuntimeDocker:
		err = checkDocker(ctx)
	case v1.RuntimeK8s:
		err = checkKubectl(ctx, rt.Context)
	case v1.RuntimeSSH:
		err = checkSSH(ctx, rt)
	default:
		comp.State = v1.HealthDegraded
		comp.Message = fmt.Sprintf("unknown runtime type %q", rt.Type)
		return comp
	}

	comp.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		c.logger.Debug("runtime check failed", zap.String("runtime", rt.ID), zap.Error(err))
		comp.State = v1.HealthUnhealthy
		comp.Message = err.Error()
	}
	return comp
}

func checkTmuxBinary() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux binary not found in PATH")
	}
	return nil
}

func checkDocker(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, runtimeCheckTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func checkKubectl(ctx context.Context, kubeContext string) error {
	if _, err := exec.LookPath("kubectl"); err != nil {
		return fmt.Errorf("kubectl binary not found in PATH")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, runtimeCheckTimeout)
	defer cancel()
	args := []string{"cluster-info", "--request-timeout=5s"}
	if kubeContext != "" {
		args = append([]string{"--context", kubeContext}, args...)
	}
	if out, err := exec.CommandContext(cmdCtx, "kubectl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("kubectl context unreachable: %s", firstLine(string(out)))
	}
	return nil
}

// checkSSH probes TCP reachability of the remote's ssh port. A full ssh
// handshake needs keys the daemon may not hold, so plain connectivity is
// the signal.
func checkSSH(ctx context.Context, rt config.RuntimeConfig) error {
	port := rt.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(rt.Host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, sshCheckTimeout)
	defer cancel()
	dialer := net.Dialer{Timeout: sshConnectTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("ssh host unreachable: %w", err)
	}
	return conn.Close()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
