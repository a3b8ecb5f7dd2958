package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// AgentRegistry accepts live agents found during reconciliation; satisfied
// by the orchestrator.
type AgentRegistry interface {
	RegisterAgent(agent *v1.Agent)
}

// Reconciler restores in-memory agent state from the store after a daemon
// restart. It runs once at startup.
type Reconciler struct {
	store    *store.Store
	pool     *tmux.Pool
	registry AgentRegistry
	logger   *logger.Logger
}

// NewReconciler builds a startup reconciler.
func NewReconciler(st *store.Store, pool *tmux.Pool, registry AgentRegistry, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:    st,
		pool:     pool,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run checks every persisted non-terminated agent against its tmux server
// and re-registers the ones whose session survived. Agents on unreachable
// servers are treated as dead rather than left in limbo.
func (r *Reconciler) Run(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	revived, lost := 0, 0
	for _, agent := range agents {
		if agent.State == v1.AgentStateTerminated || agent.State == v1.AgentStateError {
			continue
		}
		if r.sessionAlive(ctx, agent) {
			now := time.Now()
			agent.LastActivityAt = &now
			if err := r.store.SaveAgent(ctx, agent); err != nil {
				r.logger.WithAgentID(agent.ID).Warn("saving revived agent", zap.Error(err))
			}
			r.registry.RegisterAgent(agent)
			revived++
			continue
		}
		agent.State = v1.AgentStateError
		agent.ErrorMessage = "Session no longer exists"
		if err := r.store.SaveAgent(ctx, agent); err != nil {
			r.logger.WithAgentID(agent.ID).Warn("saving dead agent", zap.Error(err))
		}
		lost++
	}
	r.logger.Info("agent reconciliation finished",
		zap.Int("revived", revived), zap.Int("lost", lost))
	return nil
}

func (r *Reconciler) sessionAlive(ctx context.Context, agent *v1.Agent) bool {
	driver, err := r.pool.Get(agent.ServerID)
	if err != nil {
		return false
	}
	alive, err := driver.HasSession(ctx, agent.SessionName)
	if err != nil {
		// An unreachable remote cannot vouch for the session.
		return false
	}
	return alive
}
