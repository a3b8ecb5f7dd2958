// Package rpc dispatches the daemon's flat JSON-RPC method namespace to
// typed handlers. Handlers never re-implement state transitions that the
// launcher, orchestrator, or kanban operations already own.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
	"github.com/agentmux/agentmux/pkg/jsonrpc"
)

// errUnimplemented marks methods that are declared but not available in
// this daemon.
var errUnimplemented = fmt.Errorf("unimplemented")

// Starter launches tasks; satisfied by the launcher.
type Starter interface {
	StartTask(ctx context.Context, taskID string) error
}

// HealthChecker produces the daemon health report.
type HealthChecker interface {
	Check(ctx context.Context) *v1.HealthReport
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Router maps JSON-RPC method names to handlers.
type Router struct {
	store    *store.Store
	pool     *tmux.Pool
	orch     *orchestrator.Orchestrator
	starter  Starter
	bus      bus.EventBus
	cfg      *config.Config
	health   HealthChecker
	logger   *logger.Logger
	shutdown func()

	startedAt time.Time
	handlers  map[string]handlerFunc
}

// NewRouter wires every namespace. shutdown is invoked by daemon.shutdown;
// nil makes that method a no-op.
func NewRouter(st *store.Store, pool *tmux.Pool, orch *orchestrator.Orchestrator, starter Starter,
	eventBus bus.EventBus, cfg *config.Config, health HealthChecker, shutdown func(), log *logger.Logger) *Router {
	r := &Router{
		store:     st,
		pool:      pool,
		orch:      orch,
		starter:   starter,
		bus:       eventBus,
		cfg:       cfg,
		health:    health,
		logger:    log.WithFields(zap.String("component", "rpc")),
		shutdown:  shutdown,
		startedAt: time.Now(),
		handlers:  make(map[string]handlerFunc),
	}
	r.registerAgentMethods()
	r.registerTaskMethods()
	r.registerAIMethods()
	r.registerTeamMethods()
	r.registerPipelineMethods()
	r.registerKanbanMethods()
	r.registerRuntimeMethods()
	r.registerDaemonMethods()
	r.registerRoleMethods()
	r.registerBackendMethods()
	r.registerMiscMethods()
	return r
}

func (r *Router) register(method string, h handlerFunc) {
	r.handlers[method] = h
}

func (r *Router) registerUnimplemented(methods ...string) {
	for _, m := range methods {
		r.register(m, func(context.Context, json.RawMessage) (interface{}, error) {
			return nil, errUnimplemented
		})
	}
}

// Methods returns the sorted-insertion method names; used by daemon.stats.
func (r *Router) methodCount() int { return len(r.handlers) }

// Dispatch routes one request to its handler and wraps the outcome in a
// response envelope. Handler errors surface as application errors with the
// error's own message.
func (r *Router) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid request")
	}
	h, ok := r.handlers[req.Method]
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		r.logger.Debug("rpc method failed",
			zap.String("method", req.Method), zap.Error(err))
		return jsonrpc.NewError(req.ID, jsonrpc.CodeAppError, err.Error())
	}
	return jsonrpc.NewResult(req.ID, result)
}

// decode unmarshals params into a typed struct; absent params leave the
// struct zero-valued.
func decode(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (r *Router) publish(eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(eventType, bus.NewEvent(eventType, "rpc", data)); err != nil {
		r.logger.Warn("publishing event", zap.String("type", eventType), zap.Error(err))
	}
}
