package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/store"
)

func (r *Router) registerMiscMethods() {
	r.register("tmux.getTree", r.tmuxGetTree)
	r.register("db.call", r.dbCall)
	r.register("db.snapshot", r.dbSnapshot)
	r.registerUnimplemented("fanout.run")
}

func (r *Router) tmuxGetTree(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ServerID string `json:"serverId,omitempty"`
		Fresh    bool   `json:"fresh,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	driver, err := r.pool.Get(p.ServerID)
	if err != nil {
		return nil, err
	}
	return driver.GetTree(ctx, p.Fresh)
}

// dbCall is the whitelisted generic store proxy. Only the closed method set
// in the store is reachable; writes announce themselves on the bus.
func (r *Router) dbCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Method string            `json:"method"`
		Args   []json.RawMessage `json:"args,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	result, err := r.store.Call(ctx, p.Method, p.Args)
	if err != nil {
		return nil, err
	}
	if store.IsWriteMethod(p.Method) {
		r.publish(events.DBChanged, map[string]interface{}{"method": p.Method})
	}
	return result, nil
}

func (r *Router) dbSnapshot(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	tasks, _ := r.store.ListTasks(ctx)
	lanes, _ := r.store.ListLanes(ctx)
	agents, _ := r.store.ListAgents(ctx)
	teams, _ := r.store.ListTeams(ctx)
	pipelines, _ := r.store.ListPipelines(ctx)
	runs, _ := r.store.ListPipelineRuns(ctx)
	roles, _ := r.store.ListRoles(ctx)
	backends, _ := r.store.ListBackends(ctx)
	return map[string]interface{}{
		"tasks":        tasks,
		"lanes":        lanes,
		"agents":       agents,
		"teams":        teams,
		"pipelines":    pipelines,
		"pipelineRuns": runs,
		"roles":        roles,
		"backends":     backends,
	}, nil
}
