package rpc

import (
	"context"
	"encoding/json"
	"time"
)

func (r *Router) registerDaemonMethods() {
	r.register("daemon.health", r.daemonHealth)
	r.register("daemon.config", r.daemonConfig)
	r.register("daemon.stats", r.daemonStats)
	r.register("daemon.shutdown", r.daemonShutdown)
	r.registerUnimplemented("daemon.reload")
}

func (r *Router) daemonHealth(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if r.health == nil {
		return nil, errUnimplemented
	}
	return r.health.Check(ctx), nil
}

func (r *Router) daemonConfig(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return r.cfg, nil
}

func (r *Router) daemonStats(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	tasks, _ := r.store.ListTasks(ctx)
	lanes, _ := r.store.ListLanes(ctx)
	agents, _ := r.store.ListAgents(ctx)
	return map[string]interface{}{
		"uptimeSecs": int64(time.Since(r.startedAt).Seconds()),
		"tasks":      len(tasks),
		"lanes":      len(lanes),
		"agents":     len(agents),
		"queued":     r.orch.QueueLen(),
		"methods":    r.methodCount(),
		"liveAgents": len(r.orch.ListAgents()),
	}, nil
}

// daemonShutdown acknowledges first, then triggers the stop out of band so
// the response can still be written.
func (r *Router) daemonShutdown(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if r.shutdown != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			r.shutdown()
		}()
	}
	return map[string]interface{}{"stopping": true}, nil
}
