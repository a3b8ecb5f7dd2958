package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/common/config"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func (r *Router) registerRuntimeMethods() {
	r.register("runtime.list", r.runtimeList)
	r.register("runtime.add", r.runtimeAdd)
	r.register("runtime.remove", r.runtimeRemove)
	r.register("runtime.ping", r.runtimePing)
	// register is the config-file-free variant clients use for ad hoc
	// targets; it shares the add path.
	r.register("runtime.register", r.runtimeAdd)
}

func (r *Router) runtimeList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	known := make(map[string]v1.RuntimeInfo)
	for _, rc := range r.cfg.Runtimes {
		known[rc.ID] = rc.Info()
	}
	var infos []v1.RuntimeInfo
	for _, id := range r.pool.IDs() {
		if info, ok := known[id]; ok {
			infos = append(infos, info)
			continue
		}
		infos = append(infos, v1.RuntimeInfo{ID: id, Type: v1.RuntimeLocalTmux})
	}
	return infos, nil
}

func (r *Router) runtimeAdd(_ context.Context, params json.RawMessage) (interface{}, error) {
	var rc config.RuntimeConfig
	if err := decode(params, &rc); err != nil {
		return nil, err
	}
	if rc.ID == "" {
		return nil, fmt.Errorf("runtime id is required")
	}
	if !v1.ValidRuntimeType(rc.Type) {
		return nil, fmt.Errorf("invalid runtime type: %s", rc.Type)
	}
	if rc.Type == string(v1.RuntimeSSH) && rc.Host == "" {
		return nil, fmt.Errorf("ssh runtime requires a host")
	}
	r.pool.Register(rc)
	return rc.Info(), nil
}

func (r *Router) runtimeRemove(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "local" {
		return nil, fmt.Errorf("the local runtime cannot be removed")
	}
	r.pool.Remove(p.ID)
	return map[string]interface{}{"removed": true}, nil
}

func (r *Router) runtimePing(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	driver, err := r.pool.Get(p.ID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	_, err = driver.ListSessions(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return map[string]interface{}{"ok": false, "latencyMs": latency, "error": err.Error()}, nil
	}
	return map[string]interface{}{"ok": true, "latencyMs": latency}, nil
}
