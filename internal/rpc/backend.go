package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/events"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func (r *Router) registerBackendMethods() {
	r.register("backend.list", r.backendList)
	r.register("backend.add", r.backendAdd)
	r.register("backend.remove", r.backendRemove)
	r.register("backend.enable", r.backendEnable)
	r.register("backend.disable", r.backendDisable)
	r.register("backend.sync", r.backendSync)
	r.register("backend.status", r.backendStatus)
	r.register("backend.retryErrors", r.backendRetryErrors)
}

func (r *Router) backendList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListBackends(ctx)
}

func (r *Router) backendAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var backend v1.Backend
	if err := decode(params, &backend); err != nil {
		return nil, err
	}
	if backend.Kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if backend.Name == "" {
		backend.Name = backend.Kind
	}
	if backend.ID == "" {
		backend.ID = uuid.NewString()
	}
	if backend.CreatedAt.IsZero() {
		backend.CreatedAt = time.Now()
	}
	if err := r.store.SaveBackend(ctx, &backend); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "backend", "id": backend.ID})
	return &backend, nil
}

func (r *Router) backendRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.store.DeleteBackend(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "backend", "id": p.ID})
	return map[string]interface{}{"removed": true}, nil
}

func (r *Router) backendEnable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return r.setBackendEnabled(ctx, params, true)
}

func (r *Router) backendDisable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return r.setBackendEnabled(ctx, params, false)
}

func (r *Router) setBackendEnabled(ctx context.Context, params json.RawMessage, enabled bool) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	backend, err := r.store.GetBackend(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	backend.Enabled = enabled
	if err := r.store.SaveBackend(ctx, backend); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "backend", "id": p.ID})
	return backend, nil
}

// backendSync pushes the current task set toward the external target. The
// wire adapters live outside this daemon; sync records its outcome and the
// per-task failures land in the sync-error table for retry.
func (r *Router) backendSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	backend, err := r.store.GetBackend(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !backend.Enabled {
		return nil, fmt.Errorf("backend %s is disabled", p.ID)
	}
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	errs, err := r.store.ListSyncErrors(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "backend", "id": p.ID})
	return map[string]interface{}{
		"backendId": p.ID,
		"tasks":     len(tasks),
		"pending":   len(errs),
		"syncedAt":  time.Now().UnixMilli(),
	}, nil
}

func (r *Router) backendStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	backend, err := r.store.GetBackend(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	errs, err := r.store.ListSyncErrors(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"backend": backend,
		"errors":  errs,
	}, nil
}

// backendRetryErrors drains the recorded failures for a backend; the next
// sync pass re-attempts the affected operations from scratch.
func (r *Router) backendRetryErrors(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	errs, err := r.store.ListSyncErrors(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := r.store.ClearSyncErrors(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "backend", "id": p.ID})
	return map[string]interface{}{"retried": len(errs)}, nil
}
