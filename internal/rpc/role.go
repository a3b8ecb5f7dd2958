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

func (r *Router) registerRoleMethods() {
	r.register("role.list", r.roleList)
	r.register("role.create", r.roleCreate)
	r.register("role.update", r.roleUpdate)
	r.register("role.delete", r.roleDelete)
}

func (r *Router) roleList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListRoles(ctx)
}

func (r *Router) roleCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	role := &v1.Role{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   time.Now(),
	}
	if err := r.store.SaveRole(ctx, role); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "role", "id": role.ID})
	return role, nil
}

func (r *Router) roleUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID          string  `json:"id"`
		Name        *string `json:"name,omitempty"`
		Description *string `json:"description,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	roles, err := r.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	var role *v1.Role
	for _, candidate := range roles {
		if candidate.ID == p.ID {
			role = candidate
			break
		}
	}
	if role == nil {
		return nil, fmt.Errorf("role not found: %s", p.ID)
	}
	if p.Name != nil {
		role.Name = *p.Name
	}
	if p.Description != nil {
		role.Description = *p.Description
	}
	if err := r.store.SaveRole(ctx, role); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "role", "id": p.ID})
	return role, nil
}

func (r *Router) roleDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.store.DeleteRole(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "role", "id": p.ID})
	return map[string]interface{}{"deleted": true}, nil
}
