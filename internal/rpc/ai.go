package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/monitor"
	"github.com/agentmux/agentmux/internal/provider"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func (r *Router) registerAIMethods() {
	r.register("ai.resolveConfig", r.aiResolveConfig)
	r.register("ai.getSpawnConfig", r.aiGetSpawnConfig)
	r.register("ai.summarize", r.aiSummarize)
}

func (r *Router) aiResolveConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := r.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	var lane *v1.Lane
	if task.SwimLaneID != "" {
		lane, _ = r.store.GetLane(ctx, task.SwimLaneID)
	}
	laneProvider, laneModel := "", ""
	if lane != nil {
		laneProvider, laneModel = lane.AIProvider, lane.AIModel
	}

	name, err := provider.ResolveProvider(task.AIProvider, laneProvider)
	if err != nil {
		return nil, err
	}
	model := provider.ResolveModel(task.AIModel, laneModel)
	autoPilot := v1.EffectiveToggle(task, lane, v1.ToggleAutoPilot)
	launch, err := provider.InteractiveLaunchCommand(name, model, autoPilot)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"provider":      name,
		"model":         model,
		"launchCommand": launch,
	}, nil
}

func (r *Router) aiGetSpawnConfig(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Provider string `json:"provider"`
		Model    string `json:"model,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return provider.GetSpawnConfig(p.Provider, provider.ResolveModel(p.Model, ""))
}

// aiSummarize is best effort by contract: any failure along the way yields
// an empty summary, never an error.
func (r *Router) aiSummarize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TaskID  string `json:"taskId,omitempty"`
		Content string `json:"content,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	content := p.Content
	if content == "" && p.TaskID != "" {
		task, err := r.store.GetTask(ctx, p.TaskID)
		if err != nil || !task.Binding.IsSet() {
			return map[string]interface{}{"summary": ""}, nil
		}
		driver, err := r.pool.Get(task.Binding.ServerID)
		if err != nil {
			return map[string]interface{}{"summary": ""}, nil
		}
		target := tmux.Target(task.Binding.SessionName, *task.Binding.WindowIndex, *task.Binding.PaneIndex)
		content, err = driver.CapturePaneContent(ctx, target, 500)
		if err != nil {
			return map[string]interface{}{"summary": ""}, nil
		}
	}
	return map[string]interface{}{"summary": monitor.Summarize(content)}, nil
}
