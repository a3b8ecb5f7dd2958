package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/orchestrator"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func (r *Router) registerPipelineMethods() {
	r.register("pipeline.list", r.pipelineList)
	r.register("pipeline.create", r.pipelineCreate)
	r.register("pipeline.run", r.pipelineRun)
	r.register("pipeline.getStatus", r.pipelineGetStatus)
	r.register("pipeline.getActive", r.pipelineGetActive)
	r.register("pipeline.pause", r.pipelinePause)
	r.register("pipeline.resume", r.pipelineResume)
	r.register("pipeline.cancel", r.pipelineCancel)
}

func (r *Router) pipelineList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListPipelines(ctx)
}

func (r *Router) pipelineCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var pipeline v1.Pipeline
	if err := decode(params, &pipeline); err != nil {
		return nil, err
	}
	if pipeline.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if pipeline.ID == "" {
		pipeline.ID = uuid.NewString()
	}
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = time.Now()
	}
	for _, stage := range pipeline.Stages {
		if stage.ID == "" {
			stage.ID = uuid.NewString()
		}
	}
	if err := r.store.SavePipeline(ctx, &pipeline); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "pipeline", "id": pipeline.ID})
	return &pipeline, nil
}

// pipelineRun materializes every stage as a task and launches the first
// dependency wave. Later waves are driven by auto-monitor's dependent
// triggering: each stage task carries autoStart=true plus the dependency
// edges of its stage.
func (r *Router) pipelineRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		PipelineID string `json:"pipelineId"`
		LaneID     string `json:"laneId,omitempty"`
		Input      string `json:"input,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	pipeline, err := r.store.GetPipeline(ctx, p.PipelineID)
	if err != nil {
		return nil, err
	}
	laneID := p.LaneID
	if laneID == "" {
		laneID = pipeline.LaneID
	}
	if laneID == "" {
		return nil, fmt.Errorf("pipeline %s has no lane", p.PipelineID)
	}
	if _, err := r.store.GetLane(ctx, laneID); err != nil {
		return nil, err
	}
	if len(pipeline.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", p.PipelineID)
	}

	autoStart := true
	stageTask := make(map[string]string, len(pipeline.Stages))
	tasks := make([]*v1.Task, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		task := &v1.Task{
			ID:           uuid.NewString(),
			Description:  stage.Name,
			Input:        joinInput(stage.Description, p.Input),
			Status:       v1.TaskStatusPending,
			KanbanColumn: v1.ColumnTodo,
			Priority:     5,
			SwimLaneID:   laneID,
			TargetRole:   stage.TargetRole,
			AutoStart:    &autoStart,
			CreatedAt:    time.Now(),
		}
		stageTask[stage.ID] = task.ID
		tasks = append(tasks, task)
	}
	for i, stage := range pipeline.Stages {
		for _, dep := range stage.DependsOn {
			if depTask, ok := stageTask[dep]; ok {
				tasks[i].DependsOn = append(tasks[i].DependsOn, depTask)
			}
		}
	}
	for _, task := range tasks {
		if err := r.store.SaveTask(ctx, task); err != nil {
			return nil, err
		}
	}

	run := &v1.PipelineRun{
		ID:         uuid.NewString(),
		PipelineID: pipeline.ID,
		State:      v1.PipelineRunRunning,
		StartedAt:  time.Now(),
	}
	for _, task := range tasks {
		run.TaskIDs = append(run.TaskIDs, task.ID)
	}
	if err := r.store.SavePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "pipeline_run", "id": run.ID})

	waves := orchestrator.ComputeWaves(tasks)
	if len(waves) > 0 {
		for _, task := range waves[0] {
			if err := r.kanbanStartTask(ctx, task.ID); err != nil {
				r.logger.Warn("starting pipeline task",
					zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	}
	return run, nil
}

func joinInput(stageDescription, runInput string) string {
	switch {
	case stageDescription == "":
		return runInput
	case runInput == "":
		return stageDescription
	default:
		return stageDescription + "\n\n" + runInput
	}
}

func (r *Router) pipelineGetStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		RunID string `json:"runId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	run, err := r.store.GetPipelineRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]string, len(run.TaskIDs))
	completed := 0
	failed := false
	for _, id := range run.TaskIDs {
		task, err := r.store.GetTask(ctx, id)
		if err != nil {
			statuses[id] = "missing"
			continue
		}
		statuses[id] = string(task.Status)
		switch task.Status {
		case v1.TaskStatusCompleted:
			completed++
		case v1.TaskStatusFailed:
			failed = true
		}
	}

	// Terminal state is derived from the tasks, not stored eagerly.
	if run.State == v1.PipelineRunRunning {
		switch {
		case failed:
			run.State = v1.PipelineRunFailed
		case completed == len(run.TaskIDs) && len(run.TaskIDs) > 0:
			run.State = v1.PipelineRunCompleted
			now := time.Now()
			run.CompletedAt = &now
		}
		if run.State != v1.PipelineRunRunning {
			_ = r.store.SavePipelineRun(ctx, run)
		}
	}
	return map[string]interface{}{
		"run":       run,
		"tasks":     statuses,
		"completed": completed,
		"total":     len(run.TaskIDs),
	}, nil
}

func (r *Router) pipelineGetActive(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	runs, err := r.store.ListPipelineRuns(ctx)
	if err != nil {
		return nil, err
	}
	var active []*v1.PipelineRun
	for _, run := range runs {
		if run.State == v1.PipelineRunRunning || run.State == v1.PipelineRunPaused {
			active = append(active, run)
		}
	}
	return active, nil
}

func (r *Router) pipelinePause(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return r.setRunState(ctx, params, v1.PipelineRunRunning, v1.PipelineRunPaused)
}

func (r *Router) pipelineResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result, err := r.setRunState(ctx, params, v1.PipelineRunPaused, v1.PipelineRunRunning)
	if err != nil {
		return nil, err
	}
	// Kick any stage that became startable while paused.
	run := result.(*v1.PipelineRun)
	for _, id := range run.TaskIDs {
		task, err := r.store.GetTask(ctx, id)
		if err != nil || task.KanbanColumn != v1.ColumnTodo {
			continue
		}
		if !r.dependenciesComplete(ctx, task) {
			continue
		}
		if err := r.kanbanStartTask(ctx, id); err != nil {
			r.logger.Warn("resuming pipeline task",
				zap.String("task_id", id), zap.Error(err))
		}
	}
	return run, nil
}

func (r *Router) pipelineCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		RunID string `json:"runId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	run, err := r.store.GetPipelineRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	run.State = v1.PipelineRunCancelled
	now := time.Now()
	run.CompletedAt = &now
	if err := r.store.SavePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	for _, id := range run.TaskIDs {
		task, err := r.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		switch task.Status {
		case v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled:
			continue
		}
		if task.Binding.IsSet() {
			if err := r.kanbanStopTask(ctx, id); err != nil {
				r.logger.Warn("stopping cancelled pipeline task",
					zap.String("task_id", id), zap.Error(err))
			}
			task, err = r.store.GetTask(ctx, id)
			if err != nil {
				continue
			}
		}
		task.Status = v1.TaskStatusCancelled
		_ = r.store.SaveTask(ctx, task)
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "pipeline_run", "id": p.RunID})
	return run, nil
}

func (r *Router) setRunState(ctx context.Context, params json.RawMessage, from, to v1.PipelineRunState) (interface{}, error) {
	var p struct {
		RunID string `json:"runId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	run, err := r.store.GetPipelineRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if run.State != from {
		return nil, fmt.Errorf("run %s is %s, not %s", p.RunID, run.State, from)
	}
	run.State = to
	if err := r.store.SavePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "pipeline_run", "id": p.RunID})
	return run, nil
}

func (r *Router) dependenciesComplete(ctx context.Context, task *v1.Task) bool {
	for _, depID := range task.DependsOn {
		dep, err := r.store.GetTask(ctx, depID)
		if err != nil || dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}
