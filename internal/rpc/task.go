package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// taskUpdateFields is the closed set of fields task.update may touch.
// Everything else, id and binding fields included, is rejected.
var taskUpdateFields = map[string]bool{
	"description":                true,
	"input":                      true,
	"priority":                   true,
	"target_role":                true,
	"assigned_agent_id":          true,
	"swim_lane_id":               true,
	"tags":                       true,
	"depends_on":                 true,
	"ai_provider":                true,
	"ai_model":                   true,
	"server_override":            true,
	"working_directory_override": true,
	"auto_start":                 true,
	"auto_pilot":                 true,
	"auto_close":                 true,
	"use_worktree":               true,
	"use_memory":                 true,
	"output":                     true,
}

func (r *Router) registerTaskMethods() {
	r.register("task.list", r.taskList)
	r.register("task.get", r.taskGet)
	r.register("task.submit", r.taskSubmit)
	r.register("task.move", r.taskMove)
	r.register("task.cancel", r.taskCancel)
	r.register("task.delete", r.taskDelete)
	r.register("task.update", r.taskUpdate)
	r.register("task.save", r.taskSave)
	r.register("task.getOutput", r.taskGetOutput)
}

func (r *Router) taskList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Lane   string `json:"lane,omitempty"`
		Column string `json:"column,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Lane != "" {
		return r.store.GetTasksByLane(ctx, p.Lane)
	}
	if p.Column != "" {
		if !v1.ValidColumn(p.Column) {
			return nil, fmt.Errorf("invalid column: %s", p.Column)
		}
		return r.store.GetTasksByColumn(ctx, v1.KanbanColumn(p.Column))
	}
	return r.store.ListTasks(ctx)
}

func (r *Router) taskGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, p.ID)
}

func (r *Router) taskSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req v1.SubmitTaskRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	column := req.Column
	if column == "" {
		column = string(v1.ColumnTodo)
	}
	if !v1.ValidColumn(column) {
		return nil, fmt.Errorf("invalid column: %s", column)
	}
	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("priority out of range: %d", priority)
	}

	task := &v1.Task{
		ID:           uuid.NewString(),
		Description:  req.Description,
		Input:        req.Input,
		Status:       v1.TaskStatusPending,
		KanbanColumn: v1.ColumnTodo,
		Priority:     priority,
		SwimLaneID:   req.Lane,
		DependsOn:    req.DependsOn,
		Tags:         req.Tags,
		AIProvider:   req.AIProvider,
		AIModel:      req.AIModel,
		AutoStart:    req.AutoStart,
		AutoPilot:    req.AutoPilot,
		AutoClose:    req.AutoClose,
		UseWorktree:  req.UseWorktree,
		CreatedAt:    time.Now(),
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": task.ID})

	// Submitting straight into in_progress launches through the same path
	// as an explicit start.
	if v1.KanbanColumn(column) != v1.ColumnTodo {
		if err := r.moveTask(ctx, task.ID, v1.KanbanColumn(column)); err != nil {
			return nil, err
		}
	}
	return r.store.GetTask(ctx, task.ID)
}

func (r *Router) taskMove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req v1.MoveTaskRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if !v1.ValidColumn(req.Column) {
		return nil, fmt.Errorf("invalid column: %s", req.Column)
	}
	if req.Lane != "" {
		task, err := r.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if task.SwimLaneID != req.Lane {
			if _, err := r.store.GetLane(ctx, req.Lane); err != nil {
				return nil, err
			}
			task.SwimLaneID = req.Lane
			if err := r.store.SaveTask(ctx, task); err != nil {
				return nil, err
			}
		}
	}
	if err := r.moveTask(ctx, req.TaskID, v1.KanbanColumn(req.Column)); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, req.TaskID)
}

// moveTask applies a column change. Side effects are delegated: moving into
// in_progress launches through kanbanStartTask, moving a running task out
// stops it through kanbanStopTask, so drag-and-drop and explicit RPCs share
// one code path.
func (r *Router) moveTask(ctx context.Context, taskID string, column v1.KanbanColumn) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	from := task.KanbanColumn
	if from == column {
		return nil
	}

	if column == v1.ColumnInProgress {
		if err := r.kanbanStartTask(ctx, taskID); err != nil {
			return err
		}
		r.publish(events.TaskMoved, map[string]interface{}{
			"taskId": taskID, "from": string(from), "to": string(column)})
		return nil
	}

	if from == v1.ColumnInProgress && task.Binding.IsSet() {
		if err := r.kanbanStopTask(ctx, taskID); err != nil {
			return err
		}
		task, err = r.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	fromStatus := task.Status
	task.KanbanColumn = column
	switch column {
	case v1.ColumnDone:
		task.Status = v1.TaskStatusCompleted
		if task.CompletedAt == nil {
			task.CompletedAt = &now
		}
		// doneAt is only meaningful while a window is still bound; that is
		// what auto-close keys its grace period on.
		if task.Binding.IsSet() {
			task.DoneAt = &now
		}
	case v1.ColumnBacklog, v1.ColumnTodo:
		task.Status = v1.TaskStatusPending
		task.DoneAt = nil
	case v1.ColumnInReview:
		task.DoneAt = nil
	}
	if from == v1.ColumnDone && column != v1.ColumnDone {
		task.DoneAt = nil
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		return err
	}
	if task.Status != fromStatus {
		_ = r.store.LogStatusChange(ctx, &v1.StatusHistoryEntry{
			TaskID: taskID, FromStatus: fromStatus, ToStatus: task.Status,
			FromColumn: from, ToColumn: column, ChangedAt: now,
		})
	}
	r.publish(events.TaskMoved, map[string]interface{}{
		"taskId": taskID, "from": string(from), "to": string(column)})
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": taskID})
	return nil
}

func (r *Router) taskCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := r.orch.CancelTask(ctx, p.ID)
	if err == nil {
		return map[string]interface{}{"cancelled": true}, nil
	}
	if !errors.Is(err, orchestrator.ErrTaskNotQueued) {
		return nil, err
	}
	// Not in the queue: cancel directly in the store.
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	task.Status = v1.TaskStatusCancelled
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(events.TaskUpdated, map[string]interface{}{"taskId": p.ID})
	return map[string]interface{}{"cancelled": true}, nil
}

func (r *Router) taskDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.store.DeleteTask(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": p.ID})
	return map[string]interface{}{"deleted": true}, nil
}

func (r *Router) taskUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID     string                     `json:"id"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for field := range p.Fields {
		if !taskUpdateFields[field] {
			return nil, fmt.Errorf("field not updatable: %s", field)
		}
	}
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	patch, err := json.Marshal(p.Fields)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, task); err != nil {
		return nil, fmt.Errorf("invalid field value: %w", err)
	}
	task.ID = p.ID
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(events.TaskUpdated, map[string]interface{}{"taskId": p.ID})
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": p.ID})
	return task, nil
}

func (r *Router) taskSave(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var task v1.Task
	if err := decode(params, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := r.store.SaveTask(ctx, &task); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": task.ID})
	return &task, nil
}

func (r *Router) taskGetOutput(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID    string `json:"id"`
		Lines int    `json:"lines,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !task.Binding.IsSet() {
		return map[string]interface{}{"output": task.Output, "live": false}, nil
	}
	driver, err := r.pool.Get(task.Binding.ServerID)
	if err != nil {
		return nil, err
	}
	target := tmux.Target(task.Binding.SessionName, *task.Binding.WindowIndex, *task.Binding.PaneIndex)
	content, err := driver.CapturePaneContent(ctx, target, p.Lines)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"output": content, "live": true}, nil
}
