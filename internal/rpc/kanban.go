package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/worktree"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// laneEditFields is the closed set of fields kanban.editLane may touch.
// sessionActive is owned by session-sync and deliberately absent.
var laneEditFields = map[string]bool{
	"name":                 true,
	"server_id":            true,
	"working_directory":    true,
	"session_name":         true,
	"ai_provider":          true,
	"ai_model":             true,
	"context_instructions": true,
	"default_toggles":      true,
	"memory_file_id":       true,
	"memory_path":          true,
}

func (r *Router) registerKanbanMethods() {
	r.register("kanban.listLanes", r.kanbanListLanes)
	r.register("kanban.createLane", r.kanbanCreateLane)
	r.register("kanban.editLane", r.kanbanEditLane)
	r.register("kanban.deleteLane", r.kanbanDeleteLane)
	r.register("kanban.saveLane", r.kanbanSaveLane)
	r.register("kanban.getBoard", r.kanbanGetBoard)
	r.register("kanban.startTask", r.kanbanStartTaskRPC)
	r.register("kanban.stopTask", r.kanbanStopTaskRPC)
	r.register("kanban.restartTask", r.kanbanRestartTask)
	r.register("kanban.startBundle", r.kanbanStartBundle)
	r.register("kanban.closeTaskWindow", r.kanbanCloseTaskWindow)
	r.register("kanban.cleanupWorktree", r.kanbanCleanupWorktree)
}

func (r *Router) kanbanListLanes(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListLanes(ctx)
}

func (r *Router) kanbanCreateLane(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req v1.CreateLaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	lane := &v1.Lane{
		Name:             req.Name,
		ServerID:         req.ServerID,
		WorkingDirectory: req.WorkingDirectory,
		SessionName:      req.SessionName,
		AIProvider:       req.AIProvider,
		AIModel:          req.AIModel,
		DefaultToggles:   req.DefaultToggles,
		CreatedAt:        time.Now(),
	}
	if err := r.store.SaveLane(ctx, lane); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "lane", "id": lane.ID})
	return lane, nil
}

func (r *Router) kanbanEditLane(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID     string                     `json:"id"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for field := range p.Fields {
		if !laneEditFields[field] {
			return nil, fmt.Errorf("field not updatable: %s", field)
		}
	}
	lane, err := r.store.GetLane(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	sessionActive := lane.SessionActive
	patch, err := json.Marshal(p.Fields)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, lane); err != nil {
		return nil, fmt.Errorf("invalid field value: %w", err)
	}
	lane.ID = p.ID
	lane.SessionActive = sessionActive
	if err := r.store.SaveLane(ctx, lane); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "lane", "id": p.ID})
	return lane, nil
}

func (r *Router) kanbanDeleteLane(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.store.DeleteLane(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "lane", "id": p.ID})
	return map[string]interface{}{"deleted": true}, nil
}

func (r *Router) kanbanSaveLane(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var lane v1.Lane
	if err := decode(params, &lane); err != nil {
		return nil, err
	}
	// sessionActive stays owned by session-sync even on full saves.
	if lane.ID != "" {
		if stored, err := r.store.GetLane(ctx, lane.ID); err == nil {
			lane.SessionActive = stored.SessionActive
		}
	}
	if err := r.store.SaveLane(ctx, &lane); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "lane", "id": lane.ID})
	return &lane, nil
}

func (r *Router) kanbanGetBoard(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	lanes, err := r.store.ListLanes(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	byLane := make(map[string][]*v1.Task)
	for _, t := range tasks {
		byLane[t.SwimLaneID] = append(byLane[t.SwimLaneID], t)
	}

	board := &v1.Board{}
	for _, lane := range lanes {
		board.Lanes = append(board.Lanes, buildBoardLane(lane, byLane[lane.ID]))
		delete(byLane, lane.ID)
	}
	// Tasks without a lane (or with a dangling lane id) go under an
	// anonymous lane so nothing disappears from the board.
	var orphans []*v1.Task
	for _, rest := range byLane {
		orphans = append(orphans, rest...)
	}
	if len(orphans) > 0 {
		board.Lanes = append(board.Lanes, buildBoardLane(nil, orphans))
	}
	return board, nil
}

func buildBoardLane(lane *v1.Lane, tasks []*v1.Task) *v1.BoardLane {
	bl := &v1.BoardLane{Lane: lane, Columns: make(map[v1.KanbanColumn][]*v1.Task)}
	for _, t := range tasks {
		bl.Columns[t.KanbanColumn] = append(bl.Columns[t.KanbanColumn], t)
	}
	return bl
}

func (r *Router) kanbanStartTaskRPC(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.kanbanStartTask(ctx, p.ID); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, p.ID)
}

func (r *Router) kanbanStopTaskRPC(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.kanbanStopTask(ctx, p.ID); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, p.ID)
}

// kanbanStartTask is the single entry point for launching a task; RPC
// starts and drag-to-in_progress moves both land here.
func (r *Router) kanbanStartTask(ctx context.Context, taskID string) error {
	return r.starter.StartTask(ctx, taskID)
}

// kanbanStopTask kills the task window, clears its binding, and parks the
// task back in todo as pending. The worktree survives a stop; only
// completion or explicit cleanup removes it.
func (r *Router) kanbanStopTask(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	fromStatus, fromColumn := task.Status, task.KanbanColumn
	if task.Binding.IsSet() {
		driver, err := r.pool.Get(task.Binding.ServerID)
		if err != nil {
			return err
		}
		if err := driver.KillWindow(ctx, task.Binding.SessionName, *task.Binding.WindowIndex); err != nil {
			r.logger.Warn("killing window for stopped task",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	task.Binding = v1.TmuxBinding{}
	task.Status = v1.TaskStatusPending
	task.KanbanColumn = v1.ColumnTodo
	task.DoneAt = nil
	if err := r.store.SaveTask(ctx, task); err != nil {
		return err
	}
	_ = r.store.LogStatusChange(ctx, &v1.StatusHistoryEntry{
		TaskID: taskID, FromStatus: fromStatus, ToStatus: task.Status,
		FromColumn: fromColumn, ToColumn: task.KanbanColumn, ChangedAt: now,
	})
	r.publish(events.TaskUpdated, map[string]interface{}{"taskId": taskID})
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": taskID})
	return nil
}

func (r *Router) kanbanRestartTask(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.kanbanStopTask(ctx, p.ID); err != nil {
		return nil, err
	}
	if err := r.kanbanStartTask(ctx, p.ID); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, p.ID)
}

func (r *Router) kanbanStartBundle(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(task.SubtaskIDs) == 0 {
		return nil, fmt.Errorf("task %s has no subtasks", p.ID)
	}
	if err := r.kanbanStartTask(ctx, p.ID); err != nil {
		return nil, err
	}
	return r.store.GetTask(ctx, p.ID)
}

func (r *Router) kanbanCloseTaskWindow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !task.Binding.IsSet() {
		return map[string]interface{}{"closed": false}, nil
	}
	driver, err := r.pool.Get(task.Binding.ServerID)
	if err != nil {
		return nil, err
	}
	if err := driver.KillWindow(ctx, task.Binding.SessionName, *task.Binding.WindowIndex); err != nil {
		return nil, err
	}
	task.Binding = v1.TmuxBinding{}
	task.DoneAt = nil
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": p.ID})
	return map[string]interface{}{"closed": true}, nil
}

func (r *Router) kanbanCleanupWorktree(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := r.store.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if task.WorktreePath == "" {
		return map[string]interface{}{"removed": false}, nil
	}
	serverID := task.Binding.ServerID
	if serverID == "" {
		serverID = r.taskServerID(ctx, task)
	}
	driver, err := r.pool.Get(serverID)
	if err != nil {
		return nil, err
	}
	parent := path.Dir(path.Dir(task.WorktreePath))
	if err := worktree.NewManager(driver, r.logger).Remove(ctx, parent, task.WorktreePath); err != nil {
		return nil, err
	}
	task.WorktreePath = ""
	if err := r.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": p.ID})
	return map[string]interface{}{"removed": true}, nil
}

// taskServerID resolves the runtime a task's shell commands should run on
// when no binding exists: server override, then lane server, then local.
func (r *Router) taskServerID(ctx context.Context, task *v1.Task) string {
	if task.ServerOverride != "" {
		return task.ServerOverride
	}
	if task.SwimLaneID != "" {
		if lane, err := r.store.GetLane(ctx, task.SwimLaneID); err == nil && lane.ServerID != "" {
			return lane.ServerID
		}
	}
	return "local"
}
