package monitor

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/tmux"
	"github.com/agentmux/agentmux/internal/worktree"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// captureLines is how much scrollback the completion scan reads.
const captureLines = 100

// autoMonitorTick scans in-progress tasks with auto-close enabled for the
// completion promise their prompt instructed them to print.
func (s *Service) autoMonitorTick(ctx context.Context) {
	tasks, err := s.store.GetTasksByColumn(ctx, v1.ColumnInProgress)
	if err != nil {
		s.logger.Error("auto-monitor: listing tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if !task.Binding.IsSet() {
			continue
		}
		lane := s.laneFor(ctx, task)
		if !v1.EffectiveToggle(task, lane, v1.ToggleAutoClose) {
			continue
		}
		if !s.monitorGuard.tryAcquire(task.ID) {
			continue
		}
		if err := s.checkCompletion(ctx, task); err != nil {
			s.logger.Warn("auto-monitor: checking task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		s.monitorGuard.release(task.ID)
	}
}

func (s *Service) checkCompletion(ctx context.Context, task *v1.Task) error {
	driver, err := s.pool.Get(task.Binding.ServerID)
	if err != nil {
		return err
	}
	target := bindingTarget(task.Binding)
	content, err := driver.CapturePaneContent(ctx, target, captureLines)
	if err != nil {
		return err
	}

	sig := task.SignalID()
	if !strings.Contains(content, fmt.Sprintf("<promise>%s-DONE</promise>", sig)) {
		return nil
	}

	log := s.logger.WithTaskID(task.ID)
	log.Info("completion promise detected", zap.String("signal", sig))

	if summary := extractPromiseSummary(content, sig); summary != "" {
		task.Input = appendSection(task.Input, "**Completion Summary:**", summary)
	}

	if err := driver.KillWindow(ctx, task.Binding.SessionName, *task.Binding.WindowIndex); err != nil {
		log.Warn("killing completed task window", zap.Error(err))
	}
	s.removeWorktree(ctx, driver, task, log)

	now := time.Now()
	fromStatus, fromColumn := task.Status, task.KanbanColumn
	// Binding is cleared before the column change, so doneAt stays unset
	// and auto-close has nothing left to reap.
	task.Binding = v1.TmuxBinding{}
	task.Status = v1.TaskStatusCompleted
	task.KanbanColumn = v1.ColumnDone
	task.CompletedAt = &now
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}
	if err := s.store.LogStatusChange(ctx, &v1.StatusHistoryEntry{
		TaskID: task.ID, FromStatus: fromStatus, ToStatus: task.Status,
		FromColumn: fromColumn, ToColumn: task.KanbanColumn, ChangedAt: now,
	}); err != nil {
		log.Warn("recording status change", zap.Error(err))
	}
	s.completeSubtasks(ctx, task, now, log)

	s.publish(events.TaskCompleted, map[string]interface{}{"taskId": task.ID})
	s.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": task.ID})

	s.triggerDependents(ctx, task.ID)
	return nil
}

// removeWorktree tears down the task worktree if one was provisioned.
func (s *Service) removeWorktree(ctx context.Context, driver *tmux.Driver, task *v1.Task, log *logger.Logger) {
	if task.WorktreePath == "" {
		return
	}
	parent := path.Dir(path.Dir(task.WorktreePath))
	mgr := worktree.NewManager(driver, s.logger)
	if err := mgr.Remove(ctx, parent, task.WorktreePath); err != nil {
		log.Warn("removing worktree", zap.String("path", task.WorktreePath), zap.Error(err))
	}
	task.WorktreePath = ""
}

// completeSubtasks cascades completion to bundle members: they shared the
// parent's window, so the parent's promise closes them too.
func (s *Service) completeSubtasks(ctx context.Context, parent *v1.Task, now time.Time, log *logger.Logger) {
	for _, subID := range parent.SubtaskIDs {
		sub, err := s.store.GetTask(ctx, subID)
		if err != nil {
			log.Warn("loading subtask", zap.String("subtask_id", subID), zap.Error(err))
			continue
		}
		if sub.Status == v1.TaskStatusCompleted || sub.Status == v1.TaskStatusCancelled {
			continue
		}
		sub.Binding = v1.TmuxBinding{}
		sub.Status = v1.TaskStatusCompleted
		sub.KanbanColumn = v1.ColumnDone
		sub.CompletedAt = &now
		if err := s.store.SaveTask(ctx, sub); err != nil {
			log.Warn("saving subtask", zap.String("subtask_id", subID), zap.Error(err))
		}
	}
}

// triggerDependents starts any waiting task whose dependencies are now all
// complete, provided auto-start resolves true for it.
func (s *Service) triggerDependents(ctx context.Context, completedID string) {
	dependents, err := s.store.GetDependents(ctx, completedID)
	if err != nil {
		s.logger.Warn("listing dependents", zap.String("task_id", completedID), zap.Error(err))
		return
	}
	for _, dep := range dependents {
		if dep.KanbanColumn != v1.ColumnTodo && dep.KanbanColumn != v1.ColumnBacklog {
			continue
		}
		if dep.SwimLaneID == "" {
			continue
		}
		lane := s.laneFor(ctx, dep)
		if !v1.EffectiveToggle(dep, lane, v1.ToggleAutoStart) {
			continue
		}
		if !s.allDependenciesComplete(ctx, dep) {
			continue
		}
		dep.KanbanColumn = v1.ColumnTodo
		if err := s.store.SaveTask(ctx, dep); err != nil {
			s.logger.Warn("saving dependent before start",
				zap.String("task_id", dep.ID), zap.Error(err))
			continue
		}
		s.logger.WithTaskID(dep.ID).Info("auto-starting dependent task",
			zap.String("completed_dependency", completedID))
		if err := s.starter.StartTask(ctx, dep.ID); err != nil {
			s.logger.WithTaskID(dep.ID).Error("auto-starting dependent task", zap.Error(err))
		}
	}
}

func (s *Service) allDependenciesComplete(ctx context.Context, task *v1.Task) bool {
	for _, depID := range task.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return false
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Service) laneFor(ctx context.Context, task *v1.Task) *v1.Lane {
	if task.SwimLaneID == "" {
		return nil
	}
	lane, err := s.store.GetLane(ctx, task.SwimLaneID)
	if err != nil {
		return nil
	}
	return lane
}

func bindingTarget(b v1.TmuxBinding) string {
	return tmux.Target(b.SessionName, *b.WindowIndex, *b.PaneIndex)
}

// extractPromiseSummary pulls the agent-authored summary out of the
// captured pane. The first line carries the signal id marker and is
// dropped.
func extractPromiseSummary(content, sig string) string {
	open := "<promise-summary>" + sig
	start := strings.Index(content, open)
	if start < 0 {
		return ""
	}
	rest := content[start+len(open):]
	end := strings.Index(rest, "</promise-summary>")
	if end < 0 {
		return ""
	}
	body := rest[:end]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}
	return strings.TrimSpace(body)
}

// appendSection appends a headed block to existing free text.
func appendSection(existing, header, body string) string {
	block := header + "\n" + body
	if strings.TrimSpace(existing) == "" {
		return block
	}
	return strings.TrimRight(existing, "\n") + "\n\n" + block
}
