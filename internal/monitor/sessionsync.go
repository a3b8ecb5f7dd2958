package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// sessionSyncTick reconciles lane bindings against the live tmux trees.
// A vanished session fails its running tasks; a live attached session
// re-binds tasks whose window can be identified by name.
func (s *Service) sessionSyncTick(ctx context.Context) {
	lanes, err := s.store.ListLanes(ctx)
	if err != nil {
		s.logger.Error("session-sync: listing lanes", zap.Error(err))
		return
	}
	for _, lane := range lanes {
		if lane.SessionName == "" {
			continue
		}
		if !s.syncGuard.tryAcquire(lane.ID) {
			continue
		}
		if err := s.syncLane(ctx, lane); err != nil {
			s.logger.Warn("session-sync: syncing lane",
				zap.String("lane_id", lane.ID), zap.Error(err))
		}
		s.syncGuard.release(lane.ID)
	}
}

func (s *Service) syncLane(ctx context.Context, lane *v1.Lane) error {
	driver, err := s.pool.Get(lane.ServerID)
	if err != nil {
		return err
	}
	tree, err := driver.GetTree(ctx, true)
	if err != nil {
		return err
	}
	session := tree.FindSession(lane.SessionName)
	if session == nil {
		return s.handleLostSession(ctx, lane)
	}

	if !lane.SessionActive {
		if err := s.store.SetLaneSessionActive(ctx, lane.ID, true); err != nil {
			return err
		}
	}
	if !session.Attached {
		return nil
	}
	return s.rebindLaneTasks(ctx, lane, session)
}

// handleLostSession fails every running task bound to a session that no
// longer exists. The tasks cannot recover: their agent process died with
// the session.
func (s *Service) handleLostSession(ctx context.Context, lane *v1.Lane) error {
	if err := s.store.SetLaneSessionActive(ctx, lane.ID, false); err != nil {
		return err
	}
	tasks, err := s.store.GetTasksByLane(ctx, lane.ID)
	if err != nil {
		return err
	}
	changed := false
	for _, task := range tasks {
		if task.KanbanColumn != v1.ColumnInProgress && task.KanbanColumn != v1.ColumnInReview {
			continue
		}
		if !task.Binding.IsSet() || task.Binding.SessionName != lane.SessionName {
			continue
		}
		s.logger.WithTaskID(task.ID).Warn("session lost, failing task",
			zap.String("session", lane.SessionName))
		fromStatus, fromColumn := task.Status, task.KanbanColumn
		task.Binding = v1.TmuxBinding{}
		task.Status = v1.TaskStatusFailed
		task.ErrorMessage = "Tmux session no longer exists"
		if err := s.store.SaveTask(ctx, task); err != nil {
			s.logger.WithTaskID(task.ID).Error("saving failed task", zap.Error(err))
			continue
		}
		if err := s.store.LogStatusChange(ctx, &v1.StatusHistoryEntry{
			TaskID: task.ID, FromStatus: fromStatus, ToStatus: task.Status,
			FromColumn: fromColumn, ToColumn: task.KanbanColumn, ChangedAt: time.Now(),
		}); err != nil {
			s.logger.WithTaskID(task.ID).Warn("recording status change", zap.Error(err))
		}
		changed = true
	}
	if changed {
		s.publish(events.DBChanged, map[string]interface{}{"entity": "task", "laneId": lane.ID})
	}
	return nil
}

// rebindLaneTasks restores window bindings for running tasks in a live
// session. Windows are matched by the task id fragment the launcher bakes
// into the window name.
func (s *Service) rebindLaneTasks(ctx context.Context, lane *v1.Lane, session *tmux.Session) error {
	tasks, err := s.store.GetTasksByLane(ctx, lane.ID)
	if err != nil {
		return err
	}
	changed := false
	for _, task := range tasks {
		if task.KanbanColumn != v1.ColumnInProgress && task.KanbanColumn != v1.ColumnInReview {
			continue
		}
		if task.Binding.IsSet() && session.FindWindow(*task.Binding.WindowIndex) != nil {
			continue
		}
		needle := task.ID
		if len(needle) > 15 {
			needle = needle[:15]
		}
		window := session.FindWindowByName(needle)
		if window == nil {
			continue
		}
		windowIndex, paneIndex := window.Index, 0
		task.Binding = v1.TmuxBinding{
			ServerID:    lane.ServerID,
			SessionName: session.Name,
			WindowIndex: &windowIndex,
			PaneIndex:   &paneIndex,
		}
		if err := s.store.SaveTask(ctx, task); err != nil {
			s.logger.WithTaskID(task.ID).Error("saving re-bound task", zap.Error(err))
			continue
		}
		s.logger.WithTaskID(task.ID).Info("re-bound task to window",
			zap.Int("window", window.Index))
		changed = true
	}
	if changed {
		s.publish(events.DBChanged, map[string]interface{}{"entity": "task", "laneId": lane.ID})
	}
	return nil
}
