package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/sqlite"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Sentinel errors for missing entities.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrLaneNotFound     = errors.New("lane not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrTeamNotFound     = errors.New("team not found")
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("pipeline run not found")
	ErrRoleNotFound     = errors.New("role not found")
	ErrBackendNotFound  = errors.New("backend not found")
)

// taskRow mirrors the tasks table for sqlx scanning.
type taskRow struct {
	ID              string         `db:"id"`
	Description     string         `db:"description"`
	Input           string         `db:"input"`
	Status          string         `db:"status"`
	KanbanColumn    string         `db:"kanban_column"`
	Priority        int            `db:"priority"`
	SwimLaneID      string         `db:"swim_lane_id"`
	ParentTaskID    string         `db:"parent_task_id"`
	TargetRole      string         `db:"target_role"`
	AssignedAgentID string         `db:"assigned_agent_id"`
	AutoStart       sql.NullInt64  `db:"auto_start"`
	AutoPilot       sql.NullInt64  `db:"auto_pilot"`
	AutoClose       sql.NullInt64  `db:"auto_close"`
	UseWorktree     sql.NullInt64  `db:"use_worktree"`
	UseMemory       sql.NullInt64  `db:"use_memory"`
	AIProvider      string         `db:"ai_provider"`
	AIModel         string         `db:"ai_model"`
	ServerOverride  string         `db:"server_override"`
	WorkdirOverride string         `db:"working_directory_override"`
	TmuxServerID    string         `db:"tmux_server_id"`
	TmuxSessionName string         `db:"tmux_session_name"`
	TmuxWindowIndex sql.NullInt64  `db:"tmux_window_index"`
	TmuxPaneIndex   sql.NullInt64  `db:"tmux_pane_index"`
	WorktreePath    string         `db:"worktree_path"`
	ErrorMessage    string         `db:"error_message"`
	Output          string         `db:"output"`
	CreatedAt       int64          `db:"created_at"`
	StartedAt       sql.NullInt64  `db:"started_at"`
	CompletedAt     sql.NullInt64  `db:"completed_at"`
	DoneAt          sql.NullInt64  `db:"done_at"`
}

func (r *taskRow) toAPI() *v1.Task {
	t := &v1.Task{
		ID:                       r.ID,
		Description:              r.Description,
		Input:                    r.Input,
		Status:                   v1.TaskStatus(r.Status),
		KanbanColumn:             v1.KanbanColumn(r.KanbanColumn),
		Priority:                 r.Priority,
		SwimLaneID:               r.SwimLaneID,
		ParentTaskID:             r.ParentTaskID,
		TargetRole:               r.TargetRole,
		AssignedAgentID:          r.AssignedAgentID,
		AutoStart:                sqlite.IntToOptionalBool(r.AutoStart),
		AutoPilot:                sqlite.IntToOptionalBool(r.AutoPilot),
		AutoClose:                sqlite.IntToOptionalBool(r.AutoClose),
		UseWorktree:              sqlite.IntToOptionalBool(r.UseWorktree),
		UseMemory:                sqlite.IntToOptionalBool(r.UseMemory),
		AIProvider:               r.AIProvider,
		AIModel:                  r.AIModel,
		ServerOverride:           r.ServerOverride,
		WorkingDirectoryOverride: r.WorkdirOverride,
		WorktreePath:             r.WorktreePath,
		ErrorMessage:             r.ErrorMessage,
		Output:                   r.Output,
		CreatedAt:                sqlite.MillisToTime(r.CreatedAt),
		StartedAt:                sqlite.MillisToOptionalTime(r.StartedAt),
		CompletedAt:              sqlite.MillisToOptionalTime(r.CompletedAt),
		DoneAt:                   sqlite.MillisToOptionalTime(r.DoneAt),
	}
	t.Binding = v1.TmuxBinding{
		ServerID:    r.TmuxServerID,
		SessionName: r.TmuxSessionName,
	}
	if r.TmuxWindowIndex.Valid {
		w := int(r.TmuxWindowIndex.Int64)
		t.Binding.WindowIndex = &w
	}
	if r.TmuxPaneIndex.Valid {
		p := int(r.TmuxPaneIndex.Int64)
		t.Binding.PaneIndex = &p
	}
	return t
}

const taskColumns = `id, description, input, status, kanban_column, priority,
	swim_lane_id, parent_task_id, target_role, assigned_agent_id,
	auto_start, auto_pilot, auto_close, use_worktree, use_memory,
	ai_provider, ai_model, server_override, working_directory_override,
	tmux_server_id, tmux_session_name, tmux_window_index, tmux_pane_index,
	worktree_path, error_message, output,
	created_at, started_at, completed_at, done_at`

// SaveTask upserts the task and rebuilds its subtask, dependency, and tag
// edges from the entity's slices, all in one transaction.
func (s *Store) SaveTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var windowIndex, paneIndex interface{}
	if task.Binding.WindowIndex != nil {
		windowIndex = *task.Binding.WindowIndex
	}
	if task.Binding.PaneIndex != nil {
		paneIndex = *task.Binding.PaneIndex
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			input = excluded.input,
			status = excluded.status,
			kanban_column = excluded.kanban_column,
			priority = excluded.priority,
			swim_lane_id = excluded.swim_lane_id,
			parent_task_id = excluded.parent_task_id,
			target_role = excluded.target_role,
			assigned_agent_id = excluded.assigned_agent_id,
			auto_start = excluded.auto_start,
			auto_pilot = excluded.auto_pilot,
			auto_close = excluded.auto_close,
			use_worktree = excluded.use_worktree,
			use_memory = excluded.use_memory,
			ai_provider = excluded.ai_provider,
			ai_model = excluded.ai_model,
			server_override = excluded.server_override,
			working_directory_override = excluded.working_directory_override,
			tmux_server_id = excluded.tmux_server_id,
			tmux_session_name = excluded.tmux_session_name,
			tmux_window_index = excluded.tmux_window_index,
			tmux_pane_index = excluded.tmux_pane_index,
			worktree_path = excluded.worktree_path,
			error_message = excluded.error_message,
			output = excluded.output,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			done_at = excluded.done_at`,
		task.ID, task.Description, task.Input, string(task.Status), string(task.KanbanColumn),
		task.Priority, task.SwimLaneID, task.ParentTaskID, task.TargetRole, task.AssignedAgentID,
		sqlite.OptionalBoolToInt(task.AutoStart), sqlite.OptionalBoolToInt(task.AutoPilot),
		sqlite.OptionalBoolToInt(task.AutoClose), sqlite.OptionalBoolToInt(task.UseWorktree),
		sqlite.OptionalBoolToInt(task.UseMemory),
		task.AIProvider, task.AIModel, task.ServerOverride, task.WorkingDirectoryOverride,
		task.Binding.ServerID, task.Binding.SessionName, windowIndex, paneIndex,
		task.WorktreePath, task.ErrorMessage, task.Output,
		sqlite.TimeToMillis(task.CreatedAt),
		sqlite.OptionalTimeToMillis(task.StartedAt),
		sqlite.OptionalTimeToMillis(task.CompletedAt),
		sqlite.OptionalTimeToMillis(task.DoneAt))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}

	// Rebuild many-to-many edges from the entity's slices
	if _, err := tx.ExecContext(ctx, "DELETE FROM subtask_relations WHERE parent_id = ?", task.ID); err != nil {
		return err
	}
	for i, child := range task.SubtaskIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO subtask_relations (parent_id, child_id, position) VALUES (?, ?, ?)",
			task.ID, child, i); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_dependencies WHERE task_id = ?", task.ID); err != nil {
		return err
	}
	for _, dep := range task.DependsOn {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)",
			task.ID, dep); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_tags WHERE task_id = ?", task.ID); err != nil {
		return err
	}
	for _, tag := range task.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO task_tags (task_id, tag) VALUES (?, ?)",
			task.ID, tag); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save task: %w", err)
	}
	s.markDirty()
	return nil
}

// GetTask returns the task with all child collections populated: subtask
// ids, dependency ids, tags, comments, and status history.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	task := row.toAPI()
	if err := s.populateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) populateTask(ctx context.Context, task *v1.Task) error {
	if err := s.db.SelectContext(ctx, &task.SubtaskIDs,
		"SELECT child_id FROM subtask_relations WHERE parent_id = ? ORDER BY position", task.ID); err != nil {
		return err
	}
	if err := s.db.SelectContext(ctx, &task.DependsOn,
		"SELECT depends_on_id FROM task_dependencies WHERE task_id = ?", task.ID); err != nil {
		return err
	}
	if err := s.db.SelectContext(ctx, &task.Tags,
		"SELECT tag FROM task_tags WHERE task_id = ? ORDER BY tag", task.ID); err != nil {
		return err
	}

	comments, err := s.listComments(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Comments = comments

	history, err := s.listStatusHistory(ctx, task.ID)
	if err != nil {
		return err
	}
	task.StatusHistory = history
	return nil
}

// ListTasks returns every task fully populated, ordered by creation time.
func (s *Store) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	return s.selectTasks(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at")
}

// GetTasksByLane returns every task in the given lane.
func (s *Store) GetTasksByLane(ctx context.Context, laneID string) ([]*v1.Task, error) {
	return s.selectTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE swim_lane_id = ? ORDER BY created_at", laneID)
}

// GetTasksByColumn returns every task in the given kanban column.
func (s *Store) GetTasksByColumn(ctx context.Context, column v1.KanbanColumn) ([]*v1.Task, error) {
	return s.selectTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE kanban_column = ? ORDER BY created_at", string(column))
}

// GetDependents returns tasks whose dependency set contains id.
func (s *Store) GetDependents(ctx context.Context, id string) ([]*v1.Task, error) {
	return s.selectTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = ?)
		ORDER BY created_at`, id)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...interface{}) ([]*v1.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.Error("task query failed", zap.Error(err))
		return nil, err
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		task := rows[i].toAPI()
		if err := s.populateTask(ctx, task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// DeleteTask removes the task and cascades to status history, comments,
// tags, and both sides of the subtask and dependency edges.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		"DELETE FROM task_status_history WHERE task_id = ?",
		"DELETE FROM task_comments WHERE task_id = ?",
		"DELETE FROM task_tags WHERE task_id = ?",
		"DELETE FROM subtask_relations WHERE parent_id = ? OR child_id = ?",
		"DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?",
		"DELETE FROM tasks WHERE id = ?",
	}
	args := [][]interface{}{
		{id}, {id}, {id}, {id, id}, {id, id}, {id},
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, args[i]...); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete task: %w", err)
	}
	s.markDirty()
	return nil
}

// AddTaskComment appends a comment to a task.
func (s *Store) AddTaskComment(ctx context.Context, c *v1.Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.AuthorType == "" {
		c.AuthorType = "user"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, author_type, author_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AuthorType, c.AuthorID, c.Content, sqlite.TimeToMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	s.markDirty()
	return nil
}

// LogStatusChange records a status/column transition in the task's history.
func (s *Store) LogStatusChange(ctx context.Context, entry *v1.StatusHistoryEntry) error {
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_status_history (task_id, from_status, to_status, from_column, to_column, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TaskID, string(entry.FromStatus), string(entry.ToStatus),
		string(entry.FromColumn), string(entry.ToColumn), sqlite.TimeToMillis(entry.ChangedAt))
	if err != nil {
		return fmt.Errorf("log status change: %w", err)
	}
	s.markDirty()
	return nil
}

func (s *Store) listComments(ctx context.Context, taskID string) ([]*v1.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_type, author_id, content, created_at
		FROM task_comments WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*v1.Comment
	for rows.Next() {
		var c v1.Comment
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorType, &c.AuthorID, &c.Content, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = sqlite.MillisToTime(createdAt)
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func (s *Store) listStatusHistory(ctx context.Context, taskID string) ([]*v1.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, from_column, to_column, changed_at
		FROM task_status_history WHERE task_id = ? ORDER BY changed_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*v1.StatusHistoryEntry
	for rows.Next() {
		var e v1.StatusHistoryEntry
		var changedAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.FromColumn, &e.ToColumn, &changedAt); err != nil {
			return nil, err
		}
		e.ChangedAt = sqlite.MillisToTime(changedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
