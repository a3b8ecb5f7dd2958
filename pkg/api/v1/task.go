package v1

import "time"

// TaskStatus represents the execution status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// KanbanColumn represents the board column a task sits in.
type KanbanColumn string

const (
	ColumnBacklog    KanbanColumn = "backlog"
	ColumnTodo       KanbanColumn = "todo"
	ColumnInProgress KanbanColumn = "in_progress"
	ColumnInReview   KanbanColumn = "in_review"
	ColumnDone       KanbanColumn = "done"
)

// ValidColumn reports whether name is a known kanban column.
func ValidColumn(name string) bool {
	switch KanbanColumn(name) {
	case ColumnBacklog, ColumnTodo, ColumnInProgress, ColumnInReview, ColumnDone:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ToggleKey identifies one of the per-task automation toggles.
type ToggleKey string

const (
	ToggleAutoStart   ToggleKey = "autoStart"
	ToggleAutoPilot   ToggleKey = "autoPilot"
	ToggleAutoClose   ToggleKey = "autoClose"
	ToggleUseWorktree ToggleKey = "useWorktree"
	ToggleUseMemory   ToggleKey = "useMemory"
)

// TmuxBinding identifies the live multiplexer window a running task is bound
// to. The four fields are set and cleared atomically by the launcher.
type TmuxBinding struct {
	ServerID    string `json:"tmux_server_id,omitempty"`
	SessionName string `json:"tmux_session_name,omitempty"`
	WindowIndex *int   `json:"tmux_window_index,omitempty"`
	PaneIndex   *int   `json:"tmux_pane_index,omitempty"`
}

// IsSet reports whether all four binding fields are populated.
func (b TmuxBinding) IsSet() bool {
	return b.ServerID != "" && b.SessionName != "" && b.WindowIndex != nil && b.PaneIndex != nil
}

// IsEmpty reports whether all four binding fields are unset.
func (b TmuxBinding) IsEmpty() bool {
	return b.ServerID == "" && b.SessionName == "" && b.WindowIndex == nil && b.PaneIndex == nil
}

// Task represents a unit of work on the Kanban board.
type Task struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"` // title
	Input        string       `json:"input"`       // body
	Status       TaskStatus   `json:"status"`
	KanbanColumn KanbanColumn `json:"kanban_column"`
	Priority     int          `json:"priority"` // 1-10, lower schedules earlier

	SwimLaneID      string   `json:"swim_lane_id,omitempty"`
	ParentTaskID    string   `json:"parent_task_id,omitempty"`
	SubtaskIDs      []string `json:"subtask_ids,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	TargetRole      string   `json:"target_role,omitempty"`
	AssignedAgentID string   `json:"assigned_agent_id,omitempty"`

	// Tri-state toggle overrides; nil falls through to the lane default.
	AutoStart   *bool `json:"auto_start,omitempty"`
	AutoPilot   *bool `json:"auto_pilot,omitempty"`
	AutoClose   *bool `json:"auto_close,omitempty"`
	UseWorktree *bool `json:"use_worktree,omitempty"`
	UseMemory   *bool `json:"use_memory,omitempty"`

	AIProvider               string `json:"ai_provider,omitempty"`
	AIModel                  string `json:"ai_model,omitempty"`
	ServerOverride           string `json:"server_override,omitempty"`
	WorkingDirectoryOverride string `json:"working_directory_override,omitempty"`

	Binding      TmuxBinding `json:"binding"`
	WorktreePath string      `json:"worktree_path,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Output       string `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`

	Comments      []*Comment            `json:"comments,omitempty"`
	StatusHistory []*StatusHistoryEntry `json:"status_history,omitempty"`
}

// Toggle returns the task-level override for key, or nil when unset.
func (t *Task) Toggle(key ToggleKey) *bool {
	switch key {
	case ToggleAutoStart:
		return t.AutoStart
	case ToggleAutoPilot:
		return t.AutoPilot
	case ToggleAutoClose:
		return t.AutoClose
	case ToggleUseWorktree:
		return t.UseWorktree
	case ToggleUseMemory:
		return t.UseMemory
	}
	return nil
}

// SignalID returns the completion-signal disambiguator for the task:
// the last 8 characters of its id.
func (t *Task) SignalID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[len(t.ID)-8:]
}

// Comment represents a comment on a task (user or agent authored).
type Comment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	AuthorType string    `json:"author_type"` // "user" or "agent"
	AuthorID   string    `json:"author_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusHistoryEntry records a single task status/column transition.
type StatusHistoryEntry struct {
	ID         int64        `json:"id"`
	TaskID     string       `json:"task_id"`
	FromStatus TaskStatus   `json:"from_status"`
	ToStatus   TaskStatus   `json:"to_status"`
	FromColumn KanbanColumn `json:"from_column"`
	ToColumn   KanbanColumn `json:"to_column"`
	ChangedAt  time.Time    `json:"changed_at"`
}

// SubmitTaskRequest creates a new task.
type SubmitTaskRequest struct {
	Description string   `json:"description" binding:"required,max=500"`
	Input       string   `json:"input,omitempty"`
	Lane        string   `json:"lane,omitempty"`
	Column      string   `json:"column,omitempty"`
	Priority    int      `json:"priority,omitempty" binding:"omitempty,min=1,max=10"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	AIProvider  string   `json:"ai_provider,omitempty"`
	AIModel     string   `json:"ai_model,omitempty"`
	AutoStart   *bool    `json:"auto_start,omitempty"`
	AutoPilot   *bool    `json:"auto_pilot,omitempty"`
	AutoClose   *bool    `json:"auto_close,omitempty"`
	UseWorktree *bool    `json:"use_worktree,omitempty"`
}

// MoveTaskRequest moves a task to another column (and optionally lane).
type MoveTaskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	Column string `json:"column" binding:"required"`
	Lane   string `json:"lane,omitempty"`
}
