package v1

import "time"

// LaneToggles holds the per-lane default automation toggles. Tasks without an
// explicit override resolve through these; absent keys resolve to false.
type LaneToggles struct {
	AutoStart   *bool `json:"autoStart,omitempty"`
	AutoPilot   *bool `json:"autoPilot,omitempty"`
	AutoClose   *bool `json:"autoClose,omitempty"`
	UseWorktree *bool `json:"useWorktree,omitempty"`
	UseMemory   *bool `json:"useMemory,omitempty"`
}

// Get returns the lane default for key, or nil when absent.
func (lt LaneToggles) Get(key ToggleKey) *bool {
	switch key {
	case ToggleAutoStart:
		return lt.AutoStart
	case ToggleAutoPilot:
		return lt.AutoPilot
	case ToggleAutoClose:
		return lt.AutoClose
	case ToggleUseWorktree:
		return lt.UseWorktree
	case ToggleUseMemory:
		return lt.UseMemory
	}
	return nil
}

// Lane represents a swim lane: a persistent workspace owning one tmux session
// and a working directory.
type Lane struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	ServerID            string      `json:"server_id"`
	WorkingDirectory    string      `json:"working_directory"`
	SessionName         string      `json:"session_name"`
	SessionActive       bool        `json:"session_active"` // owned by session-sync
	AIProvider          string      `json:"ai_provider,omitempty"`
	AIModel             string      `json:"ai_model,omitempty"`
	ContextInstructions string      `json:"context_instructions,omitempty"`
	DefaultToggles      LaneToggles `json:"default_toggles"`
	MemoryFileID        string      `json:"memory_file_id,omitempty"`
	MemoryPath          string      `json:"memory_path,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// CreateLaneRequest creates a new swim lane.
type CreateLaneRequest struct {
	Name             string      `json:"name" binding:"required,max=200"`
	ServerID         string      `json:"server_id,omitempty"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
	SessionName      string      `json:"session_name,omitempty"`
	AIProvider       string      `json:"ai_provider,omitempty"`
	AIModel          string      `json:"ai_model,omitempty"`
	DefaultToggles   LaneToggles `json:"default_toggles,omitempty"`
}

// Board is the full kanban snapshot: every lane with its tasks grouped by
// column. Unlaned tasks appear under the empty lane id.
type Board struct {
	Lanes []*BoardLane `json:"lanes"`
}

// BoardLane is one lane's slice of the board.
type BoardLane struct {
	Lane    *Lane                    `json:"lane"`
	Columns map[KanbanColumn][]*Task `json:"columns"`
}
