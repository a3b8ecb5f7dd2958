package v1

import "time"

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	AgentStateSpawning   AgentState = "SPAWNING"
	AgentStateIdle       AgentState = "IDLE"
	AgentStateWorking    AgentState = "WORKING"
	AgentStateError      AgentState = "ERROR"
	AgentStateCompleted  AgentState = "COMPLETED"
	AgentStateTerminated AgentState = "TERMINATED"
)

// Persona describes an agent's working style. Optional; used only by the
// prompt builder.
type Persona struct {
	Personality        string   `json:"personality,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	Expertise          []string `json:"expertise,omitempty"`
	SkillLevel         string   `json:"skill_level,omitempty"`
	RiskTolerance      string   `json:"risk_tolerance,omitempty"`
	Avatar             string   `json:"avatar,omitempty"`
}

// Agent represents an AI-CLI subprocess associated with a tmux location.
type Agent struct {
	ID         string     `json:"id"`
	TemplateID string     `json:"template_id,omitempty"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	AIProvider string     `json:"ai_provider,omitempty"`
	State      AgentState `json:"state"`

	ServerID    string `json:"server_id"`
	SessionName string `json:"session_name"`
	WindowIndex int    `json:"window_index"`
	PaneIndex   int    `json:"pane_index"`

	TeamID        string   `json:"team_id,omitempty"`
	CurrentTaskID string   `json:"current_task_id,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	Persona       *Persona `json:"persona,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// AgentStatus is the heuristic activity state detected from a pane capture.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWaiting AgentStatus = "waiting"
	AgentStatusWorking AgentStatus = "working"
)

// Role is a custom task role stored by the user.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
