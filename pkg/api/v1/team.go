package v1

import "time"

// Team groups agents working together.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Purpose   string    `json:"purpose,omitempty"`
	AgentIDs  []string  `json:"agent_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineStage is one node of a pipeline definition. Stages reference tasks
// by template; DependsOn edges drive wave scheduling.
type PipelineStage struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	TargetRole  string   `json:"target_role,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Pipeline is a reusable multi-stage task template.
type Pipeline struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	LaneID    string           `json:"lane_id,omitempty"`
	Stages    []*PipelineStage `json:"stages,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// PipelineRunState represents the state of a pipeline run.
type PipelineRunState string

const (
	PipelineRunRunning   PipelineRunState = "RUNNING"
	PipelineRunPaused    PipelineRunState = "PAUSED"
	PipelineRunCompleted PipelineRunState = "COMPLETED"
	PipelineRunFailed    PipelineRunState = "FAILED"
	PipelineRunCancelled PipelineRunState = "CANCELLED"
)

// PipelineRun is one execution of a pipeline: stages materialized as tasks.
type PipelineRun struct {
	ID          string           `json:"id"`
	PipelineID  string           `json:"pipeline_id"`
	State       PipelineRunState `json:"state"`
	TaskIDs     []string         `json:"task_ids,omitempty"` // stage order
	CurrentWave int              `json:"current_wave"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Backend describes an external sync target (issue tracker, board service).
type Backend struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Enabled   bool              `json:"enabled"`
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SyncError records a failed backend sync attempt for later retry.
type SyncError struct {
	ID        int64     `json:"id"`
	BackendID string    `json:"backend_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
