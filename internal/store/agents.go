package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/common/sqlite"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type agentRow struct {
	ID             string        `db:"id"`
	TemplateID     string        `db:"template_id"`
	Name           string        `db:"name"`
	Role           string        `db:"role"`
	AIProvider     string        `db:"ai_provider"`
	State          string        `db:"state"`
	ServerID       string        `db:"server_id"`
	SessionName    string        `db:"session_name"`
	WindowIndex    int           `db:"window_index"`
	PaneIndex      int           `db:"pane_index"`
	TeamID         string        `db:"team_id"`
	CurrentTaskID  string        `db:"current_task_id"`
	ErrorMessage   string        `db:"error_message"`
	Persona        string        `db:"persona"`
	CreatedAt      int64         `db:"created_at"`
	LastActivityAt sql.NullInt64 `db:"last_activity_at"`
}

func (r *agentRow) toAPI() (*v1.Agent, error) {
	agent := &v1.Agent{
		ID:             r.ID,
		TemplateID:     r.TemplateID,
		Name:           r.Name,
		Role:           r.Role,
		AIProvider:     r.AIProvider,
		State:          v1.AgentState(r.State),
		ServerID:       r.ServerID,
		SessionName:    r.SessionName,
		WindowIndex:    r.WindowIndex,
		PaneIndex:      r.PaneIndex,
		TeamID:         r.TeamID,
		CurrentTaskID:  r.CurrentTaskID,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      sqlite.MillisToTime(r.CreatedAt),
		LastActivityAt: sqlite.MillisToOptionalTime(r.LastActivityAt),
	}
	if r.Persona != "" {
		var p v1.Persona
		if err := json.Unmarshal([]byte(r.Persona), &p); err != nil {
			return nil, fmt.Errorf("agent %s persona: %w", r.ID, err)
		}
		agent.Persona = &p
	}
	return agent, nil
}

const agentColumns = `id, template_id, name, role, ai_provider, state,
	server_id, session_name, window_index, pane_index,
	team_id, current_task_id, error_message, persona,
	created_at, last_activity_at`

// SaveAgent upserts the agent.
func (s *Store) SaveAgent(ctx context.Context, agent *v1.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	if agent.ServerID == "" {
		agent.ServerID = "local"
	}

	persona := ""
	if agent.Persona != nil {
		raw, err := json.Marshal(agent.Persona)
		if err != nil {
			return fmt.Errorf("marshal agent persona: %w", err)
		}
		persona = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template_id = excluded.template_id,
			name = excluded.name,
			role = excluded.role,
			ai_provider = excluded.ai_provider,
			state = excluded.state,
			server_id = excluded.server_id,
			session_name = excluded.session_name,
			window_index = excluded.window_index,
			pane_index = excluded.pane_index,
			team_id = excluded.team_id,
			current_task_id = excluded.current_task_id,
			error_message = excluded.error_message,
			persona = excluded.persona,
			last_activity_at = excluded.last_activity_at`,
		agent.ID, agent.TemplateID, agent.Name, agent.Role, agent.AIProvider,
		string(agent.State), agent.ServerID, agent.SessionName,
		agent.WindowIndex, agent.PaneIndex, agent.TeamID, agent.CurrentTaskID,
		agent.ErrorMessage, persona,
		sqlite.TimeToMillis(agent.CreatedAt),
		sqlite.OptionalTimeToMillis(agent.LastActivityAt))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}
	s.markDirty()
	return nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return row.toAPI()
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+agentColumns+" FROM agents ORDER BY created_at"); err != nil {
		return nil, err
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// DeleteAgent removes the agent and its team memberships.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM team_members WHERE agent_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}
