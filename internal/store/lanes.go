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

type laneRow struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	ServerID            string `db:"server_id"`
	WorkingDirectory    string `db:"working_directory"`
	SessionName         string `db:"session_name"`
	SessionActive       int    `db:"session_active"`
	AIProvider          string `db:"ai_provider"`
	AIModel             string `db:"ai_model"`
	ContextInstructions string `db:"context_instructions"`
	DefaultToggles      string `db:"default_toggles"`
	MemoryFileID        string `db:"memory_file_id"`
	MemoryPath          string `db:"memory_path"`
	CreatedAt           int64  `db:"created_at"`
}

func (r *laneRow) toAPI() (*v1.Lane, error) {
	lane := &v1.Lane{
		ID:                  r.ID,
		Name:                r.Name,
		ServerID:            r.ServerID,
		WorkingDirectory:    r.WorkingDirectory,
		SessionName:         r.SessionName,
		SessionActive:       r.SessionActive != 0,
		AIProvider:          r.AIProvider,
		AIModel:             r.AIModel,
		ContextInstructions: r.ContextInstructions,
		MemoryFileID:        r.MemoryFileID,
		MemoryPath:          r.MemoryPath,
		CreatedAt:           sqlite.MillisToTime(r.CreatedAt),
	}
	if r.DefaultToggles != "" {
		if err := json.Unmarshal([]byte(r.DefaultToggles), &lane.DefaultToggles); err != nil {
			return nil, fmt.Errorf("lane %s default toggles: %w", r.ID, err)
		}
	}
	return lane, nil
}

const laneColumns = `id, name, server_id, working_directory, session_name,
	session_active, ai_provider, ai_model, context_instructions,
	default_toggles, memory_file_id, memory_path, created_at`

// SaveLane upserts the lane.
func (s *Store) SaveLane(ctx context.Context, lane *v1.Lane) error {
	if lane.ID == "" {
		lane.ID = uuid.New().String()
	}
	if lane.CreatedAt.IsZero() {
		lane.CreatedAt = time.Now()
	}
	if lane.ServerID == "" {
		lane.ServerID = "local"
	}

	toggles, err := json.Marshal(lane.DefaultToggles)
	if err != nil {
		return fmt.Errorf("marshal lane toggles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lanes (`+laneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			server_id = excluded.server_id,
			working_directory = excluded.working_directory,
			session_name = excluded.session_name,
			session_active = excluded.session_active,
			ai_provider = excluded.ai_provider,
			ai_model = excluded.ai_model,
			context_instructions = excluded.context_instructions,
			default_toggles = excluded.default_toggles,
			memory_file_id = excluded.memory_file_id,
			memory_path = excluded.memory_path`,
		lane.ID, lane.Name, lane.ServerID, lane.WorkingDirectory, lane.SessionName,
		sqlite.BoolToInt(lane.SessionActive), lane.AIProvider, lane.AIModel,
		lane.ContextInstructions, string(toggles), lane.MemoryFileID, lane.MemoryPath,
		sqlite.TimeToMillis(lane.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert lane %s: %w", lane.ID, err)
	}
	s.markDirty()
	return nil
}

// GetLane returns the lane with the given id.
func (s *Store) GetLane(ctx context.Context, id string) (*v1.Lane, error) {
	var row laneRow
	err := s.db.GetContext(ctx, &row, "SELECT "+laneColumns+" FROM lanes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLaneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lane %s: %w", id, err)
	}
	return row.toAPI()
}

// GetLaneBySession returns the lane owning the given tmux session, if any.
func (s *Store) GetLaneBySession(ctx context.Context, serverID, sessionName string) (*v1.Lane, error) {
	var row laneRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+laneColumns+" FROM lanes WHERE server_id = ? AND session_name = ?",
		serverID, sessionName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLaneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lane by session %s/%s: %w", serverID, sessionName, err)
	}
	return row.toAPI()
}

// ListLanes returns every lane ordered by creation time.
func (s *Store) ListLanes(ctx context.Context) ([]*v1.Lane, error) {
	var rows []laneRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+laneColumns+" FROM lanes ORDER BY created_at"); err != nil {
		return nil, err
	}
	lanes := make([]*v1.Lane, 0, len(rows))
	for i := range rows {
		lane, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, lane)
	}
	return lanes, nil
}

// DeleteLane removes the lane. Tasks keep their swim_lane_id; the board
// surfaces them as unlaned.
func (s *Store) DeleteLane(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM lanes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete lane %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLaneNotFound
	}
	s.markDirty()
	return nil
}

// SetLaneSessionActive updates only the session liveness flag; used by the
// session-sync monitor so it never races lane edits.
func (s *Store) SetLaneSessionActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE lanes SET session_active = ? WHERE id = ?",
		sqlite.BoolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set lane %s session_active: %w", id, err)
	}
	s.markDirty()
	return nil
}
