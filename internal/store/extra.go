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

// Teams

// SaveTeam upserts the team and rebuilds its membership edges.
func (s *Store) SaveTeam(ctx context.Context, team *v1.Team) error {
	if team.ID == "" {
		team.ID = uuid.New().String()
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO teams (id, name, purpose, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			purpose = excluded.purpose`,
		team.ID, team.Name, team.Purpose, sqlite.TimeToMillis(team.CreatedAt)); err != nil {
		return fmt.Errorf("upsert team %s: %w", team.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM team_members WHERE team_id = ?", team.ID); err != nil {
		return err
	}
	for _, agentID := range team.AgentIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO team_members (team_id, agent_id) VALUES (?, ?)",
			team.ID, agentID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// GetTeam returns the team with membership populated.
func (s *Store) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	var row struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		Purpose   string `db:"purpose"`
		CreatedAt int64  `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT id, name, purpose, created_at FROM teams WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", id, err)
	}
	team := &v1.Team{
		ID:        row.ID,
		Name:      row.Name,
		Purpose:   row.Purpose,
		CreatedAt: sqlite.MillisToTime(row.CreatedAt),
	}
	if err := s.db.SelectContext(ctx, &team.AgentIDs,
		"SELECT agent_id FROM team_members WHERE team_id = ? ORDER BY agent_id", id); err != nil {
		return nil, err
	}
	return team, nil
}

// ListTeams returns every team with membership populated.
func (s *Store) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM teams ORDER BY created_at"); err != nil {
		return nil, err
	}
	teams := make([]*v1.Team, 0, len(ids))
	for _, id := range ids {
		team, err := s.GetTeam(ctx, id)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, nil
}

// DeleteTeam removes the team and its membership edges.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM team_members WHERE team_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM teams WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTeamNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// Pipelines

// SavePipeline upserts the pipeline; stages are stored as a JSON blob.
func (s *Store) SavePipeline(ctx context.Context, p *v1.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	stages, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("marshal pipeline stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, lane_id, stages, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lane_id = excluded.lane_id,
			stages = excluded.stages`,
		p.ID, p.Name, p.LaneID, string(stages), sqlite.TimeToMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert pipeline %s: %w", p.ID, err)
	}
	s.markDirty()
	return nil
}

// GetPipeline returns the pipeline with the given id.
func (s *Store) GetPipeline(ctx context.Context, id string) (*v1.Pipeline, error) {
	var row struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		LaneID    string `db:"lane_id"`
		Stages    string `db:"stages"`
		CreatedAt int64  `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT id, name, lane_id, stages, created_at FROM pipelines WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	p := &v1.Pipeline{
		ID:        row.ID,
		Name:      row.Name,
		LaneID:    row.LaneID,
		CreatedAt: sqlite.MillisToTime(row.CreatedAt),
	}
	if row.Stages != "" {
		if err := json.Unmarshal([]byte(row.Stages), &p.Stages); err != nil {
			return nil, fmt.Errorf("pipeline %s stages: %w", id, err)
		}
	}
	return p, nil
}

// ListPipelines returns every stored pipeline.
func (s *Store) ListPipelines(ctx context.Context) ([]*v1.Pipeline, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM pipelines ORDER BY created_at"); err != nil {
		return nil, err
	}
	pipelines := make([]*v1.Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPipeline(ctx, id)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// DeletePipeline removes the pipeline definition. Runs are kept for history.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPipelineNotFound
	}
	s.markDirty()
	return nil
}

// Pipeline runs

// SavePipelineRun upserts a run.
func (s *Store) SavePipelineRun(ctx context.Context, run *v1.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	taskIDs, err := json.Marshal(run.TaskIDs)
	if err != nil {
		return fmt.Errorf("marshal run task ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, state, task_ids, current_wave, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			task_ids = excluded.task_ids,
			current_wave = excluded.current_wave,
			completed_at = excluded.completed_at`,
		run.ID, run.PipelineID, string(run.State), string(taskIDs), run.CurrentWave,
		sqlite.TimeToMillis(run.StartedAt), sqlite.OptionalTimeToMillis(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert pipeline run %s: %w", run.ID, err)
	}
	s.markDirty()
	return nil
}

type pipelineRunRow struct {
	ID          string        `db:"id"`
	PipelineID  string        `db:"pipeline_id"`
	State       string        `db:"state"`
	TaskIDs     string        `db:"task_ids"`
	CurrentWave int           `db:"current_wave"`
	StartedAt   int64         `db:"started_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

func (r *pipelineRunRow) toAPI() (*v1.PipelineRun, error) {
	run := &v1.PipelineRun{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		State:       v1.PipelineRunState(r.State),
		CurrentWave: r.CurrentWave,
		StartedAt:   sqlite.MillisToTime(r.StartedAt),
		CompletedAt: sqlite.MillisToOptionalTime(r.CompletedAt),
	}
	if r.TaskIDs != "" {
		if err := json.Unmarshal([]byte(r.TaskIDs), &run.TaskIDs); err != nil {
			return nil, fmt.Errorf("run %s task ids: %w", r.ID, err)
		}
	}
	return run, nil
}

// GetPipelineRun returns the run with the given id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*v1.PipelineRun, error) {
	var row pipelineRunRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, pipeline_id, state, task_ids, current_wave, started_at, completed_at
		FROM pipeline_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run %s: %w", id, err)
	}
	return row.toAPI()
}

// ListPipelineRuns returns every run, newest first.
func (s *Store) ListPipelineRuns(ctx context.Context) ([]*v1.PipelineRun, error) {
	var rows []pipelineRunRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, pipeline_id, state, task_ids, current_wave, started_at, completed_at
		FROM pipeline_runs ORDER BY started_at DESC`); err != nil {
		return nil, err
	}
	runs := make([]*v1.PipelineRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Roles

// SaveRole upserts a custom role.
func (s *Store) SaveRole(ctx context.Context, role *v1.Role) error {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, name, description, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description`,
		role.ID, role.Name, role.Description, sqlite.TimeToMillis(role.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert role %s: %w", role.ID, err)
	}
	s.markDirty()
	return nil
}

// ListRoles returns every custom role.
func (s *Store) ListRoles(ctx context.Context) ([]*v1.Role, error) {
	var rows []struct {
		ID          string `db:"id"`
		Name        string `db:"name"`
		Description string `db:"description"`
		CreatedAt   int64  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, name, description, created_at FROM roles ORDER BY name"); err != nil {
		return nil, err
	}
	roles := make([]*v1.Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, &v1.Role{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			CreatedAt:   sqlite.MillisToTime(r.CreatedAt),
		})
	}
	return roles, nil
}

// DeleteRole removes a custom role.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoleNotFound
	}
	s.markDirty()
	return nil
}

// Backends

// SaveBackend upserts an external sync backend.
func (s *Store) SaveBackend(ctx context.Context, b *v1.Backend) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	settings, err := json.Marshal(b.Settings)
	if err != nil {
		return fmt.Errorf("marshal backend settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backends (id, kind, name, enabled, settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			enabled = excluded.enabled,
			settings = excluded.settings`,
		b.ID, b.Kind, b.Name, sqlite.BoolToInt(b.Enabled), string(settings),
		sqlite.TimeToMillis(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert backend %s: %w", b.ID, err)
	}
	s.markDirty()
	return nil
}

// GetBackend returns the backend with the given id.
func (s *Store) GetBackend(ctx context.Context, id string) (*v1.Backend, error) {
	var row struct {
		ID        string `db:"id"`
		Kind      string `db:"kind"`
		Name      string `db:"name"`
		Enabled   int    `db:"enabled"`
		Settings  string `db:"settings"`
		CreatedAt int64  `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT id, kind, name, enabled, settings, created_at FROM backends WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBackendNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backend %s: %w", id, err)
	}
	b := &v1.Backend{
		ID:        row.ID,
		Kind:      row.Kind,
		Name:      row.Name,
		Enabled:   row.Enabled != 0,
		CreatedAt: sqlite.MillisToTime(row.CreatedAt),
	}
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &b.Settings); err != nil {
			return nil, fmt.Errorf("backend %s settings: %w", id, err)
		}
	}
	return b, nil
}

// ListBackends returns every configured backend.
func (s *Store) ListBackends(ctx context.Context) ([]*v1.Backend, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM backends ORDER BY created_at"); err != nil {
		return nil, err
	}
	backends := make([]*v1.Backend, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBackend(ctx, id)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// DeleteBackend removes the backend and its recorded sync errors.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_errors WHERE backend_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM backends WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBackendNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// Sync errors

// AddSyncError records a failed backend sync attempt.
func (s *Store) AddSyncError(ctx context.Context, e *v1.SyncError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_errors (backend_id, task_id, operation, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.BackendID, e.TaskID, e.Operation, e.Message, sqlite.TimeToMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("add sync error: %w", err)
	}
	s.markDirty()
	return nil
}

// ListSyncErrors returns recorded sync errors, newest first. backendID filters
// when non-empty.
func (s *Store) ListSyncErrors(ctx context.Context, backendID string) ([]*v1.SyncError, error) {
	query := "SELECT id, backend_id, task_id, operation, message, created_at FROM sync_errors"
	var args []interface{}
	if backendID != "" {
		query += " WHERE backend_id = ?"
		args = append(args, backendID)
	}
	query += " ORDER BY created_at DESC"

	var rows []struct {
		ID        int64  `db:"id"`
		BackendID string `db:"backend_id"`
		TaskID    string `db:"task_id"`
		Operation string `db:"operation"`
		Message   string `db:"message"`
		CreatedAt int64  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*v1.SyncError, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.SyncError{
			ID:        r.ID,
			BackendID: r.BackendID,
			TaskID:    r.TaskID,
			Operation: r.Operation,
			Message:   r.Message,
			CreatedAt: sqlite.MillisToTime(r.CreatedAt),
		})
	}
	return out, nil
}

// ClearSyncErrors removes recorded sync errors for a backend, or all when
// backendID is empty.
func (s *Store) ClearSyncErrors(ctx context.Context, backendID string) error {
	var err error
	if backendID == "" {
		_, err = s.db.ExecContext(ctx, "DELETE FROM sync_errors")
	} else {
		_, err = s.db.ExecContext(ctx, "DELETE FROM sync_errors WHERE backend_id = ?", backendID)
	}
	if err != nil {
		return fmt.Errorf("clear sync errors: %w", err)
	}
	s.markDirty()
	return nil
}
