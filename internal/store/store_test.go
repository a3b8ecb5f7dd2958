package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	task := &v1.Task{
		Description:  "implement parser",
		Input:        "handle quoted fields",
		Status:       v1.TaskStatusInProgress,
		KanbanColumn: v1.ColumnInProgress,
		Priority:     3,
		SwimLaneID:   "lane-1",
		DependsOn:    []string{"dep-a", "dep-b"},
		Tags:         []string{"backend", "parser"},
		AutoStart:    boolPtr(true),
		UseWorktree:  boolPtr(false),
		AIProvider:   "claude",
		StartedAt:    &started,
	}
	w, p := 2, 0
	task.Binding = v1.TmuxBinding{ServerID: "local", SessionName: "dev", WindowIndex: &w, PaneIndex: &p}

	require.NoError(t, s.SaveTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "implement parser", got.Description)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Equal(t, []string{"dep-a", "dep-b"}, got.DependsOn)
	assert.Equal(t, []string{"backend", "parser"}, got.Tags)
	require.NotNil(t, got.AutoStart)
	assert.True(t, *got.AutoStart)
	require.NotNil(t, got.UseWorktree)
	assert.False(t, *got.UseWorktree)
	assert.Nil(t, got.AutoPilot)
	require.True(t, got.Binding.IsSet())
	assert.Equal(t, 2, *got.Binding.WindowIndex)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started.UnixMilli(), got.StartedAt.UnixMilli())
}

func TestTaskUpsertReplacesEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &v1.Task{
		Description:  "edges",
		Status:       v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog,
		SubtaskIDs:   []string{"c1", "c2"},
		DependsOn:    []string{"d1"},
	}
	require.NoError(t, s.SaveTask(ctx, task))

	task.SubtaskIDs = []string{"c2", "c3"}
	task.DependsOn = nil
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3"}, got.SubtaskIDs)
	assert.Empty(t, got.DependsOn)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := &v1.Task{Description: "parent", Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnBacklog}
	require.NoError(t, s.SaveTask(ctx, parent))

	child := &v1.Task{Description: "child", Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnBacklog,
		ParentTaskID: parent.ID}
	require.NoError(t, s.SaveTask(ctx, child))

	parent.SubtaskIDs = []string{child.ID}
	require.NoError(t, s.SaveTask(ctx, parent))

	dependent := &v1.Task{Description: "dependent", Status: v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog, DependsOn: []string{child.ID}}
	require.NoError(t, s.SaveTask(ctx, dependent))

	require.NoError(t, s.AddTaskComment(ctx, &v1.Comment{TaskID: child.ID, Content: "note"}))
	require.NoError(t, s.LogStatusChange(ctx, &v1.StatusHistoryEntry{
		TaskID: child.ID, FromStatus: v1.TaskStatusPending, ToStatus: v1.TaskStatusAssigned,
		FromColumn: v1.ColumnBacklog, ToColumn: v1.ColumnTodo,
	}))

	require.NoError(t, s.DeleteTask(ctx, child.ID))

	_, err := s.GetTask(ctx, child.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	gotParent, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, gotParent.SubtaskIDs)

	gotDependent, err := s.GetTask(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Empty(t, gotDependent.DependsOn)
}

func TestGetDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := &v1.Task{Description: "base", Status: v1.TaskStatusCompleted, KanbanColumn: v1.ColumnDone}
	require.NoError(t, s.SaveTask(ctx, base))

	first := &v1.Task{Description: "first", Status: v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog, DependsOn: []string{base.ID}}
	second := &v1.Task{Description: "second", Status: v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog, DependsOn: []string{base.ID}}
	unrelated := &v1.Task{Description: "unrelated", Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnBacklog}
	require.NoError(t, s.SaveTask(ctx, first))
	require.NoError(t, s.SaveTask(ctx, second))
	require.NoError(t, s.SaveTask(ctx, unrelated))

	deps, err := s.GetDependents(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	ids := []string{deps[0].ID, deps[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestCommentsAndHistoryOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &v1.Task{Description: "t", Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnBacklog}
	require.NoError(t, s.SaveTask(ctx, task))

	early := time.Now().Add(-time.Hour)
	late := time.Now()
	require.NoError(t, s.AddTaskComment(ctx, &v1.Comment{TaskID: task.ID, Content: "second", CreatedAt: late}))
	require.NoError(t, s.AddTaskComment(ctx, &v1.Comment{TaskID: task.ID, Content: "first", CreatedAt: early}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, "first", got.Comments[0].Content)
	assert.Equal(t, "second", got.Comments[1].Content)
	assert.Equal(t, "user", got.Comments[0].AuthorType)
}

func TestLaneRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lane := &v1.Lane{
		Name:             "research",
		WorkingDirectory: "/srv/work",
		SessionName:      "research",
		DefaultToggles:   v1.LaneToggles{AutoStart: boolPtr(true), AutoClose: boolPtr(false)},
	}
	require.NoError(t, s.SaveLane(ctx, lane))
	assert.Equal(t, "local", lane.ServerID)

	got, err := s.GetLane(ctx, lane.ID)
	require.NoError(t, err)
	assert.Equal(t, "research", got.Name)
	require.NotNil(t, got.DefaultToggles.AutoStart)
	assert.True(t, *got.DefaultToggles.AutoStart)
	require.NotNil(t, got.DefaultToggles.AutoClose)
	assert.False(t, *got.DefaultToggles.AutoClose)
	assert.Nil(t, got.DefaultToggles.AutoPilot)

	bySession, err := s.GetLaneBySession(ctx, "local", "research")
	require.NoError(t, err)
	assert.Equal(t, lane.ID, bySession.ID)

	require.NoError(t, s.SetLaneSessionActive(ctx, lane.ID, true))
	got, err = s.GetLane(ctx, lane.ID)
	require.NoError(t, err)
	assert.True(t, got.SessionActive)
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &v1.Agent{
		Name:        "builder",
		Role:        "developer",
		State:       v1.AgentStateIdle,
		SessionName: "dev",
		WindowIndex: 1,
		Persona:     &v1.Persona{Personality: "precise", Expertise: []string{"go"}},
	}
	require.NoError(t, s.SaveAgent(ctx, agent))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateIdle, got.State)
	require.NotNil(t, got.Persona)
	assert.Equal(t, []string{"go"}, got.Persona.Expertise)

	require.NoError(t, s.DeleteAgent(ctx, agent.ID))
	_, err = s.GetAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestTeamMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &v1.Team{Name: "core", AgentIDs: []string{"a1", "a2"}}
	require.NoError(t, s.SaveTeam(ctx, team))

	got, err := s.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, got.AgentIDs)

	team.AgentIDs = []string{"a2"}
	require.NoError(t, s.SaveTeam(ctx, team))
	got, err = s.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, got.AgentIDs)
}

func TestPipelineStagesPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &v1.Pipeline{
		Name: "release",
		Stages: []*v1.PipelineStage{
			{ID: "build", Name: "Build"},
			{ID: "test", Name: "Test", DependsOn: []string{"build"}},
		},
	}
	require.NoError(t, s.SavePipeline(ctx, p))

	got, err := s.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, []string{"build"}, got.Stages[1].DependsOn)

	run := &v1.PipelineRun{PipelineID: p.ID, State: v1.PipelineRunRunning, TaskIDs: []string{"t1", "t2"}}
	require.NoError(t, s.SavePipelineRun(ctx, run))

	gotRun, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, gotRun.TaskIDs)
	assert.Equal(t, v1.PipelineRunRunning, gotRun.State)
}

func TestLegacySummaryMigration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &v1.Task{Description: "fix bug", Input: "details",
		Status: v1.TaskStatusCompleted, KanbanColumn: v1.ColumnDone}
	require.NoError(t, s.SaveTask(ctx, task))

	_, err := s.DB().Exec("UPDATE tasks SET description = ? WHERE id = ?",
		"fix bug\n\n**Auto-Close Summary:**\nall tests pass", task.ID)
	require.NoError(t, err)

	require.NoError(t, s.migrateLegacySummaries())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", got.Description)
	assert.Contains(t, got.Input, "**Session Summary**")
	assert.Contains(t, got.Input, "all tests pass")
	assert.NotContains(t, got.Input, "Auto-Close Summary")
}

func TestProxyCallWhitelist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(&v1.Task{Description: "via proxy",
		Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnBacklog})
	require.NoError(t, err)

	res, err := s.Call(ctx, "saveTask", []json.RawMessage{raw})
	require.NoError(t, err)
	saved := res.(*v1.Task)
	require.NotEmpty(t, saved.ID)

	idArg, _ := json.Marshal(saved.ID)
	res, err = s.Call(ctx, "getTask", []json.RawMessage{idArg})
	require.NoError(t, err)
	assert.Equal(t, "via proxy", res.(*v1.Task).Description)

	_, err = s.Call(ctx, "dropEverything", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestIsWriteMethod(t *testing.T) {
	assert.True(t, IsWriteMethod("saveTask"))
	assert.True(t, IsWriteMethod("deleteLane"))
	assert.True(t, IsWriteMethod("clearSyncErrors"))
	assert.False(t, IsWriteMethod("getTask"))
	assert.False(t, IsWriteMethod("listLanes"))
}
