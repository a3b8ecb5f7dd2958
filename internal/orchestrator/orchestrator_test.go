package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil, logger.Default()), st
}

func TestQueuePriorityOrdering(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	require.NoError(t, o.SubmitTask(&v1.Task{ID: "low", Priority: 8}))
	require.NoError(t, o.SubmitTask(&v1.Task{ID: "high", Priority: 1}))
	require.NoError(t, o.SubmitTask(&v1.Task{ID: "mid", Priority: 5}))

	assert.Equal(t, "high", o.NextTask())
	assert.Equal(t, "mid", o.NextTask())
	assert.Equal(t, "low", o.NextTask())
	assert.Equal(t, "", o.NextTask())
}

func TestQueueFIFOTieBreak(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.SubmitTask(&v1.Task{ID: id, Priority: 5}))
	}
	assert.Equal(t, "a", o.NextTask())
	assert.Equal(t, "b", o.NextTask())
	assert.Equal(t, "c", o.NextTask())
}

func TestSubmitDuplicateRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.SubmitTask(&v1.Task{ID: "x", Priority: 5}))
	assert.ErrorIs(t, o.SubmitTask(&v1.Task{ID: "x", Priority: 1}), ErrTaskQueued)
}

func TestCancelTask(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	task := &v1.Task{Description: "cancel me", Status: v1.TaskStatusPending,
		KanbanColumn: v1.ColumnTodo, Priority: 5}
	require.NoError(t, st.SaveTask(ctx, task))
	require.NoError(t, o.SubmitTask(task))

	require.NoError(t, o.CancelTask(ctx, task.ID))
	assert.Equal(t, 0, o.QueueLen())

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, got.Status)

	assert.ErrorIs(t, o.CancelTask(ctx, task.ID), ErrTaskNotQueued)
}

func TestIdleTransitionCompletesCurrentTask(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	task := &v1.Task{Description: "in flight", Status: v1.TaskStatusInProgress,
		KanbanColumn: v1.ColumnInProgress}
	require.NoError(t, st.SaveTask(ctx, task))

	agent := &v1.Agent{Name: "worker", State: v1.AgentStateWorking, CurrentTaskID: task.ID}
	require.NoError(t, st.SaveAgent(ctx, agent))
	o.RegisterAgent(agent)

	require.NoError(t, o.UpdateAgentState(ctx, agent.ID, v1.AgentStateIdle, ""))

	gotTask, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, gotTask.Status)
	assert.NotNil(t, gotTask.CompletedAt)

	gotAgent, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateIdle, gotAgent.State)
	assert.Empty(t, gotAgent.CurrentTaskID)
}

func TestUpdateUnknownAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.UpdateAgentState(context.Background(), "ghost", v1.AgentStateIdle, "")
	assert.ErrorIs(t, err, ErrAgentUnknown)
}

func TestAgentQueries(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.RegisterAgent(&v1.Agent{ID: "1", Role: "developer", State: v1.AgentStateIdle, TeamID: "t1"})
	o.RegisterAgent(&v1.Agent{ID: "2", Role: "developer", State: v1.AgentStateWorking, TeamID: "t1"})
	o.RegisterAgent(&v1.Agent{ID: "3", Role: "reviewer", State: v1.AgentStateIdle, TeamID: "t2"})

	idle := o.GetIdleAgents("")
	assert.Len(t, idle, 2)

	idleDevs := o.GetIdleAgents("developer")
	require.Len(t, idleDevs, 1)
	assert.Equal(t, "1", idleDevs[0].ID)

	assert.Len(t, o.GetAgentsByRole("developer"), 2)
	assert.Len(t, o.GetAgentsByTeam("t1"), 2)
	assert.Len(t, o.ListAgents(), 3)
}
