package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// scriptedRunner replays canned tmux responses keyed by subcommand.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     [][]string
}

func (f *scriptedRunner) Tmux(_ context.Context, stdin string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if err, ok := f.errs[args[0]]; ok {
		return "", err
	}
	return f.responses[args[0]], nil
}

func (f *scriptedRunner) Shell(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, []string{"shell", command})
	return "", nil
}

func (f *scriptedRunner) argsFor(subcommand string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if call[0] == subcommand {
			out = append(out, call)
		}
	}
	return out
}

type recordingStarter struct {
	mu      sync.Mutex
	started []string
}

func (r *recordingStarter) StartTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, taskID)
	return nil
}

func newMonitorFixture(t *testing.T) (*Service, *store.Store, *scriptedRunner, *recordingStarter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner := &scriptedRunner{responses: map[string]string{}, errs: map[string]error{}}
	driver := tmux.NewDriver("local", runner, logger.Default(), nil)
	pool := tmux.NewStaticPool(driver)
	starter := &recordingStarter{}
	svc := New(st, pool, nil, starter, logger.Default(), Options{Tick: time.Minute})
	return svc, st, runner, starter
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func seedBoundTask(t *testing.T, st *store.Store, mutate func(*v1.Lane, *v1.Task)) (*v1.Lane, *v1.Task) {
	t.Helper()
	ctx := context.Background()
	lane := &v1.Lane{Name: "dev", SessionName: "dev", WorkingDirectory: "/srv/project"}
	task := &v1.Task{
		ID:           "task-0123456789abcdef",
		Description:  "implement feature",
		Status:       v1.TaskStatusInProgress,
		KanbanColumn: v1.ColumnInProgress,
		Binding: v1.TmuxBinding{
			ServerID:    "local",
			SessionName: "dev",
			WindowIndex: intPtr(2),
			PaneIndex:   intPtr(0),
		},
	}
	if mutate != nil {
		mutate(lane, task)
	}
	require.NoError(t, st.SaveLane(ctx, lane))
	task.SwimLaneID = lane.ID
	require.NoError(t, st.SaveTask(ctx, task))
	return lane, task
}

func TestAutoMonitorCompletesTaskOnPromise(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
	})
	sig := task.SignalID()
	runner.responses["capture-pane"] = fmt.Sprintf(
		"running tests\nall green\n<promise>%s-DONE</promise>\n<promise-summary>%s\nImplemented the feature.\nTests pass.\n</promise-summary>\n",
		sig, sig)

	svc.autoMonitorTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Equal(t, v1.ColumnDone, got.KanbanColumn)
	assert.True(t, got.Binding.IsEmpty())
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.DoneAt)
	assert.Contains(t, got.Input, "**Completion Summary:**")
	assert.Contains(t, got.Input, "Implemented the feature.")
	assert.NotContains(t, got.Input, "<promise-summary>")
	assert.NotEmpty(t, runner.argsFor("kill-window"))
}

func TestAutoMonitorIgnoresTaskWithoutPromise(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
	})
	runner.responses["capture-pane"] = "still working on it\n"

	svc.autoMonitorTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Empty(t, runner.argsFor("kill-window"))
}

func TestAutoMonitorSkipsWhenAutoCloseOff(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
		task.AutoClose = boolPtr(false) // task override beats lane default
	})
	sig := task.SignalID()
	runner.responses["capture-pane"] = fmt.Sprintf("<promise>%s-DONE</promise>", sig)

	svc.autoMonitorTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Empty(t, runner.argsFor("capture-pane"))
}

func TestAutoMonitorCascadesToSubtasks(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	sub := &v1.Task{
		ID:           "sub-0000000000000001",
		Description:  "subtask",
		Status:       v1.TaskStatusInProgress,
		KanbanColumn: v1.ColumnInProgress,
	}
	require.NoError(t, st.SaveTask(ctx, sub))
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
		task.SubtaskIDs = []string{sub.ID}
	})
	sig := task.SignalID()
	runner.responses["capture-pane"] = fmt.Sprintf("<promise>%s-DONE</promise>", sig)

	svc.autoMonitorTick(ctx)

	gotSub, err := st.GetTask(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, gotSub.Status)
	assert.Equal(t, v1.ColumnDone, gotSub.KanbanColumn)
}

func TestAutoMonitorTriggersDependents(t *testing.T) {
	svc, st, runner, starter := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
	})
	dependent := &v1.Task{
		ID:           "dep-0000000000000001",
		Description:  "follow-up",
		Status:       v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog,
		SwimLaneID:   task.SwimLaneID,
		DependsOn:    []string{task.ID},
		AutoStart:    boolPtr(true),
	}
	require.NoError(t, st.SaveTask(ctx, dependent))
	sig := task.SignalID()
	runner.responses["capture-pane"] = fmt.Sprintf("<promise>%s-DONE</promise>", sig)

	svc.autoMonitorTick(ctx)

	assert.Equal(t, []string{dependent.ID}, starter.started)
	got, err := st.GetTask(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ColumnTodo, got.KanbanColumn)
}

func TestAutoMonitorLeavesDependentWithPendingDeps(t *testing.T) {
	svc, st, runner, starter := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoClose = boolPtr(true)
	})
	other := &v1.Task{
		ID:           "oth-0000000000000001",
		Description:  "unfinished dependency",
		Status:       v1.TaskStatusInProgress,
		KanbanColumn: v1.ColumnInProgress,
	}
	require.NoError(t, st.SaveTask(ctx, other))
	dependent := &v1.Task{
		ID:           "dep-0000000000000002",
		Description:  "blocked follow-up",
		Status:       v1.TaskStatusPending,
		KanbanColumn: v1.ColumnBacklog,
		SwimLaneID:   task.SwimLaneID,
		DependsOn:    []string{task.ID, other.ID},
		AutoStart:    boolPtr(true),
	}
	require.NoError(t, st.SaveTask(ctx, dependent))
	sig := task.SignalID()
	runner.responses["capture-pane"] = fmt.Sprintf("<promise>%s-DONE</promise>", sig)

	svc.autoMonitorTick(ctx)

	assert.Empty(t, starter.started)
}

func TestExtractPromiseSummary(t *testing.T) {
	content := "noise\n<promise-summary>abc12345\nline one\nline two\n</promise-summary>\ntail"
	assert.Equal(t, "line one\nline two", extractPromiseSummary(content, "abc12345"))

	assert.Empty(t, extractPromiseSummary("no markers here", "abc12345"))
	assert.Empty(t, extractPromiseSummary("<promise-summary>abc12345 unterminated", "abc12345"))
	// Marker line only carries the signal id; nothing to keep.
	assert.Empty(t, extractPromiseSummary("<promise-summary>abc12345</promise-summary>", "abc12345"))
}

func TestAutoPilotAnswersApprovalPrompt(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		task.AutoPilot = boolPtr(true)
	})
	runner.responses["capture-pane"] = "About to edit 3 files.\nDo you want to proceed? (y/n)\n"

	svc.autoPilotTick(ctx)

	sends := runner.argsFor("send-keys")
	require.NotEmpty(t, sends)
	joined := strings.Join(sends[0], " ")
	assert.Contains(t, joined, "yes")
}

func TestAutoPilotRequiresExplicitTaskOptIn(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	// Lane default alone must not authorize unattended confirmation.
	seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		lane.DefaultToggles.AutoPilot = boolPtr(true)
	})
	runner.responses["capture-pane"] = "Do you want to proceed? (y/n)\n"

	svc.autoPilotTick(ctx)

	assert.Empty(t, runner.argsFor("send-keys"))
}

func TestIsApprovalPrompt(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"Do you want to proceed with the change?", true},
		{"Continue? (y/n)", true},
		{"Press Enter to continue", true},
		{"Shall I refactor this module", true},
		{"May I delete the old files", true},
		{"Which file should I edit?", true},
		{"compiling package foo", false},
		{"", false},
		{"done.\n$ ", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isApprovalPrompt(tc.content), "content=%q", tc.content)
	}
}

func TestAutoCloseReapsExpiredDoneTask(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	doneAt := time.Now().Add(-time.Hour)
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		task.Status = v1.TaskStatusCompleted
		task.KanbanColumn = v1.ColumnDone
		task.DoneAt = &doneAt
	})
	runner.responses["capture-pane"] = "tests pass\nbuild complete\nwarning: deprecated API\n"

	svc.autoCloseTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Binding.IsEmpty())
	assert.Contains(t, got.Input, "**Session Summary**")
	assert.Contains(t, got.Input, "- build complete")
	assert.Contains(t, got.Input, "Issues:")
	assert.NotEmpty(t, runner.argsFor("kill-window"))
}

func TestAutoCloseRespectsGracePeriod(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	doneAt := time.Now().Add(-time.Minute)
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		task.Status = v1.TaskStatusCompleted
		task.KanbanColumn = v1.ColumnDone
		task.DoneAt = &doneAt
	})

	svc.autoCloseTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Binding.IsSet())
	assert.Empty(t, runner.argsFor("kill-window"))
}

func TestSummarize(t *testing.T) {
	out := Summarize("setting up\nlint pass\ntests pass\nbuild complete\ndeployed to staging\nerror: flaky test\nwarning: slow query\n")
	assert.Contains(t, out, "- deployed to staging")
	assert.NotContains(t, out, "- lint pass") // only the last three results kept
	assert.Contains(t, out, "Issues:\n- error: flaky test\n- warning: slow query")

	// No bucket matches: fall back to the final lines verbatim.
	fallback := Summarize("alpha\nbeta\ngamma\ndelta\n")
	assert.Equal(t, "- beta\n- gamma\n- delta", fallback)

	assert.Empty(t, Summarize(""))
}

func TestSessionSyncFailsTasksWhenSessionGone(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	lane, task := seedBoundTask(t, st, nil)
	runner.responses["list-sessions"] = "" // no sessions on the server

	svc.sessionSyncTick(ctx)

	gotLane, err := st.GetLane(ctx, lane.ID)
	require.NoError(t, err)
	assert.False(t, gotLane.SessionActive)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)
	assert.Equal(t, "Tmux session no longer exists", got.ErrorMessage)
	assert.True(t, got.Binding.IsEmpty())
}

func TestSessionSyncRebindsByWindowName(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	lane, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		task.Binding = v1.TmuxBinding{} // lost binding, session still alive
	})
	windowName := "impl-" + task.ID[:15]
	runner.responses["list-sessions"] = "dev:1:1700000000:1700000100"
	runner.responses["list-windows"] = "dev:0:shell:1\ndev:3:" + windowName + ":0"
	runner.responses["list-panes"] = "dev:0:0:zsh:/home:1:10:%0\ndev:3:0:node:/srv:0:11:%1"

	svc.sessionSyncTick(ctx)

	gotLane, err := st.GetLane(ctx, lane.ID)
	require.NoError(t, err)
	assert.True(t, gotLane.SessionActive)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, got.Binding.IsSet())
	assert.Equal(t, 3, *got.Binding.WindowIndex)
	assert.Equal(t, 0, *got.Binding.PaneIndex)
	assert.Equal(t, "dev", got.Binding.SessionName)
}

func TestSessionSyncSkipsDetachedSession(t *testing.T) {
	svc, st, runner, _ := newMonitorFixture(t)
	ctx := context.Background()
	_, task := seedBoundTask(t, st, func(lane *v1.Lane, task *v1.Task) {
		task.Binding = v1.TmuxBinding{}
	})
	runner.responses["list-sessions"] = "dev:0:1700000000:1700000100" // detached
	runner.responses["list-windows"] = "dev:3:impl-" + task.ID[:15] + ":0"
	runner.responses["list-panes"] = "dev:3:0:node:/srv:0:11:%1"

	svc.sessionSyncTick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Binding.IsEmpty())
}

type recordingRegistry struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRegistry) RegisterAgent(agent *v1.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, agent.ID)
}

func TestReconcilerRevivesLiveAgentsAndFailsDeadOnes(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	alive := &v1.Agent{ID: "agent-alive", Name: "a", State: v1.AgentStateWorking, ServerID: "local", SessionName: "dev"}
	dead := &v1.Agent{ID: "agent-dead", Name: "b", State: v1.AgentStateIdle, ServerID: "local", SessionName: "gone"}
	skipped := &v1.Agent{ID: "agent-done", Name: "c", State: v1.AgentStateTerminated, ServerID: "local", SessionName: "dev"}
	for _, a := range []*v1.Agent{alive, dead, skipped} {
		require.NoError(t, st.SaveAgent(ctx, a))
	}

	pool := tmux.NewStaticPool(tmux.NewDriver("local", &sessionAwareRunner{live: "dev"}, logger.Default(), nil))
	registry := &recordingRegistry{}
	rec := NewReconciler(st, pool, registry, logger.Default())
	require.NoError(t, rec.Run(ctx))

	assert.Equal(t, []string{"agent-alive"}, registry.ids)

	gotAlive, err := st.GetAgent(ctx, "agent-alive")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateWorking, gotAlive.State)
	assert.NotNil(t, gotAlive.LastActivityAt)

	gotDead, err := st.GetAgent(ctx, "agent-dead")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateError, gotDead.State)
	assert.Equal(t, "Session no longer exists", gotDead.ErrorMessage)
}

// sessionAwareRunner answers has-session based on a single live session name.
type sessionAwareRunner struct {
	live string
}

func (r *sessionAwareRunner) Tmux(_ context.Context, _ string, args ...string) (string, error) {
	if args[0] == "has-session" {
		target := strings.TrimPrefix(args[len(args)-1], "=")
		if target == r.live {
			return "", nil
		}
		return "", &tmux.Error{Kind: tmux.KindSessionNotFound, Op: "has-session"}
	}
	return "", nil
}

func (r *sessionAwareRunner) Shell(_ context.Context, _ string) (string, error) {
	return "", nil
}
