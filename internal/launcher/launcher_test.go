package launcher

import (
	"context"
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

// scriptedRunner replays canned tmux responses and records every call.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     [][]string
	stdins    []string
}

func (f *scriptedRunner) Tmux(_ context.Context, stdin string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if stdin != "" {
		f.stdins = append(f.stdins, stdin)
	}
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

func newLaunchFixture(t *testing.T) (*Launcher, *store.Store, *scriptedRunner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner := &scriptedRunner{
		responses: map[string]string{
			"new-window":    "2",
			"list-sessions": "dev:0:1700000000:1700000100",
			"list-windows":  "dev:0:shell:1\ndev:2:impl-window:0",
			"list-panes":    "dev:0:0:zsh:/home:1:10:%0\ndev:2:0:zsh:/home:1:11:%1",
		},
		errs: map[string]error{},
	}
	driver := tmux.NewDriver("local", runner, logger.Default(), nil)
	pool := tmux.NewStaticPool(driver)

	prevStart, prevPaste := providerStartDelay, pasteSettleDelay
	providerStartDelay, pasteSettleDelay = 0, 0
	t.Cleanup(func() { providerStartDelay, pasteSettleDelay = prevStart, prevPaste })

	return New(st, pool, nil, logger.Default()), st, runner
}

func seedLaneAndTask(t *testing.T, st *store.Store, mutate func(*v1.Lane, *v1.Task)) (*v1.Lane, *v1.Task) {
	t.Helper()
	ctx := context.Background()
	lane := &v1.Lane{Name: "dev", SessionName: "dev", WorkingDirectory: "/srv/project"}
	task := &v1.Task{
		ID:           "task-0123456789abcdef",
		Description:  "implement feature",
		Status:       v1.TaskStatusPending,
		KanbanColumn: v1.ColumnTodo,
		AIProvider:   "claude",
	}
	if mutate != nil {
		mutate(lane, task)
	}
	require.NoError(t, st.SaveLane(ctx, lane))
	task.SwimLaneID = lane.ID
	require.NoError(t, st.SaveTask(ctx, task))
	return lane, task
}

func TestWindowName(t *testing.T) {
	task := &v1.Task{ID: "0123456789abcdefXYZ", Description: "Implement the parser"}
	assert.Equal(t, "impl-0123456789abcde", WindowName(task))

	short := &v1.Task{ID: "ab", Description: "x"}
	assert.Equal(t, "x-ab", WindowName(short))
}

func TestStartTaskHappyPath(t *testing.T) {
	l, st, runner := newLaunchFixture(t)
	ctx := context.Background()
	_, task := seedLaneAndTask(t, st, nil)

	require.NoError(t, l.StartTask(ctx, task.ID))

	// Launch command typed, prompt pasted, Enter pressed
	sends := runner.argsFor("send-keys")
	require.NotEmpty(t, sends)
	var sawLaunch, sawEnter bool
	for _, call := range sends {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "claude") {
			sawLaunch = true
		}
		if call[len(call)-1] == "Enter" {
			sawEnter = true
		}
	}
	assert.True(t, sawLaunch, "launch command not sent")
	assert.True(t, sawEnter, "Enter not sent")

	require.Len(t, runner.stdins, 1)
	assert.Contains(t, runner.stdins[0], "## Task: implement feature")

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Equal(t, v1.ColumnInProgress, got.KanbanColumn)
	require.True(t, got.Binding.IsSet())
	assert.Equal(t, "local", got.Binding.ServerID)
	assert.Equal(t, "dev", got.Binding.SessionName)
	assert.Equal(t, 2, *got.Binding.WindowIndex)
	assert.Equal(t, 0, *got.Binding.PaneIndex)
	assert.NotNil(t, got.StartedAt)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, v1.TaskStatusInProgress, got.StatusHistory[0].ToStatus)
}

func TestStartTaskCreatesMissingSession(t *testing.T) {
	l, st, runner := newLaunchFixture(t)
	runner.errs["has-session"] = &tmux.Error{Kind: tmux.KindSessionNotFound, Op: "has-session"}
	_, task := seedLaneAndTask(t, st, nil)

	require.NoError(t, l.StartTask(context.Background(), task.ID))

	sessions := runner.argsFor("new-session")
	require.Len(t, sessions, 1)
	joined := strings.Join(sessions[0], " ")
	assert.Contains(t, joined, "-s dev")
	assert.Contains(t, joined, "placeholder")
	assert.Contains(t, joined, "/srv/project")
}

func TestStartTaskCompletionProtocolWhenAutoClose(t *testing.T) {
	l, st, runner := newLaunchFixture(t)
	_, task := seedLaneAndTask(t, st, func(_ *v1.Lane, task *v1.Task) {
		v := true
		task.AutoClose = &v
	})

	require.NoError(t, l.StartTask(context.Background(), task.ID))

	require.Len(t, runner.stdins, 1)
	assert.Contains(t, runner.stdins[0], "<promise>"+task.SignalID()+"-DONE</promise>")
}

func TestStartTaskAutoPilotFlags(t *testing.T) {
	l, st, runner := newLaunchFixture(t)
	_, task := seedLaneAndTask(t, st, func(lane *v1.Lane, _ *v1.Task) {
		v := true
		lane.DefaultToggles.AutoPilot = &v
	})

	require.NoError(t, l.StartTask(context.Background(), task.ID))

	var sawSkip bool
	for _, call := range runner.argsFor("send-keys") {
		if strings.Contains(strings.Join(call, " "), "--dangerously-skip-permissions") {
			sawSkip = true
		}
	}
	assert.True(t, sawSkip, "auto-pilot flags missing from launch command")
}

func TestStartTaskBundleMirrorsBinding(t *testing.T) {
	l, st, _ := newLaunchFixture(t)
	ctx := context.Background()

	lane, task := seedLaneAndTask(t, st, nil)
	sub := &v1.Task{Description: "subtask one", Status: v1.TaskStatusPending,
		KanbanColumn: v1.ColumnTodo, SwimLaneID: lane.ID, ParentTaskID: task.ID}
	require.NoError(t, st.SaveTask(ctx, sub))
	task.SubtaskIDs = []string{sub.ID}
	require.NoError(t, st.SaveTask(ctx, task))

	require.NoError(t, l.StartTask(ctx, task.ID))

	gotSub, err := st.GetTask(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, gotSub.Status)
	require.True(t, gotSub.Binding.IsSet())
	assert.Equal(t, "dev", gotSub.Binding.SessionName)
}

func TestStartTaskUnknownRuntime(t *testing.T) {
	l, st, _ := newLaunchFixture(t)
	_, task := seedLaneAndTask(t, st, func(_ *v1.Lane, task *v1.Task) {
		task.ServerOverride = "mars"
	})

	err := l.StartTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, tmux.ErrRuntimeNotFound)
}

func TestStartTaskWithoutLane(t *testing.T) {
	l, st, _ := newLaunchFixture(t)
	ctx := context.Background()
	task := &v1.Task{Description: "orphan", Status: v1.TaskStatusPending, KanbanColumn: v1.ColumnTodo}
	require.NoError(t, st.SaveTask(ctx, task))

	assert.ErrorIs(t, l.StartTask(ctx, task.ID), ErrTaskHasNoLane)
}

func TestStartTaskCoalescesConcurrentLaunches(t *testing.T) {
	l, st, runner := newLaunchFixture(t)
	_, task := seedLaneAndTask(t, st, nil)

	// Keep the first launch in flight long enough for the others to join it
	providerStartDelay = 100 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.StartTask(context.Background(), task.ID)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("launches did not finish")
	}

	assert.LessOrEqual(t, len(runner.argsFor("new-window")), 1)
}
