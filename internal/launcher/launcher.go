// Package launcher realizes the "start a task" operation: it composes the
// store, the multiplexer driver, the provider registry, and the prompt
// builder into one ordered sequence of side effects.
package launcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/provider"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tmux"
	"github.com/agentmux/agentmux/internal/worktree"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var ErrTaskHasNoLane = fmt.Errorf("task has no lane")

// Delays in the launch sequence. The pause between pasted prompt and Enter
// is mandatory so the provider CLI's bracketed-paste handling settles.
var (
	providerStartDelay = 3 * time.Second
	pasteSettleDelay   = 500 * time.Millisecond
)

// Launcher starts tasks in tmux windows.
type Launcher struct {
	store  *store.Store
	pool   *tmux.Pool
	bus    bus.EventBus
	logger *logger.Logger

	launching singleflight.Group
}

// New creates a launcher.
func New(st *store.Store, pool *tmux.Pool, eventBus bus.EventBus, log *logger.Logger) *Launcher {
	return &Launcher{
		store:  st,
		pool:   pool,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "launcher")),
	}
}

// WindowName returns the conventional window name for a task: the first 4
// characters of the description joined to the first 15 of the id. The
// session-sync monitor relies on the id fragment to re-bind windows.
func WindowName(task *v1.Task) string {
	desc := sanitizeWindowName(task.Description)
	if len(desc) > 4 {
		desc = desc[:4]
	}
	id := task.ID
	if len(id) > 15 {
		id = id[:15]
	}
	return desc + "-" + id
}

func sanitizeWindowName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// StartTask launches the task's provider CLI in a fresh tmux window and
// binds the task to it. Concurrent calls for the same task id coalesce into
// one launch.
func (l *Launcher) StartTask(ctx context.Context, taskID string) error {
	_, err, _ := l.launching.Do(taskID, func() (interface{}, error) {
		return nil, l.startTask(ctx, taskID)
	})
	return err
}

func (l *Launcher) startTask(ctx context.Context, taskID string) error {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.SwimLaneID == "" {
		return fmt.Errorf("%w: %s", ErrTaskHasNoLane, taskID)
	}
	lane, err := l.store.GetLane(ctx, task.SwimLaneID)
	if err != nil {
		return err
	}

	// Effective runtime and working directory: task override beats lane
	serverID := task.ServerOverride
	if serverID == "" {
		serverID = lane.ServerID
	}
	driver, err := l.pool.Get(serverID)
	if err != nil {
		return err
	}
	workingDir := task.WorkingDirectoryOverride
	if workingDir == "" {
		workingDir = lane.WorkingDirectory
	}

	log := l.logger.WithTaskID(taskID)

	hadSession, err := l.ensureSession(ctx, driver, lane, workingDir)
	if err != nil {
		return err
	}

	windowName := WindowName(task)
	windowIndex, err := driver.NewWindow(ctx, lane.SessionName, windowName)
	if err != nil {
		return err
	}
	// The window the server reports can race other window operations; a
	// fresh tree read by name is authoritative.
	if tree, treeErr := driver.GetTree(ctx, true); treeErr == nil {
		if sess := tree.FindSession(lane.SessionName); sess != nil {
			if win := sess.FindWindowByName(windowName); win != nil {
				windowIndex = win.Index
			}
		}
	}
	if !hadSession {
		l.cleanupPlaceholder(ctx, driver, lane.SessionName, windowIndex)
	}

	target := tmux.Target(lane.SessionName, windowIndex, 0)

	if v1.EffectiveToggle(task, lane, v1.ToggleUseWorktree) && workingDir != "" {
		wt := worktree.NewManager(driver, l.logger)
		wtPath, wtErr := wt.Provision(ctx, workingDir, task.SignalID())
		if wtErr != nil {
			log.Warn("worktree setup failed, using working directory", zap.Error(wtErr))
			if workingDir != "" {
				_ = driver.SendKeys(ctx, target, "cd "+workingDir)
			}
		} else {
			task.WorktreePath = wtPath
			_ = driver.SendKeys(ctx, target, "cd "+wtPath)
		}
	} else if workingDir != "" {
		_ = driver.SendKeys(ctx, target, "cd "+workingDir)
	}

	promptText, err := l.buildPrompt(ctx, task, lane)
	if err != nil {
		return err
	}

	providerName, err := provider.ResolveProvider(task.AIProvider, lane.AIProvider)
	if err != nil {
		return err
	}
	model := provider.ResolveModel(task.AIModel, lane.AIModel)
	autoPilot := v1.EffectiveToggle(task, lane, v1.ToggleAutoPilot)
	launchCmd, err := provider.InteractiveLaunchCommand(providerName, model, autoPilot)
	if err != nil {
		return err
	}

	log.Info("launching task",
		zap.String("provider", providerName),
		zap.String("window", windowName),
		zap.String("server_id", serverID))

	if err := driver.SendKeys(ctx, target, launchCmd); err != nil {
		return err
	}
	time.Sleep(providerStartDelay)
	if err := driver.PasteText(ctx, target, promptText); err != nil {
		return err
	}
	time.Sleep(pasteSettleDelay)
	if err := driver.SendRawKeys(ctx, target, "Enter"); err != nil {
		return err
	}

	now := time.Now()
	pane := 0
	binding := v1.TmuxBinding{
		ServerID:    serverID,
		SessionName: lane.SessionName,
		WindowIndex: &windowIndex,
		PaneIndex:   &pane,
	}
	fromStatus, fromColumn := task.Status, task.KanbanColumn
	task.Binding = binding
	task.Status = v1.TaskStatusInProgress
	task.KanbanColumn = v1.ColumnInProgress
	task.StartedAt = &now
	if err := l.store.SaveTask(ctx, task); err != nil {
		return err
	}
	_ = l.store.LogStatusChange(ctx, &v1.StatusHistoryEntry{
		TaskID: task.ID, FromStatus: fromStatus, ToStatus: task.Status,
		FromColumn: fromColumn, ToColumn: task.KanbanColumn, ChangedAt: now,
	})

	// Bundle launches mirror the binding onto every subtask
	for _, subID := range task.SubtaskIDs {
		sub, subErr := l.store.GetTask(ctx, subID)
		if subErr != nil {
			log.Warn("loading subtask for bundle bind", zap.String("subtask_id", subID), zap.Error(subErr))
			continue
		}
		sub.Binding = binding
		sub.Status = v1.TaskStatusInProgress
		sub.KanbanColumn = v1.ColumnInProgress
		sub.StartedAt = &now
		if subErr := l.store.SaveTask(ctx, sub); subErr != nil {
			log.Warn("binding subtask", zap.String("subtask_id", subID), zap.Error(subErr))
		}
	}

	l.publish(events.TaskStarted, map[string]interface{}{
		"task_id":   task.ID,
		"lane_id":   lane.ID,
		"server_id": serverID,
		"session":   lane.SessionName,
		"window":    windowIndex,
	})
	l.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": task.ID})
	return nil
}

// ensureSession creates the lane session when missing. The placeholder
// window tmux opens with gets cleaned up by the caller after the real task
// window exists. Returns whether the session already existed.
func (l *Launcher) ensureSession(ctx context.Context, driver *tmux.Driver, lane *v1.Lane, workingDir string) (bool, error) {
	exists, err := driver.HasSession(ctx, lane.SessionName)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	err = driver.NewSession(ctx, lane.SessionName, tmux.SessionOptions{
		WindowName: "placeholder",
		Cwd:        workingDir,
	})
	if err != nil && !tmux.IsKind(err, tmux.KindDuplicateSession) {
		return false, err
	}
	return false, nil
}

func (l *Launcher) cleanupPlaceholder(ctx context.Context, driver *tmux.Driver, session string, keepWindow int) {
	tree, err := driver.GetTree(ctx, true)
	if err != nil {
		return
	}
	sess := tree.FindSession(session)
	if sess == nil {
		return
	}
	for _, win := range sess.Windows {
		if win.Name == "placeholder" && win.Index != keepWindow {
			if err := driver.KillWindow(ctx, session, win.Index); err != nil {
				l.logger.Debug("killing placeholder window", zap.Error(err))
			}
		}
	}
}

func (l *Launcher) buildPrompt(ctx context.Context, task *v1.Task, lane *v1.Lane) (string, error) {
	in := prompt.Input{
		Task:      task,
		Lane:      lane,
		AutoClose: v1.EffectiveToggle(task, lane, v1.ToggleAutoClose),
		SignalID:  task.SignalID(),
	}

	for _, subID := range task.SubtaskIDs {
		sub, err := l.store.GetTask(ctx, subID)
		if err != nil {
			return "", fmt.Errorf("loading subtask %s: %w", subID, err)
		}
		in.Subtasks = append(in.Subtasks, sub)
	}

	if task.AssignedAgentID != "" {
		if agent, err := l.store.GetAgent(ctx, task.AssignedAgentID); err == nil && agent.Persona != nil {
			in.Persona = agent.Persona
		}
	}

	if v1.EffectiveToggle(task, lane, v1.ToggleUseMemory) && lane.MemoryPath != "" {
		in.MemoryLoad = fmt.Sprintf("Before starting, read the shared memory file at %s for context from earlier sessions.", lane.MemoryPath)
		in.MemorySave = fmt.Sprintf("When finished, append anything worth remembering for future sessions to %s.", lane.MemoryPath)
	}

	return prompt.Build(in), nil
}

func (l *Launcher) publish(eventType string, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(eventType, bus.NewEvent(eventType, "launcher", data)); err != nil {
		l.logger.Warn("publishing event", zap.String("type", eventType), zap.Error(err))
	}
}
