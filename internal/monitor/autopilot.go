package monitor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// pilotCaptureLines is the scrollback window the approval scan reads. The
// prompt we care about is always at the bottom of the pane.
const pilotCaptureLines = 30

// approvalMarkers are lowercase substrings that identify a CLI waiting for
// the user to confirm before proceeding.
var approvalMarkers = []string{
	"do you want to proceed",
	"(y/n)",
	"press enter to",
	"shall i",
	"may i",
}

// autoPilotTick answers approval prompts in windows whose task has
// autoPilot explicitly enabled. Lane defaults do not apply here: only a
// task-level opt-in may authorize unattended confirmation.
func (s *Service) autoPilotTick(ctx context.Context) {
	tasks, err := s.store.GetTasksByColumn(ctx, v1.ColumnInProgress)
	if err != nil {
		s.logger.Error("auto-pilot: listing tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if task.AutoPilot == nil || !*task.AutoPilot {
			continue
		}
		if !task.Binding.IsSet() {
			continue
		}
		if !s.pilotGuard.tryAcquire(task.ID) {
			continue
		}
		if err := s.answerIfWaiting(ctx, task); err != nil {
			s.logger.Warn("auto-pilot: checking task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		s.pilotGuard.release(task.ID)
	}
}

func (s *Service) answerIfWaiting(ctx context.Context, task *v1.Task) error {
	driver, err := s.pool.Get(task.Binding.ServerID)
	if err != nil {
		return err
	}
	target := bindingTarget(task.Binding)
	content, err := driver.CapturePaneContent(ctx, target, pilotCaptureLines)
	if err != nil {
		return err
	}
	if !isApprovalPrompt(content) {
		return nil
	}
	s.logger.WithTaskID(task.ID).Info("answering approval prompt")
	return driver.SendKeys(ctx, target, "yes")
}

// isApprovalPrompt reports whether the pane tail looks like a confirmation
// request. A bare trailing question mark counts: agents phrase one-off
// questions that way.
func isApprovalPrompt(content string) bool {
	trimmed := strings.TrimRight(content, " \n\t")
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range approvalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return strings.HasSuffix(last, "?")
}
