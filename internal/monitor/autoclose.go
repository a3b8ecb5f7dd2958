package monitor

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// closeCaptureLines is how much scrollback the summarizer reads before the
// window is destroyed.
const closeCaptureLines = 500

var (
	errorLineRe  = regexp.MustCompile(`(?i)\b(error|fail|exception|panic|abort|fatal|warn)`)
	resultLineRe = regexp.MustCompile(`(?i)\b(pass|success|complete|done|finish|built|created|merged|deployed)`)
)

// autoCloseTick reaps windows of tasks that have been in done longer than
// the grace period but still hold a live binding, saving a heuristic
// summary of the pane before killing it.
func (s *Service) autoCloseTick(ctx context.Context) {
	tasks, err := s.store.GetTasksByColumn(ctx, v1.ColumnDone)
	if err != nil {
		s.logger.Error("auto-close: listing tasks", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-s.opts.AutoCloseDelay)
	for _, task := range tasks {
		if !task.Binding.IsSet() {
			continue
		}
		if task.DoneAt == nil || task.DoneAt.After(cutoff) {
			continue
		}
		if !s.closeGuard.tryAcquire(task.ID) {
			continue
		}
		if err := s.closeWindow(ctx, task); err != nil {
			s.logger.Warn("auto-close: closing task window",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		s.closeGuard.release(task.ID)
	}
}

func (s *Service) closeWindow(ctx context.Context, task *v1.Task) error {
	driver, err := s.pool.Get(task.Binding.ServerID)
	if err != nil {
		return err
	}
	target := bindingTarget(task.Binding)
	content, err := driver.CapturePaneContent(ctx, target, closeCaptureLines)
	if err != nil {
		s.logger.WithTaskID(task.ID).Warn("capturing pane before close", zap.Error(err))
		content = ""
	}

	if summary := Summarize(content); summary != "" {
		task.Input = appendSection(task.Input, "**Session Summary**", summary)
	}
	if err := driver.KillWindow(ctx, task.Binding.SessionName, *task.Binding.WindowIndex); err != nil {
		s.logger.WithTaskID(task.ID).Warn("killing idle done window", zap.Error(err))
	}
	task.Binding = v1.TmuxBinding{}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}
	s.logger.WithTaskID(task.ID).Info("closed idle task window")
	s.publish(events.DBChanged, map[string]interface{}{"entity": "task", "id": task.ID})
	return nil
}

// Summarize condenses captured terminal output into a short report: the
// last few result-looking lines, plus any trailing error lines under an
// Issues heading. With no matches it falls back to the final lines of
// output verbatim.
func Summarize(content string) string {
	var results, errors, nonEmpty []string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		nonEmpty = append(nonEmpty, line)
		// Error wording wins when a line matches both buckets.
		if errorLineRe.MatchString(line) {
			errors = append(errors, line)
		} else if resultLineRe.MatchString(line) {
			results = append(results, line)
		}
	}
	if len(results) == 0 && len(errors) == 0 {
		return bulleted(lastN(nonEmpty, 3))
	}

	var b strings.Builder
	b.WriteString(bulleted(lastN(results, 3)))
	if len(errors) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Issues:\n")
		b.WriteString(bulleted(lastN(errors, 2)))
	}
	return b.String()
}

func lastN(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func bulleted(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = "- " + line
	}
	return strings.Join(out, "\n")
}
