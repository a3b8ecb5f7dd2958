// Package worktree provisions and removes per-task git worktrees through the
// multiplexer driver's shell context, so remote runtimes work identically.
package worktree

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/tmux"
)

// Manager creates isolated worktrees under {repo}/.worktrees.
type Manager struct {
	driver *tmux.Driver
	logger *logger.Logger
}

// NewManager wraps a driver for one runtime.
func NewManager(driver *tmux.Driver, log *logger.Logger) *Manager {
	return &Manager{
		driver: driver,
		logger: log.WithFields(zap.String("component", "worktree")),
	}
}

// PathFor returns the worktree path for a task signal id under the parent
// repository.
func PathFor(parentDir, sigID string) string {
	return path.Join(parentDir, ".worktrees", "task-"+sigID)
}

// BranchFor returns the branch name used for a task worktree.
func BranchFor(sigID string) string {
	return "task-" + sigID
}

// Provision creates a fresh worktree for the task: any prior worktree by the
// same name is removed and its branch deleted first.
func (m *Manager) Provision(ctx context.Context, parentDir, sigID string) (string, error) {
	wtPath := PathFor(parentDir, sigID)
	branch := BranchFor(sigID)

	// Stale state from a previous run is removed tolerantly; only the final
	// add decides success.
	cleanup := fmt.Sprintf(
		"cd %q && git worktree remove --force %q 2>/dev/null; git branch -D %q 2>/dev/null; true",
		parentDir, wtPath, branch)
	if _, err := m.driver.ExecCommand(ctx, cleanup); err != nil {
		m.logger.Debug("worktree cleanup before add failed",
			zap.String("path", wtPath), zap.Error(err))
	}

	add := fmt.Sprintf("cd %q && git worktree add -b %q %q", parentDir, branch, wtPath)
	if _, err := m.driver.ExecCommand(ctx, add); err != nil {
		return "", fmt.Errorf("worktree add %s: %w", wtPath, err)
	}
	return wtPath, nil
}

// Remove deletes a task worktree and prunes bookkeeping. Branch removal is
// best effort: the branch may hold unmerged work.
func (m *Manager) Remove(ctx context.Context, parentDir, wtPath string) error {
	cmd := fmt.Sprintf("cd %q && git worktree remove --force %q && git worktree prune", parentDir, wtPath)
	if _, err := m.driver.ExecCommand(ctx, cmd); err != nil {
		return fmt.Errorf("worktree remove %s: %w", wtPath, err)
	}
	return nil
}
