package tmux

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// treeTTL is how long a cached tree stays valid.
const treeTTL = 2 * time.Second

// Driver exposes tmux operations for one runtime (one tmux server).
type Driver struct {
	ServerID string

	runner Runner
	logger *logger.Logger
	bus    bus.EventBus

	cacheMu  sync.Mutex
	cached   *Tree
	cachedAt time.Time
}

// NewDriver wraps a runner for the given runtime id.
func NewDriver(serverID string, runner Runner, log *logger.Logger, eventBus bus.EventBus) *Driver {
	return &Driver{
		ServerID: serverID,
		runner:   runner,
		logger:   log.WithFields(zap.String("component", "tmux"), zap.String("server_id", serverID)),
		bus:      eventBus,
	}
}

// Target formats a session/window/pane coordinate as a tmux target string.
func Target(session string, window, pane int) string {
	return fmt.Sprintf("%s:%d.%d", session, window, pane)
}

// WindowTarget formats a session/window coordinate as a tmux target string.
func WindowTarget(session string, window int) string {
	return fmt.Sprintf("%s:%d", session, window)
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	out, err := d.runner.Tmux(ctx, "", args...)
	if err != nil {
		d.reportError(args[0], err)
		return "", err
	}
	return out, nil
}

// reportError broadcasts driver failures with remediation hints for SSH-class
// kinds.
func (d *Driver) reportError(op string, err error) {
	hint := RemediationHint(err)
	d.logger.Warn("tmux command failed",
		zap.String("op", op), zap.Error(err), zap.String("hint", hint))
	if d.bus == nil {
		return
	}
	data := map[string]interface{}{
		"server_id": d.ServerID,
		"op":        op,
		"error":     err.Error(),
	}
	if hint != "" {
		data["hint"] = hint
	}
	_ = d.bus.Publish(events.DriverError, bus.NewEvent(events.DriverError, "tmux", data))
}

// GetTree returns the session/window/pane tree. Results are cached for a
// short TTL; fresh bypasses the cache.
func (d *Driver) GetTree(ctx context.Context, fresh bool) (*Tree, error) {
	d.cacheMu.Lock()
	if !fresh && d.cached != nil && time.Since(d.cachedAt) < treeTTL {
		t := d.cached
		d.cacheMu.Unlock()
		return t, nil
	}
	d.cacheMu.Unlock()

	var sessionsOut, windowsOut, panesOut string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := d.runner.Tmux(gctx, "", "list-sessions", "-F", sessionFormat)
		sessionsOut = out
		return err
	})
	g.Go(func() error {
		out, err := d.runner.Tmux(gctx, "", "list-windows", "-a", "-F", windowFormat)
		windowsOut = out
		return err
	})
	g.Go(func() error {
		out, err := d.runner.Tmux(gctx, "", "list-panes", "-a", "-F", paneFormat)
		panesOut = out
		return err
	})
	if err := g.Wait(); err != nil {
		// No server just means an empty tree
		if IsKind(err, KindConnectionRefused) {
			return &Tree{}, nil
		}
		d.reportError("list", err)
		return nil, err
	}

	sessions, err := parseSessions(sessionsOut)
	if err != nil {
		return nil, err
	}
	if err := attachWindows(sessions, windowsOut); err != nil {
		return nil, err
	}
	if err := attachPanes(sessions, panesOut); err != nil {
		return nil, err
	}
	tree := &Tree{Sessions: sessions}

	d.cacheMu.Lock()
	d.cached = tree
	d.cachedAt = time.Now()
	d.cacheMu.Unlock()
	return tree, nil
}

// invalidate drops the cached tree after any mutating command.
func (d *Driver) invalidate() {
	d.cacheMu.Lock()
	d.cached = nil
	d.cacheMu.Unlock()
}

// ListSessions returns all session names.
func (d *Driver) ListSessions(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if IsKind(err, KindConnectionRefused) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(out), nil
}

// SessionOptions carries optional new-session parameters.
type SessionOptions struct {
	WindowName string
	Cwd        string
}

// NewSession creates a detached session.
func (d *Driver) NewSession(ctx context.Context, name string, opts SessionOptions) error {
	args := []string{"new-session", "-d", "-s", name}
	if opts.WindowName != "" {
		args = append(args, "-n", opts.WindowName)
	}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	_, err := d.run(ctx, args...)
	d.invalidate()
	return err
}

// DeleteSession kills a session.
func (d *Driver) DeleteSession(ctx context.Context, name string) error {
	_, err := d.run(ctx, "kill-session", "-t", "="+name)
	d.invalidate()
	return err
}

// RenameSession renames a session.
func (d *Driver) RenameSession(ctx context.Context, oldName, newName string) error {
	_, err := d.run(ctx, "rename-session", "-t", "="+oldName, newName)
	d.invalidate()
	return err
}

// HasSession reports whether a session with the exact name exists.
func (d *Driver) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := d.runner.Tmux(ctx, "", "has-session", "-t", "="+name)
	if err != nil {
		if IsKind(err, KindSessionNotFound) || IsKind(err, KindConnectionRefused) {
			return false, nil
		}
		d.reportError("has-session", err)
		return false, err
	}
	return true, nil
}

// NewWindow creates a window in a session and returns its index.
func (d *Driver) NewWindow(ctx context.Context, session, name string) (int, error) {
	args := []string{"new-window", "-t", session, "-P", "-F", "#{window_index}"}
	if name != "" {
		args = append(args, "-n", name)
	}
	out, err := d.run(ctx, args...)
	d.invalidate()
	if err != nil {
		return 0, err
	}
	var index int
	if _, err := fmt.Sscanf(out, "%d", &index); err != nil {
		return 0, fmt.Errorf("parse new window index %q: %w", out, err)
	}
	return index, nil
}

// RenameWindow renames a window.
func (d *Driver) RenameWindow(ctx context.Context, session string, window int, name string) error {
	_, err := d.run(ctx, "rename-window", "-t", WindowTarget(session, window), name)
	d.invalidate()
	return err
}

// KillWindow kills a window.
func (d *Driver) KillWindow(ctx context.Context, session string, window int) error {
	_, err := d.run(ctx, "kill-window", "-t", WindowTarget(session, window))
	d.invalidate()
	return err
}

// SelectWindow makes a window current.
func (d *Driver) SelectWindow(ctx context.Context, session string, window int) error {
	_, err := d.run(ctx, "select-window", "-t", WindowTarget(session, window))
	return err
}

// KillPane kills a pane.
func (d *Driver) KillPane(ctx context.Context, target string) error {
	_, err := d.run(ctx, "kill-pane", "-t", target)
	d.invalidate()
	return err
}

// SelectPane makes a pane current.
func (d *Driver) SelectPane(ctx context.Context, target string) error {
	_, err := d.run(ctx, "select-pane", "-t", target)
	return err
}

// SplitPane splits a pane horizontally or vertically.
func (d *Driver) SplitPane(ctx context.Context, target string, direction string) error {
	flag := "-h"
	if direction == "v" {
		flag = "-v"
	}
	_, err := d.run(ctx, "split-window", flag, "-t", target)
	d.invalidate()
	return err
}

// CapturePaneContent returns the trailing lines of a pane's scrollback.
func (d *Driver) CapturePaneContent(ctx context.Context, target string, lines int) (string, error) {
	return d.run(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", lines))
}

// SendKeys types text into a pane followed by Enter. Embedded quotes are
// escaped; for multi-line prompts use PasteText instead.
func (d *Driver) SendKeys(ctx context.Context, target, text string) error {
	escaped := strings.ReplaceAll(text, `"`, `\"`)
	if _, err := d.run(ctx, "send-keys", "-t", target, escaped); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "-t", target, "Enter")
	return err
}

// SendRawKeys sends a literal tmux key token such as "Enter" or "C-c".
func (d *Driver) SendRawKeys(ctx context.Context, target, rawSpec string) error {
	_, err := d.run(ctx, "send-keys", "-t", target, rawSpec)
	return err
}

// PasteText delivers text through the tmux paste buffer. The text travels via
// stdin, so no shell escaping is applied to it; this is the only safe channel
// for multi-line prompts.
func (d *Driver) PasteText(ctx context.Context, target, text string) error {
	if _, err := d.runner.Tmux(ctx, text, "load-buffer", "-"); err != nil {
		d.reportError("load-buffer", err)
		return err
	}
	_, err := d.run(ctx, "paste-buffer", "-d", "-t", target)
	return err
}

// GetMultiplePaneOptions batch-reads @cc_*-namespaced pane options for the
// given pane ids. The result maps pane id to option key (without the "@") to
// value.
func (d *Driver) GetMultiplePaneOptions(ctx context.Context, paneIDs []string) (map[string]map[string]string, error) {
	result := make(map[string]map[string]string, len(paneIDs))
	for _, id := range paneIDs {
		out, err := d.run(ctx, "show-options", "-p", "-t", id)
		if err != nil {
			if IsKind(err, KindPaneNotFound) {
				continue
			}
			return nil, err
		}
		opts := map[string]string{}
		for _, line := range splitLines(out) {
			key, value, found := strings.Cut(line, " ")
			if !found || !strings.HasPrefix(key, "@cc_") {
				continue
			}
			opts[strings.TrimPrefix(key, "@")] = strings.Trim(value, `"`)
		}
		if len(opts) > 0 {
			result[id] = opts
		}
	}
	return result, nil
}

// ExecCommand runs an arbitrary shell command in the driver's shell context;
// used for git worktree manipulation.
func (d *Driver) ExecCommand(ctx context.Context, shellCommand string) (string, error) {
	out, err := d.runner.Shell(ctx, shellCommand)
	if err != nil {
		d.reportError("exec", err)
		return "", err
	}
	return out, nil
}
