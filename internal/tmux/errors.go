// Package tmux drives an external tmux server, locally or over SSH, so that
// higher layers deal only in (serverId, sessionName, windowIndex, paneIndex)
// coordinates.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrorKind classifies a multiplexer failure.
type ErrorKind string

const (
	KindNotInstalled      ErrorKind = "not-installed"
	KindConnectionRefused ErrorKind = "connection-refused"
	KindAuthFailed        ErrorKind = "auth-failed"
	KindTimedOut          ErrorKind = "timed-out"
	KindSessionNotFound   ErrorKind = "session-not-found"
	KindWindowNotFound    ErrorKind = "window-not-found"
	KindPaneNotFound      ErrorKind = "pane-not-found"
	KindDuplicateSession  ErrorKind = "duplicate-session"
	KindGeneric           ErrorKind = "generic"
)

// Error is a classified multiplexer failure.
type Error struct {
	Kind   ErrorKind
	Op     string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tmux %s: %s (%s)", e.Op, e.Stderr, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("tmux %s: %v (%s)", e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("tmux %s failed (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a multiplexer Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

// classify maps a failed command to an Error with a specific kind.
func classify(op string, err error, stderr string) *Error {
	stderr = strings.TrimSpace(stderr)
	kind := KindGeneric

	switch {
	case errors.Is(err, exec.ErrNotFound),
		strings.Contains(stderr, "command not found"),
		strings.Contains(stderr, "tmux: not found"):
		kind = KindNotInstalled
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(stderr, "Connection timed out"),
		strings.Contains(stderr, "timed out"):
		kind = KindTimedOut
	case strings.Contains(stderr, "Permission denied"),
		strings.Contains(stderr, "Host key verification failed"),
		strings.Contains(stderr, "Too many authentication failures"):
		kind = KindAuthFailed
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "Connection refused"):
		kind = KindConnectionRefused
	case strings.Contains(stderr, "duplicate session"):
		kind = KindDuplicateSession
	case strings.Contains(stderr, "can't find pane"):
		kind = KindPaneNotFound
	case strings.Contains(stderr, "can't find window"):
		kind = KindWindowNotFound
	case strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "session not found"),
		strings.Contains(stderr, "no such session"):
		kind = KindSessionNotFound
	}

	return &Error{Kind: kind, Op: op, Stderr: stderr, Err: err}
}

// RemediationHint returns a short operator-facing hint for SSH-class failures,
// or an empty string when no hint applies.
func RemediationHint(err error) string {
	var me *Error
	if !errors.As(err, &me) {
		return ""
	}
	switch me.Kind {
	case KindNotInstalled:
		return "install the tmux binary on the target host"
	case KindConnectionRefused, KindTimedOut:
		return "check that the host is reachable"
	case KindAuthFailed:
		return "check your SSH keys and host key configuration"
	}
	return ""
}
