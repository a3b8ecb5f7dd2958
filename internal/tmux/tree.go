package tmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Pane is one pane of a window.
type Pane struct {
	Index   int    `json:"index"`
	Command string `json:"command"` // basename of the foreground process
	Path    string `json:"path"`
	Active  bool   `json:"active"`
	PID     int    `json:"pid"`
	PaneID  string `json:"pane_id,omitempty"` // absent on older tmux
}

// Window is one window of a session.
type Window struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Panes  []Pane `json:"panes"`
}

// Session is one tmux session with its windows.
type Session struct {
	Name     string   `json:"name"`
	Attached bool     `json:"attached"`
	Created  int64    `json:"created"`
	Activity int64    `json:"activity"`
	Windows  []Window `json:"windows"`
}

// Tree is the full session/window/pane hierarchy of one server.
type Tree struct {
	Sessions []Session `json:"sessions"`
}

// FindSession returns the named session, or nil.
func (t *Tree) FindSession(name string) *Session {
	for i := range t.Sessions {
		if t.Sessions[i].Name == name {
			return &t.Sessions[i]
		}
	}
	return nil
}

// FindWindow returns the session's window with the given index, or nil.
func (s *Session) FindWindow(index int) *Window {
	for i := range s.Windows {
		if s.Windows[i].Index == index {
			return &s.Windows[i]
		}
	}
	return nil
}

// FindWindowByName returns the first window whose name contains needle, or nil.
func (s *Session) FindWindowByName(needle string) *Window {
	for i := range s.Windows {
		if strings.Contains(s.Windows[i].Name, needle) {
			return &s.Windows[i]
		}
	}
	return nil
}

// List command format strings. Fields are colon-separated; the pane line's
// path field may itself contain colons only on pathological paths, so panes
// are parsed front-and-back.
const (
	sessionFormat = "#{session_name}:#{session_attached}:#{session_created}:#{session_activity}"
	windowFormat  = "#{session_name}:#{window_index}:#{window_name}:#{window_active}"
	paneFormat    = "#{session_name}:#{window_index}:#{pane_index}:#{pane_current_command}:#{pane_current_path}:#{pane_active}:#{pane_pid}:#{pane_id}"
)

func parseSessions(out string) ([]Session, error) {
	var sessions []Session
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			return nil, fmt.Errorf("malformed session line %q", line)
		}
		created, _ := strconv.ParseInt(parts[2], 10, 64)
		activity, _ := strconv.ParseInt(parts[3], 10, 64)
		sessions = append(sessions, Session{
			Name:     parts[0],
			Attached: parts[1] != "0",
			Created:  created,
			Activity: activity,
		})
	}
	return sessions, nil
}

func attachWindows(sessions []Session, out string) error {
	byName := make(map[string]*Session, len(sessions))
	for i := range sessions {
		byName[sessions[i].Name] = &sessions[i]
	}
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			return fmt.Errorf("malformed window line %q", line)
		}
		sess, ok := byName[parts[0]]
		if !ok {
			continue
		}
		index, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("window index in %q: %w", line, err)
		}
		sess.Windows = append(sess.Windows, Window{
			Index:  index,
			Name:   parts[2],
			Active: parts[3] != "0",
		})
	}
	return nil
}

func attachPanes(sessions []Session, out string) error {
	byName := make(map[string]*Session, len(sessions))
	for i := range sessions {
		byName[sessions[i].Name] = &sessions[i]
	}
	for _, line := range splitLines(out) {
		// Front fields up to the path; trailing fields are peeled off the
		// back so a path containing colons still parses. Pane ids always
		// carry a "%" prefix and are absent on older servers.
		front := strings.SplitN(line, ":", 5)
		if len(front) < 5 {
			return fmt.Errorf("malformed pane line %q", line)
		}
		back := strings.Split(front[4], ":")
		if n := len(back); n > 0 && back[n-1] == "" {
			back = back[:n-1]
		}
		paneID := ""
		if n := len(back); n > 0 && strings.HasPrefix(back[n-1], "%") {
			paneID = back[n-1]
			back = back[:n-1]
		}
		if len(back) < 3 {
			return fmt.Errorf("malformed pane line %q", line)
		}
		pidStr := back[len(back)-1]
		active := back[len(back)-2]
		path := strings.Join(back[:len(back)-2], ":")

		sess, ok := byName[front[0]]
		if !ok {
			continue
		}
		windowIndex, err := strconv.Atoi(front[1])
		if err != nil {
			return fmt.Errorf("pane window index in %q: %w", line, err)
		}
		win := sess.FindWindow(windowIndex)
		if win == nil {
			continue
		}
		paneIndex, err := strconv.Atoi(front[2])
		if err != nil {
			return fmt.Errorf("pane index in %q: %w", line, err)
		}
		pid, _ := strconv.Atoi(pidStr)
		win.Panes = append(win.Panes, Pane{
			Index:   paneIndex,
			Command: front[3],
			Path:    path,
			Active:  active != "0",
			PID:     pid,
			PaneID:  paneID,
		})
	}
	return nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
