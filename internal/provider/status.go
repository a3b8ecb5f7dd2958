package provider

import (
	"regexp"
	"strings"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Spinner glyphs the provider CLIs render while busy.
const spinnerGlyphs = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏◐◓◑◒"

var (
	workingKeywords = regexp.MustCompile(`Thinking|Generating|Processing|Analyzing|Writing|Reading`)
	asciiSpinner    = regexp.MustCompile(`[|/\\-]`)
)

// StatusFromState maps the authoritative @cc_state pane option to a status.
// Unknown values report false.
func StatusFromState(state string) (v1.AgentStatus, bool) {
	switch state {
	case "busy":
		return v1.AgentStatusWorking, true
	case "user":
		return v1.AgentStatusWaiting, true
	case "idle":
		return v1.AgentStatusIdle, true
	}
	return "", false
}

// DetectStatus infers activity from a pane capture. Used only when no
// authoritative @cc_state option is present.
func DetectStatus(capture string) v1.AgentStatus {
	trimmed := strings.TrimSpace(capture)
	if trimmed == "" {
		return v1.AgentStatusIdle
	}

	lines := strings.Split(trimmed, "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			last = s
			break
		}
	}

	if isPromptMarker(last) {
		return v1.AgentStatusWaiting
	}

	tail := lines
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	tailJoined := strings.Join(tail, "\n")
	for _, line := range tail {
		if strings.ContainsAny(line, spinnerGlyphs) {
			return v1.AgentStatusWorking
		}
	}
	shortLast := strings.TrimSpace(tail[len(tail)-1])
	if len(shortLast) <= 5 && shortLast != "" && asciiSpinner.MatchString(shortLast) {
		return v1.AgentStatusWorking
	}
	if workingKeywords.MatchString(tailJoined) {
		return v1.AgentStatusWorking
	}
	if len(tailJoined) > 500 {
		return v1.AgentStatusWorking
	}

	return v1.AgentStatusIdle
}

func isPromptMarker(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "❯") || strings.HasPrefix(line, ">>>") {
		return true
	}
	if strings.Contains(line, "claude>") {
		return true
	}
	if strings.HasSuffix(line, "$") || strings.HasSuffix(line, "?") {
		return true
	}
	return false
}
