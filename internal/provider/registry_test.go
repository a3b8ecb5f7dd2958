package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func TestResolveProviderChain(t *testing.T) {
	got, err := ResolveProvider("codex", "gemini")
	require.NoError(t, err)
	assert.Equal(t, "codex", got)

	got, err = ResolveProvider("", "gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got)

	got, err = ResolveProvider("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultProvider, got)

	_, err = ResolveProvider("chatgpt-desktop", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestResolveModelAliases(t *testing.T) {
	assert.Equal(t, "gpt-4.1", ResolveModel("gpt-5.2", ""))
	assert.Equal(t, "gemini-2.5-pro", ResolveModel("", "gemini-3-pro-preview"))
	assert.Equal(t, "claude-sonnet-4", ResolveModel("claude-sonnet-4", "other"))
	assert.Equal(t, "", ResolveModel("", ""))
}

func TestInteractiveLaunchCommands(t *testing.T) {
	cmd, err := InteractiveLaunchCommand("claude", "claude-sonnet-4", true)
	require.NoError(t, err)
	assert.Equal(t, "claude --model claude-sonnet-4 --dangerously-skip-permissions", cmd)

	cmd, err = InteractiveLaunchCommand("opencode", "gpt-4.1", false)
	require.NoError(t, err)
	assert.Equal(t, "opencode -m gpt-4.1", cmd)

	cmd, err = InteractiveLaunchCommand("kiro", "whatever", false)
	require.NoError(t, err)
	assert.Equal(t, "kiro chat --no-interactive --trust-all-tools", cmd)

	cmd, err = InteractiveLaunchCommand("cursor", "", false)
	require.NoError(t, err)
	assert.Equal(t, "cursor-agent -p --output-format text", cmd)

	cmd, err = InteractiveLaunchCommand("aider", "gpt-4.1", false)
	require.NoError(t, err)
	assert.Equal(t, "aider --yes --model gpt-4.1", cmd)

	cmd, err = InteractiveLaunchCommand("amp", "ignored-model", false)
	require.NoError(t, err)
	assert.Equal(t, "amp", cmd)

	_, err = InteractiveLaunchCommand("nope", "", false)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGetSpawnConfig(t *testing.T) {
	sc, err := GetSpawnConfig("claude", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "claude", sc.Binary)
	assert.Equal(t, []string{"-p", "--model", "claude-sonnet-4"}, sc.Args)

	sc, err = GetSpawnConfig("copilot", "")
	require.NoError(t, err)
	assert.Equal(t, "copilot", sc.Binary)
	assert.Equal(t, []string{"-p", "-s"}, sc.Args)
}

func TestStatusFromState(t *testing.T) {
	s, ok := StatusFromState("busy")
	require.True(t, ok)
	assert.Equal(t, v1.AgentStatusWorking, s)

	s, ok = StatusFromState("user")
	require.True(t, ok)
	assert.Equal(t, v1.AgentStatusWaiting, s)

	s, ok = StatusFromState("idle")
	require.True(t, ok)
	assert.Equal(t, v1.AgentStatusIdle, s)

	_, ok = StatusFromState("mystery")
	assert.False(t, ok)
}

func TestDetectStatus(t *testing.T) {
	assert.Equal(t, v1.AgentStatusIdle, DetectStatus(""))
	assert.Equal(t, v1.AgentStatusIdle, DetectStatus("   \n  \n"))

	assert.Equal(t, v1.AgentStatusWaiting, DetectStatus("output\n❯ "))
	assert.Equal(t, v1.AgentStatusWaiting, DetectStatus(">>> "))
	assert.Equal(t, v1.AgentStatusWaiting, DetectStatus("some text\nclaude> "))
	assert.Equal(t, v1.AgentStatusWaiting, DetectStatus("user@host:~$"))
	assert.Equal(t, v1.AgentStatusWaiting, DetectStatus("Proceed with changes?"))

	assert.Equal(t, v1.AgentStatusWorking, DetectStatus("doing stuff\n⠋ compiling"))
	assert.Equal(t, v1.AgentStatusWorking, DetectStatus("Thinking about the problem"))
	assert.Equal(t, v1.AgentStatusWorking, DetectStatus("step\n/"))
	assert.Equal(t, v1.AgentStatusWorking, DetectStatus(strings.Repeat("x", 600)))

	assert.Equal(t, v1.AgentStatusIdle, DetectStatus("done."))
}
