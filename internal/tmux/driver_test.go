package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// fakeRunner records commands and replays canned responses keyed by the
// tmux subcommand.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     [][]string
	stdins    []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: map[string]string{},
		errs:      map[string]error{},
	}
}

func (f *fakeRunner) Tmux(_ context.Context, stdin string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if stdin != "" {
		f.stdins = append(f.stdins, stdin)
	}
	key := strings.Join(args[:min(2, len(args))], " ")
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	if err, ok := f.errs[args[0]]; ok {
		return "", err
	}
	if out, ok := f.responses[key]; ok {
		return out, nil
	}
	return f.responses[args[0]], nil
}

func (f *fakeRunner) Shell(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, []string{"shell", command})
	return f.responses["shell"], nil
}

func (f *fakeRunner) callCount(subcommand string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call[0] == subcommand {
			n++
		}
	}
	return n
}

func newTestDriver(f *fakeRunner) *Driver {
	return NewDriver("local", f, logger.Default(), nil)
}

func TestGetTreeParsesAndCaches(t *testing.T) {
	f := newFakeRunner()
	f.responses["list-sessions"] = "dev:1:1700000000:1700000100\nscratch:0:1700000200:1700000300"
	f.responses["list-windows"] = "dev:0:shell:1\ndev:1:impl-abcdef:0\nscratch:0:misc:1"
	f.responses["list-panes"] = "dev:0:0:zsh:/home/u:1:100:%0\n" +
		"dev:1:0:node:/home/u/proj:1:200:%1\n" +
		"scratch:0:0:bash:/tmp:1:300:%2"

	d := newTestDriver(f)
	tree, err := d.GetTree(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, tree.Sessions, 2)

	dev := tree.FindSession("dev")
	require.NotNil(t, dev)
	assert.True(t, dev.Attached)
	require.Len(t, dev.Windows, 2)

	win := dev.FindWindowByName("impl")
	require.NotNil(t, win)
	assert.Equal(t, 1, win.Index)
	require.Len(t, win.Panes, 1)
	assert.Equal(t, "node", win.Panes[0].Command)
	assert.Equal(t, "/home/u/proj", win.Panes[0].Path)
	assert.Equal(t, 200, win.Panes[0].PID)
	assert.Equal(t, "%1", win.Panes[0].PaneID)

	// Second call inside the TTL hits the cache
	_, err = d.GetTree(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount("list-sessions"))

	// fresh bypasses it
	_, err = d.GetTree(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount("list-sessions"))
}

func TestGetTreeNoServerIsEmpty(t *testing.T) {
	f := newFakeRunner()
	noServer := &Error{Kind: KindConnectionRefused, Op: "list-sessions"}
	f.errs["list-sessions"] = noServer
	f.errs["list-windows"] = noServer
	f.errs["list-panes"] = noServer

	tree, err := newTestDriver(f).GetTree(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, tree.Sessions)
}

func TestPaneLineWithoutPaneID(t *testing.T) {
	sessions := []Session{{Name: "dev", Windows: []Window{{Index: 0}}}}
	err := attachPanes(sessions, "dev:0:0:vim:/home/u/notes:1:42:")
	require.NoError(t, err)
	require.Len(t, sessions[0].Windows[0].Panes, 1)
	pane := sessions[0].Windows[0].Panes[0]
	assert.Equal(t, "vim", pane.Command)
	assert.Equal(t, 42, pane.PID)
	assert.Empty(t, pane.PaneID)
}

func TestPanePathWithColons(t *testing.T) {
	sessions := []Session{{Name: "dev", Windows: []Window{{Index: 0}}}}
	err := attachPanes(sessions, "dev:0:0:sh:/home/u/a:b:c:1:7:%3")
	require.NoError(t, err)
	pane := sessions[0].Windows[0].Panes[0]
	assert.Equal(t, "/home/u/a:b:c", pane.Path)
	assert.Equal(t, "%3", pane.PaneID)
}

func TestSendKeysEscapesQuotesAndPressesEnter(t *testing.T) {
	f := newFakeRunner()
	d := newTestDriver(f)
	require.NoError(t, d.SendKeys(context.Background(), "dev:1.0", `say "hello"`))

	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"send-keys", "-t", "dev:1.0", `say \"hello\"`}, f.calls[0])
	assert.Equal(t, []string{"send-keys", "-t", "dev:1.0", "Enter"}, f.calls[1])
}

func TestPasteTextUsesStdin(t *testing.T) {
	f := newFakeRunner()
	d := newTestDriver(f)
	prompt := "line one\nline two with \"quotes\" and $vars"
	require.NoError(t, d.PasteText(context.Background(), "dev:1.0", prompt))

	require.Len(t, f.stdins, 1)
	assert.Equal(t, prompt, f.stdins[0])
	assert.Equal(t, []string{"load-buffer", "-"}, f.calls[0])
	assert.Equal(t, []string{"paste-buffer", "-d", "-t", "dev:1.0"}, f.calls[1])
}

func TestHasSessionMapsNotFound(t *testing.T) {
	f := newFakeRunner()
	f.errs["has-session"] = &Error{Kind: KindSessionNotFound, Op: "has-session"}
	ok, err := newTestDriver(f).HasSession(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMultiplePaneOptions(t *testing.T) {
	f := newFakeRunner()
	f.responses["show-options"] = "@cc_state busy\n@cc_model \"claude-sonnet\"\n@other ignored"
	d := newTestDriver(f)

	opts, err := d.GetMultiplePaneOptions(context.Background(), []string{"%1"})
	require.NoError(t, err)
	require.Contains(t, opts, "%1")
	assert.Equal(t, "busy", opts["%1"]["cc_state"])
	assert.Equal(t, "claude-sonnet", opts["%1"]["cc_model"])
	assert.NotContains(t, opts["%1"], "other")
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		stderr string
		kind   ErrorKind
	}{
		{"no server running on /tmp/tmux-1000/default", KindConnectionRefused},
		{"duplicate session: dev", KindDuplicateSession},
		{"can't find session: ghost", KindSessionNotFound},
		{"can't find window: 9", KindWindowNotFound},
		{"can't find pane: %9", KindPaneNotFound},
		{"Permission denied (publickey).", KindAuthFailed},
		{"ssh: connect to host example: Connection timed out", KindTimedOut},
		{"bash: tmux: command not found", KindNotInstalled},
		{"something else entirely", KindGeneric},
	}
	for _, tc := range cases {
		err := classify("test", errors.New("exit status 1"), tc.stderr)
		assert.Equal(t, tc.kind, err.Kind, "stderr %q", tc.stderr)
	}
}

func TestRemediationHints(t *testing.T) {
	assert.Contains(t, RemediationHint(&Error{Kind: KindAuthFailed}), "keys")
	assert.Contains(t, RemediationHint(&Error{Kind: KindConnectionRefused}), "reachable")
	assert.Contains(t, RemediationHint(&Error{Kind: KindNotInstalled}), "install")
	assert.Empty(t, RemediationHint(&Error{Kind: KindGeneric}))
	assert.Empty(t, RemediationHint(errors.New("plain")))
}

func TestShellJoinQuoting(t *testing.T) {
	joined := shellJoin([]string{"send-keys", "-t", "dev:1.0", "hello world", "it's"})
	assert.Equal(t, `send-keys -t dev:1.0 'hello world' 'it'\''s'`, joined)
}
