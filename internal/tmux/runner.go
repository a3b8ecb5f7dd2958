package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/common/config"
)

// Command execution timeouts. Provider routing calls inside captured panes can
// be slow, so Shell gets the longer budget.
const (
	cmdTimeout   = 10 * time.Second
	shellTimeout = 30 * time.Second
)

// Runner executes tmux (and arbitrary shell) commands in some shell context,
// local or remote.
type Runner interface {
	// Tmux runs a tmux subcommand and returns trimmed stdout. stdin is piped
	// to the command when non-empty (used by load-buffer).
	Tmux(ctx context.Context, stdin string, args ...string) (string, error)
	// Shell runs an arbitrary shell command in the same context tmux commands
	// run in.
	Shell(ctx context.Context, command string) (string, error)
}

// localRunner executes commands via local exec.
type localRunner struct{}

// NewLocalRunner returns a Runner that talks to a tmux server on this host.
func NewLocalRunner() Runner { return &localRunner{} }

func (r *localRunner) Tmux(ctx context.Context, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()
	return runCmd(ctx, stdin, args, exec.CommandContext(ctx, "tmux", args...))
}

func (r *localRunner) Shell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	return runCmd(ctx, "", []string{command}, exec.CommandContext(ctx, "sh", "-c", command))
}

// sshRunner wraps every command in an SSH invocation of a login shell, so the
// remote profile contributes to PATH.
type sshRunner struct {
	host     string
	port     int
	user     string
	identity string
}

// NewSSHRunner returns a Runner that reaches a tmux server behind SSH.
func NewSSHRunner(rc config.RuntimeConfig) Runner {
	return &sshRunner{host: rc.Host, port: rc.Port, user: rc.User, identity: rc.ConfigFile}
}

func (r *sshRunner) sshArgs(remote string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=5",
	}
	if r.port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", r.port))
	}
	if r.identity != "" {
		args = append(args, "-i", r.identity)
	}
	target := r.host
	if r.user != "" {
		target = r.user + "@" + r.host
	}
	// Login shell is mandatory: profile files set up PATH for tmux and the
	// provider CLIs.
	return append(args, target, fmt.Sprintf(`bash -lc "%s"`, escapeDouble(remote)))
}

func (r *sshRunner) Tmux(ctx context.Context, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()
	remote := "tmux " + shellJoin(args)
	cmd := exec.CommandContext(ctx, "ssh", r.sshArgs(remote)...)
	return runCmd(ctx, stdin, args, cmd)
}

func (r *sshRunner) Shell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh", r.sshArgs(command)...)
	return runCmd(ctx, "", []string{command}, cmd)
}

func runCmd(ctx context.Context, stdin string, args []string, cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		op := "exec"
		if len(args) > 0 {
			op = args[0]
		}
		return "", classify(op, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// escapeDouble escapes a command for embedding inside double quotes.
func escapeDouble(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "$", `\$`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return s
}

// shellJoin quotes each argument so the joined string survives one level of
// shell parsing on the remote side.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`;&|<>(){}*?#~") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
