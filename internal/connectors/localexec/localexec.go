// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/agent-coordinator/internal/connectors"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
)

// MaxOutputBytes caps stdout and stderr each.
const MaxOutputBytes = 64 << 10

// defaultAllowed is the built-in allowlist: command to permitted subcommands.
var defaultAllowed = map[string][]string{
	"go":  {"test", "vet", "build"},
	"git": {"diff", "status", "log"},
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	allowed map[string][]string
}

// New creates a LocalExec connector with the built-in allowlist plus extra
// entries of the form "cmd subcommand".
func New(workDir string, extra ...string) (*LocalExec, error) {
	l := &LocalExec{workDir: workDir, allowed: make(map[string][]string)}
	for cmd, subs := range defaultAllowed {
		l.allowed[cmd] = append([]string(nil), subs...)
	}
	for _, entry := range extra {
		fields := strings.Fields(entry)
		if len(fields) != 2 {
			return nil, coorderr.E(coorderr.KindConfig, "localexec", "allowlist entry %q must be \"command subcommand\"", entry)
		}
		l.allowed[fields[0]] = append(l.allowed[fields[0]], fields[1])
	}
	return l, nil
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks the command and its first argument against the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if len(args) == 0 {
		return false
	}
	for _, sub := range l.allowed[cmd] {
		if args[0] == sub {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, coorderr.E(coorderr.KindPolicyDenied, "localexec", "command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	out, outCut := truncate(stdout.String())
	errOut, errCut := truncate(stderr.String())
	return &connectors.ExecResult{
		Command:   cmd,
		Args:      args,
		ExitCode:  exitCode,
		Stdout:    out,
		Stderr:    errOut,
		Truncated: outCut || errCut,
		Duration:  elapsed,
	}, nil
}

// truncate keeps the tail of s, where failures usually are.
func truncate(s string) (string, bool) {
	if len(s) <= MaxOutputBytes {
		return s, false
	}
	return s[len(s)-MaxOutputBytes:], true
}
