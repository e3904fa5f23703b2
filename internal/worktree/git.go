// Package worktree wraps the git commands laneway runs against the
// repository: creating and removing agent workspaces, replaying commits
// onto the integration branch and moving the protected branch.
//
// All commands go through a CommandExecutor so tests can substitute a
// recording fake for the git binary.
package worktree

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/laneway/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)

	// Output executes a command and returns stdout only. Used where stderr
	// chatter would corrupt the result, such as blob contents.
	Output(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Output executes a command and returns stdout. Stderr is folded into the
// returned error's output when the command fails.
func (e *CLICommandExecutor) Output(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return append(out, stderr.Bytes()...), err
	}
	return out, nil
}

// exitCode extracts the process exit status from an executor error, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

// git runs a git command in dir and returns its trimmed combined output.
func (m *Manager) git(dir string, args ...string) (string, error) {
	output, err := m.executor.Run(dir, "git", args...)
	return strings.TrimSpace(string(output)), err
}

// lines splits command output into non-empty lines.
func lines(output string) []string {
	output = strings.TrimSpace(output)
	if output == "" {
		return []string{}
	}
	var result []string
	for _, l := range strings.Split(output, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}

// truncateOutput shortens git output for inclusion in logs.
func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func gitFailure(message string, err error, output string) *errors.GitError {
	return errors.NewGitError(message, err).WithGitOutput(truncateOutput(output, 2000))
}
