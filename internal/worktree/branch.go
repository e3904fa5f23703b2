package worktree

import (
	"path/filepath"
	"strings"
)

// IntegrationRole names the integration branch and worktree of a task.
const IntegrationRole = "integration"

// AgentBranch returns the branch an agent of role commits to.
func AgentBranch(prefix, taskID, role string) string {
	return strings.Join([]string{prefix, taskID, sanitize(role)}, "/")
}

// IntegrationBranch returns the branch agent work is replayed onto.
func IntegrationBranch(prefix, taskID string) string {
	return AgentBranch(prefix, taskID, IntegrationRole)
}

// WorkspacePath returns the worktree location of role within a task.
func WorkspacePath(worktreeDir, taskID, role string) string {
	return filepath.Join(worktreeDir, taskID, sanitize(role))
}

// sanitize keeps role names usable as a single path and ref component.
func sanitize(role string) string {
	var b strings.Builder
	for _, r := range role {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), ".-")
	if s == "" {
		return "agent"
	}
	return s
}
