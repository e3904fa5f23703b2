// Package worker starts and stops agent processes. Each agent runs under
// its own pseudo-terminal inside its workspace; terminal output is copied
// to a per-agent log file and published on the event bus.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// InstructionsFile is written into every workspace's engine directory.
const InstructionsFile = "instructions.md"

// Spec describes one agent session.
type Spec struct {
	AgentID   string
	TaskID    string
	SubtaskID string
	Role      string
	Workspace string
	Branch    string
	Attempt   int
	// Instructions is the full task text handed to the agent.
	Instructions string
	// LogPath receives the agent's terminal output.
	LogPath string
}

// Session identifies a started worker.
type Session struct {
	// Slot is the launcher-scoped session id stored in the registration.
	Slot string
	PID  int
}

// Launcher starts and stops worker processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Session, error)
	// Stop terminates the session. Stopping an unknown or exited slot is
	// not an error.
	Stop(slot string) error
	// Alive reports whether the session's process is still running.
	Alive(slot string) bool
	// Known reports whether this launcher started the slot and has not
	// stopped it yet, whether or not the process has exited.
	Known(slot string) bool
}

// Env returns the environment variables every worker receives in addition
// to the configured ones.
func Env(spec Spec, progressPath string) []string {
	return []string{
		"LANEWAY_TASK_ID=" + spec.TaskID,
		"LANEWAY_SUBTASK_ID=" + spec.SubtaskID,
		"LANEWAY_AGENT_ID=" + spec.AgentID,
		"LANEWAY_ROLE=" + spec.Role,
		"LANEWAY_BRANCH=" + spec.Branch,
		"LANEWAY_PROGRESS_FILE=" + progressPath,
		"LANEWAY_INSTRUCTIONS=" + InstructionsPath(spec.Workspace),
	}
}

// InstructionsPath returns the instructions file location in a workspace.
func InstructionsPath(workspace string) string {
	return filepath.Join(workspace, ".laneway", InstructionsFile)
}

// WriteInstructions stores the instruction text in the workspace.
func WriteInstructions(fs afero.Fs, spec Spec) error {
	path := InstructionsPath(spec.Workspace)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create instructions directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(spec.Instructions), 0644); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}
	return nil
}

// Instructions renders the text an agent receives for its subtask.
func Instructions(in InstructionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Title)
	if in.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(in.Description))
	}

	fmt.Fprintf(&b, "## Your lane: %s\n\n", in.Role)
	b.WriteString("Only modify files under these paths:\n\n")
	for _, p := range in.Scope {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(in.Shared) > 0 {
		b.WriteString("\nThese shared paths may be touched by other agents too. Keep changes minimal and additive:\n\n")
		for _, p := range in.Shared {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	if len(in.Context) > 0 {
		b.WriteString("\n## Context from earlier attempts\n\n")
		for _, c := range in.Context {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\n## Reporting progress\n\n")
	fmt.Fprintf(&b, "Keep %s up to date. Commit your work on the current branch before reporting COMPLETE.\n\n", in.ProgressPath)
	b.WriteString("```yaml\n")
	fmt.Fprintf(&b, "task_id: %q\n", in.TaskID)
	b.WriteString("status: IN_PROGRESS   # PENDING, IN_PROGRESS, COMPLETE, BLOCKED or FAILED\n")
	b.WriteString("progress: 40          # 0-100\n")
	b.WriteString("activity: what you are doing now\n")
	b.WriteString("updated_at: 2026-01-01T10:00:00Z\n")
	b.WriteString("```\n")
	return b.String()
}

// InstructionInput holds the values rendered by Instructions.
type InstructionInput struct {
	TaskID       string
	Title        string
	Description  string
	Role         string
	Scope        []string
	Shared       []string
	Context      []string
	ProgressPath string
}
