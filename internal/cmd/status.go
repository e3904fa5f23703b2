package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/laneway/internal/controller"
	"github.com/Iron-Ham/laneway/internal/task"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current task, its agents and the queue",
	Long: `Display the task the engine is working on, the state of each subtask
and its agent, any open conflict or escalation, and the tasks waiting in the
queue.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw engine records as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	snap, err := controller.ReadSnapshot(cmd.Context(), env.store)
	if err != nil {
		return fmt.Errorf("failed to read engine state: %w", err)
	}
	pending, err := env.store.PendingSignals()
	if err != nil {
		return fmt.Errorf("failed to read signal inbox: %w", err)
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			controller.Snapshot
			PendingSignals int `json:"pending_signals"`
		}{snap, len(pending)})
	}
	renderStatus(out, snap, len(pending), time.Now())
	return nil
}

// renderStatus writes the human-readable status view.
func renderStatus(w io.Writer, snap controller.Snapshot, pendingSignals int, now time.Time) {
	p := newPalette(w)
	var b strings.Builder

	t := snap.Task
	if t == nil {
		b.WriteString(p.muted.Render("No active task") + "\n")
	} else {
		renderTask(&b, p, t, snap, now)
	}

	waiting := 0
	for _, e := range snap.Queue.Tasks {
		if e.ID == snap.Queue.CurrentTaskID {
			continue
		}
		if waiting == 0 {
			b.WriteString("\n" + p.label.Render("Queue") + "\n")
		}
		waiting++
		fmt.Fprintf(&b, "  %s  %s\n", e.ID, truncate(e.Title, 60))
	}
	if waiting == 0 {
		b.WriteString("\n" + p.muted.Render("Queue is empty") + "\n")
	}
	if pendingSignals > 0 {
		fmt.Fprintf(&b, "\n%s\n", p.warning.Render(fmt.Sprintf("%d signal(s) waiting for the engine", pendingSignals)))
	}

	_, _ = io.WriteString(w, b.String())
}

func renderTask(b *strings.Builder, p palette, t *task.Task, snap controller.Snapshot, now time.Time) {
	fmt.Fprintf(b, "%s %s\n", p.title.Render(t.ID), truncate(t.Title, 72))
	since := t.UpdatedAt
	if n := len(t.History); n > 0 {
		since = t.History[n-1].At
	}
	fmt.Fprintf(b, "%s %s %s\n", p.label.Render("State:"), p.stateStyle(t.State).Render(string(t.State)),
		p.muted.Render("for "+formatAge(now.Sub(since))))
	fmt.Fprintf(b, "%s %s\n", p.label.Render("Source:"), t.Source)
	if t.Integration.BaseCommit != "" {
		fmt.Fprintf(b, "%s %s\n", p.label.Render("Base:"), shortCommit(t.Integration.BaseCommit))
	}
	if t.Integration.Head != "" {
		fmt.Fprintf(b, "%s %s @ %s\n", p.label.Render("Integration:"), t.Integration.Branch, shortCommit(t.Integration.Head))
	}
	if t.TestAttempts > 0 {
		fmt.Fprintf(b, "%s %d failed\n", p.label.Render("Verification:"), t.TestAttempts)
	}

	if t.PlanError != "" {
		fmt.Fprintf(b, "\n%s %s\n", p.err.Render("Planning stopped:"), t.PlanError)
	}
	if len(t.Subtasks) > 0 {
		rows := [][]string{{
			p.label.Render("SUBTASK"), p.label.Render("ROLE"), p.label.Render("STATUS"),
			p.label.Render("PROGRESS"), p.label.Render("ATTEMPT"), p.label.Render("AGENT"), p.label.Render("ACTIVITY"),
		}}
		for _, s := range t.Subtasks {
			status := string(s.Status)
			if s.Skipped {
				status = "SKIPPED"
			}
			agent := s.AgentID
			if reg, ok := snap.Registry.ForSubtask(s.ID); ok {
				agent = reg.AgentID
				if reg.PID > 0 {
					agent += fmt.Sprintf(" (pid %d)", reg.PID)
				}
			}
			rows = append(rows, []string{
				s.ID, s.Role, p.subtaskStyle(s.Status).Render(status),
				fmt.Sprintf("%d%%", s.Progress), fmt.Sprintf("%d", s.Attempts), agent, truncate(s.Activity, 40),
			})
		}
		b.WriteString("\n" + columns(rows))
	}
	if len(t.Shared) > 0 {
		fmt.Fprintf(b, "\n%s %s\n", p.warning.Render("Shared paths:"), strings.Join(t.Shared, ", "))
	}
	if len(t.Unassigned) > 0 {
		fmt.Fprintf(b, "%s %s\n", p.warning.Render("Unassigned paths:"), strings.Join(t.Unassigned, ", "))
	}
	for _, e := range t.SharedEdits {
		fmt.Fprintf(b, "%s %s by %s\n", p.warning.Render("Edited in parallel:"), e.Path, strings.Join(e.Roles, ", "))
	}

	if c := t.OpenConflict(); c != nil {
		fmt.Fprintf(b, "\n%s %s in %s\n", p.err.Render("Conflict "+c.ID+":"), strings.Join(c.Files(), ", "), t.Integration.Worktree)
		if c.ReportPath != "" {
			fmt.Fprintf(b, "  report: %s\n", c.ReportPath)
		}
		b.WriteString(p.muted.Render("  Fix and commit in the integration worktree, then run: laneway resolve") + "\n")
	}
	if e := t.Escalation; e != nil {
		fmt.Fprintf(b, "\n%s %s\n", p.err.Render("Escalated:"), e.Reason)
		if e.SubtaskID != "" {
			fmt.Fprintf(b, "  subtask: %s\n", e.SubtaskID)
		}
		b.WriteString(p.muted.Render("  Continue with: laneway override --action retry|skip|fail") + "\n")
	}
	if hint := nextStep(t.State); hint != "" {
		fmt.Fprintf(b, "\n%s\n", p.muted.Render(hint))
	}
}

// nextStep names the operator command a gate is waiting for.
func nextStep(s task.State) string {
	switch s {
	case task.WaitingApproval:
		return "Waiting for plan approval: laneway approve | laneway reject --reason ... | laneway replan"
	case task.Review:
		return "Waiting for review: laneway approve | laneway reject --reason ..."
	case task.WaitingFinal:
		return "Waiting for final approval to update the protected branch: laneway approve"
	}
	return ""
}

func shortCommit(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// formatAge renders d at the coarsest unit that keeps it readable.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
