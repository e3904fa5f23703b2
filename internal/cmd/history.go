package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/laneway/internal/archive"
	"github.com/Iron-Ham/laneway/internal/task"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished tasks",
	Long:  `List completed, cancelled and failed tasks from the archive, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show the transitions, errors and conflicts of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of tasks to show (0 for all)")
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func openArchive() (*archive.Archive, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	if !env.cfg.Archive.Enabled {
		return nil, fmt.Errorf("the task archive is disabled (archive.enabled: false)")
	}
	return archive.Open(env.cfg.Archive.ResolvePath(env.stateDir))
}

func runHistory(cmd *cobra.Command, args []string) error {
	arc, err := openArchive()
	if err != nil {
		return err
	}
	defer func() { _ = arc.Close() }()

	entries, err := arc.List(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	renderHistory(cmd.OutOrStdout(), entries)
	return nil
}

func renderHistory(w io.Writer, entries []archive.Entry) {
	p := newPalette(w)
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, p.muted.Render("No finished tasks"))
		return
	}
	rows := [][]string{{
		p.label.Render("TASK"), p.label.Render("STATE"), p.label.Render("FINISHED"),
		p.label.Render("SUBTASKS"), p.label.Render("CONFLICTS"), p.label.Render("FAILURES"),
		p.label.Render("HEAD"), p.label.Render("TITLE"),
	}}
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			p.stateStyle(e.State).Render(string(e.State)),
			e.FinishedAt.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", e.Subtasks),
			fmt.Sprintf("%d", e.Conflicts),
			fmt.Sprintf("%d", e.Failures),
			shortCommit(e.Head),
			truncate(e.Title, 50),
		})
	}
	_, _ = io.WriteString(w, columns(rows))
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	arc, err := openArchive()
	if err != nil {
		return err
	}
	defer func() { _ = arc.Close() }()

	t, err := arc.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	renderTaskHistory(cmd.OutOrStdout(), t)
	return nil
}

func renderTaskHistory(w io.Writer, t *task.Task) {
	p := newPalette(w)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", p.title.Render(t.ID), t.Title)
	fmt.Fprintf(&b, "%s %s\n", p.label.Render("State:"), p.stateStyle(t.State).Render(string(t.State)))
	fmt.Fprintf(&b, "%s %s\n", p.label.Render("Source:"), t.Source)
	if t.Integration.Head != "" {
		fmt.Fprintf(&b, "%s %s\n", p.label.Render("Head:"), t.Integration.Head)
	}

	b.WriteString("\n" + p.label.Render("Transitions") + "\n")
	for _, tr := range t.History {
		fmt.Fprintf(&b, "  %s  %s -> %s", tr.At.Local().Format("2006-01-02 15:04:05"), tr.From, p.stateStyle(tr.To).Render(string(tr.To)))
		if tr.Reason != "" {
			b.WriteString("  " + p.muted.Render(tr.Reason))
		}
		b.WriteString("\n")
	}

	if len(t.Errors) > 0 {
		b.WriteString("\n" + p.label.Render("Agent failures") + "\n")
		for _, e := range t.Errors {
			fmt.Fprintf(&b, "  %s  %s attempt %d: %s\n", e.At.Local().Format("15:04:05"), e.SubtaskID, e.Attempt, p.err.Render(e.Cause))
		}
	}
	if len(t.Conflicts) > 0 {
		b.WriteString("\n" + p.label.Render("Conflicts") + "\n")
		for _, c := range t.Conflicts {
			fmt.Fprintf(&b, "  %s  %s  %s\n", c.ID, c.State, strings.Join(c.Files(), ", "))
		}
	}
	_, _ = io.WriteString(w, b.String())
}
