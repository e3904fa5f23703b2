package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/Iron-Ham/laneway/internal/task"
)

// Colors meet WCAG AA contrast on dark backgrounds.
var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	activeColor  = lipgloss.Color("#60A5FA") // Blue
)

// palette holds the styles for one output stream. Streams that are not a
// terminal get unstyled output so piped status stays greppable.
type palette struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	active  lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	if !isTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return palette{
		title:   r.NewStyle().Bold(true).Foreground(primaryColor),
		label:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(mutedColor),
		success: r.NewStyle().Foreground(successColor),
		warning: r.NewStyle().Foreground(warningColor),
		err:     r.NewStyle().Foreground(errorColor),
		active:  r.NewStyle().Foreground(activeColor),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// stateStyle colors a task state by what it asks of the operator.
func (p palette) stateStyle(s task.State) lipgloss.Style {
	switch {
	case s == task.Complete:
		return p.success
	case s == task.Failed || s == task.Escalated || s == task.TestFailed:
		return p.err
	case s.AwaitsHuman():
		return p.warning
	case s == task.Cancelled || s == task.Pending:
		return p.muted
	default:
		return p.active
	}
}

func (p palette) subtaskStyle(s task.SubtaskStatus) lipgloss.Style {
	switch s {
	case task.SubtaskComplete:
		return p.success
	case task.SubtaskFailed:
		return p.err
	case task.SubtaskBlocked, task.SubtaskUnknown:
		return p.warning
	case task.SubtaskInProgress:
		return p.active
	default:
		return p.muted
	}
}

// truncate cuts s to maxWidth visual columns, adding "..." if truncated.
// Escape sequences and wide characters are measured correctly.
func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

// columns renders rows as left-aligned columns separated by two spaces.
// Cells may be styled; widths are measured without escape sequences.
func columns(rows [][]string) string {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
