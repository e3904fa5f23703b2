package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/supervisor"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View engine and agent logs",
	Long: `View and filter the engine log, or the terminal output of one agent.

Examples:
  # Show the last 50 engine log lines
  laneway logs

  # Show everything logged for one task
  laneway logs --task 1767268800000000000 -n 0

  # Follow warnings and errors in real time
  laneway logs -f --level warn

  # Show an agent's terminal output
  laneway logs --agent api-1767268800000000000

  # Search for specific patterns in the last hour
  laneway logs --since 1h --grep "conflict|verification"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsTask   string
	logsAgent  string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only show entries for this task")
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "Show the terminal output of this agent instead")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Msg     string         `json:"msg"`
	TaskID  string         `json:"task_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	State   string         `json:"state,omitempty"`
	Extra   map[string]any `json:"-"` // Captures additional fields
}

// UnmarshalJSON implements custom unmarshaling to capture extra fields
func (e *logEntry) UnmarshalJSON(data []byte) error {
	// First, unmarshal known fields using a type alias to avoid recursion
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "task_id", "agent_id", "state"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter holds the parsed filter flags.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	taskID   string
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn, "WARNING":
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func (p palette) levelStyle(level string) func(...string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return p.muted.Render
	case logging.LevelInfo:
		return p.active.Render
	case logging.LevelWarn:
		return p.warning.Render
	case logging.LevelError:
		return p.err.Render
	default:
		return func(s ...string) string { return strings.Join(s, " ") }
	}
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(p palette, entry *logEntry) string {
	var sb strings.Builder

	sb.WriteString(p.muted.Render("[" + entry.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(p.levelStyle(entry.Level)("[" + strings.ToUpper(entry.Level) + "]"))
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	field := func(key string, value any) {
		sb.WriteString(" ")
		sb.WriteString(p.title.Render(key + "="))
		sb.WriteString(fmt.Sprintf("%v", value))
	}
	if entry.TaskID != "" {
		field("task_id", entry.TaskID)
	}
	if entry.AgentID != "" {
		field("agent_id", entry.AgentID)
	}
	if entry.State != "" {
		field("state", entry.State)
	}

	// Extra fields in a stable order
	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		field(k, entry.Extra[k])
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if logsAgent != "" {
		logPath := filepath.Join(env.stateDir, supervisor.AgentsDir, logsAgent+".log")
		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			return fmt.Errorf("no terminal log for agent %s at %s", logsAgent, logPath)
		}
		if logsFollow {
			return followLog(cmd.Context(), out, logPath, func(line string) (string, bool) { return line, true })
		}
		return displayLog(out, logPath, logsTail, func(line string) (string, bool) { return line, true })
	}

	logPath := filepath.Join(env.stateDir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		_, _ = fmt.Fprintln(out, "No engine log found.")
		_, _ = fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	filter := logFilter{minLevel: -1, taskID: logsTask}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logsLevel)
		if filter.minLevel < 0 {
			return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", logsLevel)
		}
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		filter.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	format := engineLineFormatter(newPalette(out), filter)
	if logsFollow {
		return followLog(cmd.Context(), out, logPath, format)
	}
	return displayLog(out, logPath, logsTail, format)
}

// engineLineFormatter parses and filters engine log lines. Lines that are
// not JSON are shown raw.
func engineLineFormatter(p palette, filter logFilter) func(string) (string, bool) {
	return func(line string) (string, bool) {
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return line, true
		}
		if !passesFilters(&entry, filter) {
			return "", false
		}
		return formatLogEntry(p, &entry), true
	}
}

// displayLog reads the log file and prints the last tail formatted lines
func displayLog(w io.Writer, logPath string, tail int, format func(string) (string, bool)) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []string
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long log lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if formatted, ok := format(line); ok {
			entries = append(entries, formatted)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		_, _ = fmt.Fprintln(w, entry)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No matching log entries found.")
	}
	return nil
}

// followLog implements tail -f behavior until ctx is cancelled
func followLog(ctx context.Context, w io.Writer, logPath string, format func(string) (string, bool)) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Following %s... (Ctrl+C to stop)\n\n", logPath)

	reader := bufio.NewReader(file)
	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		partial += chunk
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("error reading log file: %w", err)
			}
			// No new data, wait briefly and try again
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		line := strings.TrimRight(partial, "\r\n")
		partial = ""
		if line == "" {
			continue
		}
		if formatted, ok := format(line); ok {
			_, _ = fmt.Fprintln(w, formatted)
		}
	}
}

// passesFilters checks if a log entry passes all filter criteria
func passesFilters(entry *logEntry, f logFilter) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.taskID != "" && entry.TaskID != f.taskID {
		return false
	}

	// Grep filter - search in message and extra fields
	if f.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}
