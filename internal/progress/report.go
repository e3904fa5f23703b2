// Package progress reads and writes the file an agent uses to report on its
// subtask. The report is YAML so it stays easy to edit by hand:
//
//	task_id: "1767225600000000000"
//	status: IN_PROGRESS
//	progress: 40
//	activity: wiring the handler
//	updated_at: 2026-01-01T10:00:00Z
//
// A report that is missing, unparsable, fails the schema or names another
// task is returned with status UNKNOWN. Parsing never fails outright.
package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/laneway/internal/task"
)

const (
	// DirName is the per-workspace directory holding engine-owned files.
	DirName = ".laneway"
	// FileName is the progress report file inside DirName.
	FileName = "progress.yaml"
)

var schema *jsonschema.Schema

func init() {
	var err error
	if schema, err = compileSchema(); err != nil {
		panic(err)
	}
}

// Report is a decoded progress report.
type Report struct {
	TaskID    string             `yaml:"task_id"`
	Status    task.SubtaskStatus `yaml:"status"`
	Progress  int                `yaml:"progress"`
	Activity  string             `yaml:"activity"`
	UpdatedAt time.Time          `yaml:"updated_at"`
	// Problem explains why Status is UNKNOWN.
	Problem string `yaml:"-"`
}

// Known reports whether the report passed validation.
func (r Report) Known() bool {
	return r.Status != task.SubtaskUnknown
}

func unknown(format string, args ...any) Report {
	return Report{Status: task.SubtaskUnknown, Problem: fmt.Sprintf(format, args...)}
}

// Path returns the report location inside a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, DirName, FileName)
}

// Read loads and parses the report in workspace. When taskID is non-empty
// the report must echo it.
func Read(fs afero.Fs, workspace, taskID string) Report {
	data, err := afero.ReadFile(fs, Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return unknown("no progress report")
		}
		return unknown("read report: %v", err)
	}
	r := Parse(data)
	if r.Known() && taskID != "" && r.TaskID != taskID {
		return unknown("report is for task %s, want %s", r.TaskID, taskID)
	}
	return r
}

// Parse decodes and validates report bytes.
func Parse(data []byte) Report {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return unknown("invalid YAML: %v", err)
	}
	if raw == nil {
		return unknown("empty report")
	}
	normalize(raw)

	// Round-trip through JSON so the validator sees json.Number values.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return unknown("encode report: %v", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return unknown("decode report: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return unknown("schema validation failed: %v", err)
	}

	progress, err := cast.ToIntE(strings.TrimSuffix(strings.TrimSpace(cast.ToString(raw["progress"])), "%"))
	if err != nil {
		// Fractional progress is truncated.
		f, ferr := cast.ToFloat64E(raw["progress"])
		if ferr != nil {
			return unknown("progress: %v", err)
		}
		progress = int(f)
	}

	updated, err := parseTime(raw["updated_at"])
	if err != nil {
		return unknown("updated_at: %v", err)
	}

	return Report{
		TaskID:    cast.ToString(raw["task_id"]),
		Status:    task.SubtaskStatus(cast.ToString(raw["status"])),
		Progress:  progress,
		Activity:  cast.ToString(raw["activity"]),
		UpdatedAt: updated,
	}
}

// normalize converts YAML-native values into JSON-friendly ones and
// canonicalizes hand-typed status spellings such as "in progress".
func normalize(raw map[string]any) {
	for k, v := range raw {
		if t, ok := v.(time.Time); ok {
			raw[k] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	if s, ok := raw["status"].(string); ok {
		s = strings.ToUpper(strings.TrimSpace(s))
		s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
		raw["status"] = s
	}
}

func parseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		return time.Parse(time.RFC3339Nano, val)
	default:
		secs, err := cast.ToInt64E(val)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0).UTC(), nil
	}
}

// Write stores a report in workspace, creating the engine directory.
// The file is replaced atomically so a polling reader never sees a
// partial report.
func Write(fs afero.Fs, workspace string, r Report) error {
	out := struct {
		TaskID    string `yaml:"task_id"`
		Status    string `yaml:"status"`
		Progress  int    `yaml:"progress"`
		Activity  string `yaml:"activity"`
		UpdatedAt string `yaml:"updated_at"`
	}{
		TaskID:    r.TaskID,
		Status:    string(r.Status),
		Progress:  r.Progress,
		Activity:  r.Activity,
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	dir := filepath.Join(workspace, DirName)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp := filepath.Join(dir, "."+FileName+".tmp")
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := fs.Rename(tmp, Path(workspace)); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Initial returns the report the engine seeds a new workspace with. Its
// timestamp starts the staleness clock.
func Initial(taskID string, now time.Time) Report {
	return Report{
		TaskID:    taskID,
		Status:    task.SubtaskPending,
		Progress:  0,
		Activity:  "waiting for agent to start",
		UpdatedAt: now,
	}
}
