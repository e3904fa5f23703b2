package integration

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/laneway/internal/task"
)

// conflictReport is the YAML document written for the human resolving a
// conflict.
type conflictReport struct {
	TaskID      string         `yaml:"task_id"`
	ConflictID  string         `yaml:"conflict_id"`
	Branch      string         `yaml:"integration_branch"`
	Worktree    string         `yaml:"worktree"`
	Commit      string         `yaml:"commit"`
	SubtaskID   string         `yaml:"subtask_id"`
	OpenedAt    time.Time      `yaml:"opened_at"`
	Description string         `yaml:"description"`
	Files       []reportedFile `yaml:"files"`
	Suggested   []string       `yaml:"suggested_resolution"`
}

type reportedFile struct {
	Path         string               `yaml:"path"`
	Contributors []task.ConflictEntry `yaml:"contributors"`
}

func renderReport(t *task.Task, rec *task.ConflictRecord) ([]byte, error) {
	r := conflictReport{
		TaskID:      t.ID,
		ConflictID:  rec.ID,
		Branch:      t.Integration.Branch,
		Worktree:    t.Integration.Worktree,
		Commit:      rec.Commit,
		SubtaskID:   rec.SubtaskID,
		OpenedAt:    rec.OpenedAt,
		Description: rec.Description,
		Suggested:   rec.Steps,
	}
	for _, f := range rec.Files() {
		rf := reportedFile{Path: f}
		for _, e := range rec.Entries {
			if e.File == f {
				rf.Contributors = append(rf.Contributors, e)
			}
		}
		r.Files = append(r.Files, rf)
	}
	return yaml.Marshal(r)
}
