// Package task defines the task data model and its lifecycle state machine.
//
// A Task is decomposed into Subtasks, one per lane role touched by the work.
// The controller owns every Task value; agents only ever influence a Subtask
// indirectly, through the progress report the supervisor copies in.
package task

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SourceDirect marks a task submitted directly rather than from an issue tracker.
const SourceDirect = "direct"

// SubtaskStatus is the status an agent reports for its subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "PENDING"
	SubtaskInProgress SubtaskStatus = "IN_PROGRESS"
	SubtaskComplete   SubtaskStatus = "COMPLETE"
	SubtaskBlocked    SubtaskStatus = "BLOCKED"
	SubtaskFailed     SubtaskStatus = "FAILED"
	// SubtaskUnknown is assigned when a report cannot be read or lacks a required field.
	SubtaskUnknown SubtaskStatus = "UNKNOWN"
)

// ReportableStatuses returns the statuses an agent may write in its report.
func ReportableStatuses() []SubtaskStatus {
	return []SubtaskStatus{SubtaskPending, SubtaskInProgress, SubtaskComplete, SubtaskBlocked, SubtaskFailed}
}

// Subtask is one agent's portion of a task.
type Subtask struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Role      string        `json:"role"`
	Scope     []string      `json:"scope"`
	Status    SubtaskStatus `json:"status"`
	Progress  int           `json:"progress"`
	Activity  string        `json:"activity,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitzero"`
	Attempts  int           `json:"attempts"`
	Branch    string        `json:"branch,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
}

// Done reports whether the subtask no longer needs an agent.
func (s *Subtask) Done() bool {
	return s.Skipped || s.Status == SubtaskComplete
}

// Transition is one entry of a task's state history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ErrorEntry records a failed or stale agent attempt.
type ErrorEntry struct {
	ID         string        `json:"id"`
	SubtaskID  string        `json:"subtask_id"`
	AgentID    string        `json:"agent_id"`
	Cause      string        `json:"cause"`
	LastStatus SubtaskStatus `json:"last_status"`
	Attempt    int           `json:"attempt"`
	At         time.Time     `json:"at"`
}

// ConflictState is the lifecycle of a conflict record.
type ConflictState string

const (
	ConflictOpen     ConflictState = "OPEN"
	ConflictResolved ConflictState = "RESOLVED"
	// ConflictDiscarded closes a record whose replay was abandoned; the
	// integration branch is staged again from the base.
	ConflictDiscarded ConflictState = "DISCARDED"
)

// ConflictEntry names one contribution to a conflicting file.
type ConflictEntry struct {
	File    string `json:"file" yaml:"file"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
	Role    string `json:"role" yaml:"role"`
	Commit  string `json:"commit" yaml:"commit"`
}

// ConflictRecord describes an integration conflict that needs a human.
type ConflictRecord struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Entries     []ConflictEntry `json:"entries"`
	Description string          `json:"description"`
	Steps       []string        `json:"steps"`
	State       ConflictState   `json:"state"`
	OpenedAt    time.Time       `json:"opened_at"`
	ResolvedAt  time.Time       `json:"resolved_at,omitzero"`
	// SubtaskID and Commit locate the replay step that conflicted.
	SubtaskID string `json:"subtask_id"`
	Commit    string `json:"commit"`
	// Head is the integration branch head when the conflict was opened.
	Head       string `json:"head"`
	ReportPath string `json:"report_path,omitempty"`
}

// Files returns the distinct conflicting paths in entry order.
func (c *ConflictRecord) Files() []string {
	var files []string
	for _, e := range c.Entries {
		if !slices.Contains(files, e.File) {
			files = append(files, e.File)
		}
	}
	return files
}

// Integration tracks staging progress on the task's integration branch.
type Integration struct {
	Branch     string `json:"branch,omitempty"`
	Worktree   string `json:"worktree,omitempty"`
	BaseCommit string `json:"base_commit,omitempty"`
	// Head is the last consistent commit of the integration branch.
	Head string `json:"head,omitempty"`
	// Applied lists replayed commits, in order, as "<subtask id>:<sha>".
	Applied      []string `json:"applied,omitempty"`
	AutoResolved []string `json:"auto_resolved,omitempty"`
	Staged       bool     `json:"staged"`
	Verified     bool     `json:"verified"`
	VerifyOutput string   `json:"verify_output,omitempty"`
}

// Escalation explains why a task is waiting for an operator override.
type Escalation struct {
	Reason    string    `json:"reason"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	At        time.Time `json:"at"`
}

// SharedEdit names a shared path and the roles that wrote it.
type SharedEdit struct {
	Path  string   `json:"path"`
	Roles []string `json:"roles"`
}

// Task is a unit of work submitted to the engine.
type Task struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       State  `json:"state"`
	// Hints are paths the submitter expects the task to touch.
	Hints      []string  `json:"hints,omitempty"`
	Subtasks   []Subtask `json:"subtasks"`
	Shared     []string  `json:"shared,omitempty"`
	Unassigned []string  `json:"unassigned,omitempty"`
	// SharedEdits are shared paths that several agents wrote.
	SharedEdits []SharedEdit `json:"shared_edits,omitempty"`
	// PlanOverridden is set when the operator supplied the plan by hand.
	PlanOverridden bool `json:"plan_overridden,omitempty"`
	// PlanError holds the last planning failure. Planning is not retried
	// until an operator replans or supplies a plan.
	PlanError    string           `json:"plan_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	History      []Transition     `json:"history"`
	Context      []string         `json:"context,omitempty"`
	Errors       []ErrorEntry     `json:"errors,omitempty"`
	Conflicts    []ConflictRecord `json:"conflicts,omitempty"`
	Integration  Integration      `json:"integration"`
	TestAttempts int              `json:"test_attempts"`
	Escalation   *Escalation      `json:"escalation,omitempty"`
}

// New creates a PENDING task.
func New(id, source, title, description string, now time.Time) *Task {
	if source == "" {
		source = SourceDirect
	}
	return &Task{
		ID:          id,
		Source:      source,
		Title:       title,
		Description: description,
		State:       Pending,
		Subtasks:    []Subtask{},
		CreatedAt:   now,
		UpdatedAt:   now,
		History:     []Transition{},
	}
}

// Restart returns the task to PLANNING after a crash, bypassing the
// transition table. Nothing the agents produced is kept: the plan,
// integration progress and test attempts are reset and open conflicts are
// closed. History and context survive.
func (t *Task) Restart(reason string, now time.Time) {
	t.DiscardConflicts(now)
	t.ClearPlan()
	t.Integration = Integration{}
	t.TestAttempts = 0
	t.Escalation = nil
	if t.State != Planning {
		t.History = append(t.History, Transition{From: t.State, To: Planning, At: now, Reason: reason})
		t.State = Planning
	}
	t.UpdatedAt = now
}

// DiscardConflicts closes every open conflict record without a resolution.
func (t *Task) DiscardConflicts(now time.Time) {
	for i := range t.Conflicts {
		if t.Conflicts[i].State == ConflictOpen {
			t.Conflicts[i].State = ConflictDiscarded
			t.Conflicts[i].ResolvedAt = now
		}
	}
}

// RecordSharedEdit adds roles to the shared edit of path, keeping paths and
// roles sorted. It reports whether anything new was recorded.
func (t *Task) RecordSharedEdit(path string, roles []string) bool {
	i, found := slices.BinarySearchFunc(t.SharedEdits, path, func(e SharedEdit, p string) int {
		return strings.Compare(e.Path, p)
	})
	if !found {
		t.SharedEdits = slices.Insert(t.SharedEdits, i, SharedEdit{Path: path})
	}
	edit := &t.SharedEdits[i]
	changed := !found
	for _, role := range roles {
		if j, ok := slices.BinarySearch(edit.Roles, role); !ok {
			edit.Roles = slices.Insert(edit.Roles, j, role)
			changed = true
		}
	}
	return changed
}

// ClearPlan drops the current plan so the next planning pass starts over.
func (t *Task) ClearPlan() {
	t.Subtasks = []Subtask{}
	t.Shared = nil
	t.Unassigned = nil
	t.SharedEdits = nil
	t.PlanOverridden = false
	t.PlanError = ""
}

// TransitionTo moves the task to state to, recording the change in its
// history. Disallowed moves return a TransitionError and leave the task untouched.
func (t *Task) TransitionTo(to State, reason string, now time.Time) error {
	if err := ValidateTransition(t.ID, t.State, to); err != nil {
		return err
	}
	t.History = append(t.History, Transition{From: t.State, To: to, At: now, Reason: reason})
	t.State = to
	t.UpdatedAt = now
	return nil
}

// AddContext appends a note carried into every later agent instruction.
func (t *Task) AddContext(note string) {
	if note == "" {
		return
	}
	t.Context = append(t.Context, note)
}

// Subtask returns the subtask with the given id, or nil.
func (t *Task) Subtask(id string) *Subtask {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i]
		}
	}
	return nil
}

// AllDone reports whether every subtask is complete or skipped.
func (t *Task) AllDone() bool {
	if len(t.Subtasks) == 0 {
		return false
	}
	for i := range t.Subtasks {
		if !t.Subtasks[i].Done() {
			return false
		}
	}
	return true
}

// OpenConflict returns the open conflict record, or nil.
func (t *Task) OpenConflict() *ConflictRecord {
	for i := range t.Conflicts {
		if t.Conflicts[i].State == ConflictOpen {
			return &t.Conflicts[i]
		}
	}
	return nil
}

// SetPlan replaces the subtask list, numbering subtasks in plan order.
func (t *Task) SetPlan(roles []string, scopes [][]string) {
	t.Subtasks = make([]Subtask, len(roles))
	for i, role := range roles {
		t.Subtasks[i] = Subtask{
			ID:     SubtaskID(t.ID, i),
			TaskID: t.ID,
			Role:   role,
			Scope:  slices.Clone(scopes[i]),
			Status: SubtaskPending,
		}
	}
}

// SubtaskID formats the id of the index-th subtask of a task.
func SubtaskID(taskID string, index int) string {
	return fmt.Sprintf("%s-%d", taskID, index)
}

// NextID returns a task id derived from now that is strictly greater than
// every id in existing. Ids are decimal Unix nanoseconds.
func NextID(now time.Time, existing ...string) string {
	next := now.UnixNano()
	for _, id := range existing {
		n, err := strconv.ParseInt(id, 10, 64)
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return strconv.FormatInt(next, 10)
}
