package store

import (
	"slices"
	"time"

	lwerrors "github.com/Iron-Ham/laneway/internal/errors"
)

// QueueEntry is a task reference in the queue record.
type QueueEntry struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Title  string `json:"title"`
}

// Queue is the durable source of truth for which tasks exist and which one
// the engine is working on. Tasks lists every unfinished task in submission
// order, the current one included.
type Queue struct {
	Tasks         []QueueEntry `json:"tasks"`
	CurrentTaskID string       `json:"current_task_id"`
	Completed     []string     `json:"completed"`
}

// Enqueue appends an entry to the queue.
func (q *Queue) Enqueue(e QueueEntry) {
	q.Tasks = append(q.Tasks, e)
}

// Next returns the oldest queued task, preferring the current one.
func (q *Queue) Next() (QueueEntry, bool) {
	if q.CurrentTaskID != "" {
		if e, ok := q.Find(q.CurrentTaskID); ok {
			return e, true
		}
	}
	if len(q.Tasks) == 0 {
		return QueueEntry{}, false
	}
	return q.Tasks[0], true
}

// Find returns the queue entry for id.
func (q *Queue) Find(id string) (QueueEntry, bool) {
	for _, e := range q.Tasks {
		if e.ID == id {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// Finish moves id from the pending list to the completed list and clears it
// as current task.
func (q *Queue) Finish(id string) {
	q.Tasks = slices.DeleteFunc(q.Tasks, func(e QueueEntry) bool { return e.ID == id })
	if !slices.Contains(q.Completed, id) {
		q.Completed = append(q.Completed, id)
	}
	if q.CurrentTaskID == id {
		q.CurrentTaskID = ""
	}
}

// IDs returns every id the queue knows about, pending and completed.
func (q *Queue) IDs() []string {
	ids := make([]string, 0, len(q.Tasks)+len(q.Completed))
	for _, e := range q.Tasks {
		ids = append(ids, e.ID)
	}
	return append(ids, q.Completed...)
}

// CurrentTask is the transient record of the task being worked on.
type CurrentTask struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Started time.Time `json:"started,omitzero"`
	Agents  []string  `json:"agents"`
}

// IsZero reports whether no task is current.
func (c CurrentTask) IsZero() bool {
	return c.ID == ""
}

// Registration binds a live agent to its subtask and workspace.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Role         string    `json:"role"`
	Workspace    string    `json:"workspace"`
	TaskID       string    `json:"task_id"`
	SubtaskID    string    `json:"subtask_id"`
	LastActivity time.Time `json:"last_activity"`
	Branch       string    `json:"branch"`
	Slot         string    `json:"slot,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Attempt      int       `json:"attempt"`
	SpawnedAt    time.Time `json:"spawned_at"`
}

// Registry lists live agent registrations.
type Registry struct {
	Agents []Registration `json:"agents"`
}

// Add registers an agent. A second live registration for the same subtask
// or agent id is refused.
func (r *Registry) Add(reg Registration) error {
	for _, a := range r.Agents {
		if a.SubtaskID == reg.SubtaskID || a.AgentID == reg.AgentID {
			return lwerrors.Wrapf(lwerrors.ErrDuplicateRegistration, "subtask %s already has agent %s", reg.SubtaskID, a.AgentID)
		}
	}
	r.Agents = append(r.Agents, reg)
	return nil
}

// Remove drops the registration of agentID and reports whether it existed.
func (r *Registry) Remove(agentID string) bool {
	n := len(r.Agents)
	r.Agents = slices.DeleteFunc(r.Agents, func(a Registration) bool { return a.AgentID == agentID })
	return len(r.Agents) != n
}

// Find returns the registration for agentID.
func (r *Registry) Find(agentID string) (*Registration, bool) {
	for i := range r.Agents {
		if r.Agents[i].AgentID == agentID {
			return &r.Agents[i], true
		}
	}
	return nil, false
}

// ForSubtask returns the live registration for a subtask.
func (r *Registry) ForSubtask(subtaskID string) (*Registration, bool) {
	for i := range r.Agents {
		if r.Agents[i].SubtaskID == subtaskID {
			return &r.Agents[i], true
		}
	}
	return nil, false
}

// ForTask returns the registrations belonging to taskID in registration order.
func (r *Registry) ForTask(taskID string) []Registration {
	var out []Registration
	for _, a := range r.Agents {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out
}

// AgentIDs returns the registered agent ids in registration order.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, len(r.Agents))
	for i, a := range r.Agents {
		ids[i] = a.AgentID
	}
	return ids
}

// SignalKind identifies an operator signal.
type SignalKind string

const (
	SignalSubmit   SignalKind = "submit"
	SignalApprove  SignalKind = "approve"
	SignalReject   SignalKind = "reject"
	SignalCancel   SignalKind = "cancel"
	SignalResolve  SignalKind = "resolve"
	SignalOverride SignalKind = "override"
	SignalReplan   SignalKind = "replan"
	SignalPlan     SignalKind = "plan"
)

// PlannedScope is an operator-supplied subtask for a plan override.
type PlannedScope struct {
	Role  string   `json:"role"`
	Paths []string `json:"paths"`
}

// Signal is an operator request dropped into the inbox by a CLI process.
// Fields beyond Kind are used only by the kinds that need them.
type Signal struct {
	ID        string     `json:"id"`
	Kind      SignalKind `json:"kind"`
	TaskID    string     `json:"task_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`

	// submit
	Source      string   `json:"source,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Hints       []string `json:"hints,omitempty"`

	// reject: Target is "plan", "implementation" or "abandon"
	Reason string `json:"reason,omitempty"`
	Target string `json:"target,omitempty"`

	// cancel
	Force bool `json:"force,omitempty"`

	// override: Action is "retry", "skip" or "fail"
	SubtaskID string `json:"subtask_id,omitempty"`
	Action    string `json:"action,omitempty"`

	// plan
	Plan []PlannedScope `json:"plan,omitempty"`

	// file is the inbox file name the signal was read from.
	file string
}
