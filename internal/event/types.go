package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier such as "agent.spawned".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeTaskTransitioned  = "task.transitioned"
	TypeTaskEscalated     = "task.escalated"
	TypeAgentSpawned      = "agent.spawned"
	TypeAgentProgress     = "agent.progress"
	TypeAgentStale        = "agent.stale"
	TypeAgentRetried      = "agent.retried"
	TypeAgentStopped      = "agent.stopped"
	TypeAgentOutput       = "agent.output"
	TypeLaneViolation     = "lane.violation"
	TypeSharedEdit        = "lane.shared_edit"
	TypeIntegrationStaged = "integration.staged"
	TypeConflictOpened    = "conflict.opened"
	TypeConflictResolved  = "conflict.resolved"
	TypeVerification      = "verification.finished"
)

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskTransitionedEvent is emitted after a task changes lifecycle state.
type TaskTransitionedEvent struct {
	baseEvent
	TaskID string
	From   string
	To     string
	Reason string
}

// NewTaskTransitionedEvent creates a TaskTransitionedEvent.
func NewTaskTransitionedEvent(taskID, from, to, reason string) TaskTransitionedEvent {
	return TaskTransitionedEvent{
		baseEvent: newBaseEvent(TypeTaskTransitioned),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// TaskEscalatedEvent is emitted when a task needs a human decision.
type TaskEscalatedEvent struct {
	baseEvent
	TaskID    string
	SubtaskID string // empty for task-level escalations
	Reason    string
}

// NewTaskEscalatedEvent creates a TaskEscalatedEvent.
func NewTaskEscalatedEvent(taskID, subtaskID, reason string) TaskEscalatedEvent {
	return TaskEscalatedEvent{
		baseEvent: newBaseEvent(TypeTaskEscalated),
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Agent Events
// -----------------------------------------------------------------------------

// AgentSpawnedEvent is emitted when an agent process starts in its workspace.
type AgentSpawnedEvent struct {
	baseEvent
	TaskID    string
	SubtaskID string
	AgentID   string
	Role      string
	Workspace string
	Branch    string
	Attempt   int
}

// NewAgentSpawnedEvent creates an AgentSpawnedEvent.
func NewAgentSpawnedEvent(taskID, subtaskID, agentID, role, workspace, branch string, attempt int) AgentSpawnedEvent {
	return AgentSpawnedEvent{
		baseEvent: newBaseEvent(TypeAgentSpawned),
		TaskID:    taskID,
		SubtaskID: subtaskID,
		AgentID:   agentID,
		Role:      role,
		Workspace: workspace,
		Branch:    branch,
		Attempt:   attempt,
	}
}

// AgentProgressEvent is emitted when a poll observes a changed report.
type AgentProgressEvent struct {
	baseEvent
	AgentID   string
	SubtaskID string
	Status    string
	Progress  int
	Activity  string
}

// NewAgentProgressEvent creates an AgentProgressEvent.
func NewAgentProgressEvent(agentID, subtaskID, status string, progress int, activity string) AgentProgressEvent {
	return AgentProgressEvent{
		baseEvent: newBaseEvent(TypeAgentProgress),
		AgentID:   agentID,
		SubtaskID: subtaskID,
		Status:    status,
		Progress:  progress,
		Activity:  activity,
	}
}

// AgentStaleEvent is emitted when an agent's report stops advancing.
type AgentStaleEvent struct {
	baseEvent
	AgentID      string
	SubtaskID    string
	LastActivity time.Time
}

// NewAgentStaleEvent creates an AgentStaleEvent.
func NewAgentStaleEvent(agentID, subtaskID string, lastActivity time.Time) AgentStaleEvent {
	return AgentStaleEvent{
		baseEvent:    newBaseEvent(TypeAgentStale),
		AgentID:      agentID,
		SubtaskID:    subtaskID,
		LastActivity: lastActivity,
	}
}

// AgentRetriedEvent is emitted when a failed agent is replaced.
type AgentRetriedEvent struct {
	baseEvent
	SubtaskID  string
	OldAgentID string
	NewAgentID string
	Attempt    int
	Cause      string
}

// NewAgentRetriedEvent creates an AgentRetriedEvent.
func NewAgentRetriedEvent(subtaskID, oldAgentID, newAgentID string, attempt int, cause string) AgentRetriedEvent {
	return AgentRetriedEvent{
		baseEvent:  newBaseEvent(TypeAgentRetried),
		SubtaskID:  subtaskID,
		OldAgentID: oldAgentID,
		NewAgentID: newAgentID,
		Attempt:    attempt,
		Cause:      cause,
	}
}

// AgentStoppedEvent is emitted when an agent is torn down.
type AgentStoppedEvent struct {
	baseEvent
	AgentID string
	Reason  string
}

// NewAgentStoppedEvent creates an AgentStoppedEvent.
func NewAgentStoppedEvent(agentID, reason string) AgentStoppedEvent {
	return AgentStoppedEvent{
		baseEvent: newBaseEvent(TypeAgentStopped),
		AgentID:   agentID,
		Reason:    reason,
	}
}

// AgentOutputEvent carries one line of an agent's terminal output.
type AgentOutputEvent struct {
	baseEvent
	AgentID string
	Line    string
}

// NewAgentOutputEvent creates an AgentOutputEvent.
func NewAgentOutputEvent(agentID, line string) AgentOutputEvent {
	return AgentOutputEvent{
		baseEvent: newBaseEvent(TypeAgentOutput),
		AgentID:   agentID,
		Line:      line,
	}
}

// LaneViolationEvent is emitted when an agent writes outside its lane.
type LaneViolationEvent struct {
	baseEvent
	AgentID string
	Role    string
	Path    string
	Owner   string // owning role, empty when the path is unlaned
}

// NewLaneViolationEvent creates a LaneViolationEvent.
func NewLaneViolationEvent(agentID, role, path, owner string) LaneViolationEvent {
	return LaneViolationEvent{
		baseEvent: newBaseEvent(TypeLaneViolation),
		AgentID:   agentID,
		Role:      role,
		Path:      path,
		Owner:     owner,
	}
}

// SharedEditEvent is emitted when another agent writes a shared path that
// an agent already wrote. Agents lists every writer so far.
type SharedEditEvent struct {
	baseEvent
	Path   string
	Agents []string
}

// NewSharedEditEvent creates a SharedEditEvent.
func NewSharedEditEvent(path string, agents []string) SharedEditEvent {
	return SharedEditEvent{
		baseEvent: newBaseEvent(TypeSharedEdit),
		Path:      path,
		Agents:    agents,
	}
}

// -----------------------------------------------------------------------------
// Integration Events
// -----------------------------------------------------------------------------

// IntegrationStagedEvent is emitted when every completed branch replayed cleanly.
type IntegrationStagedEvent struct {
	baseEvent
	TaskID       string
	Head         string
	Applied      int
	AutoResolved []string
}

// NewIntegrationStagedEvent creates an IntegrationStagedEvent.
func NewIntegrationStagedEvent(taskID, head string, applied int, autoResolved []string) IntegrationStagedEvent {
	return IntegrationStagedEvent{
		baseEvent:    newBaseEvent(TypeIntegrationStaged),
		TaskID:       taskID,
		Head:         head,
		Applied:      applied,
		AutoResolved: autoResolved,
	}
}

// ConflictOpenedEvent is emitted when replay halts on a conflict.
type ConflictOpenedEvent struct {
	baseEvent
	TaskID     string
	ConflictID string
	Files      []string
	ReportPath string
}

// NewConflictOpenedEvent creates a ConflictOpenedEvent.
func NewConflictOpenedEvent(taskID, conflictID string, files []string, reportPath string) ConflictOpenedEvent {
	return ConflictOpenedEvent{
		baseEvent:  newBaseEvent(TypeConflictOpened),
		TaskID:     taskID,
		ConflictID: conflictID,
		Files:      files,
		ReportPath: reportPath,
	}
}

// ConflictResolvedEvent is emitted when a human resolution is accepted.
type ConflictResolvedEvent struct {
	baseEvent
	TaskID     string
	ConflictID string
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(taskID, conflictID string) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		baseEvent:  newBaseEvent(TypeConflictResolved),
		TaskID:     taskID,
		ConflictID: conflictID,
	}
}

// VerificationEvent is emitted after the verification command runs.
type VerificationEvent struct {
	baseEvent
	TaskID   string
	Passed   bool
	Duration time.Duration
}

// NewVerificationEvent creates a VerificationEvent.
func NewVerificationEvent(taskID string, passed bool, duration time.Duration) VerificationEvent {
	return VerificationEvent{
		baseEvent: newBaseEvent(TypeVerification),
		TaskID:    taskID,
		Passed:    passed,
		Duration:  duration,
	}
}
