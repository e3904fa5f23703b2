// Package errors provides the error taxonomy for the laneway engine.
//
// Errors fall into the categories the engine reacts to differently:
//
//   - ConfigError, LaneOverlapError: invalid or overlapping lane configuration.
//     Surfaced to the operator before any agent spawns, never retried.
//   - AgentError: liveness (stale agents) and execution (agent reported FAILED,
//     verification gate failed) failures. Retried up to a bound, then escalated.
//   - IntegrationError: merge conflicts that automated reconciliation could not
//     settle. Always escalated to a human.
//   - GitError: failures from the workspace-isolation provider.
//   - TransitionError: an illegal lifecycle transition was requested.
//
// Store corruption has no error type on purpose: the store maps unreadable
// records to empty defaults.
//
// # Usage
//
//	err := errors.NewLaneOverlapError("api/shared", "backend", "frontend")
//	if errors.Is(err, errors.ErrLaneOverlap) { ... }
//
//	var overlap *errors.LaneOverlapError
//	if errors.As(err, &overlap) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrInvalidConfig indicates the lane assignment or engine config is unusable.
	ErrInvalidConfig = New("invalid configuration")
	// ErrLaneOverlap indicates a path is claimed by more than one lane.
	ErrLaneOverlap = New("lane overlap")
	// ErrPlanOverlap indicates a subtask plan assigns overlapping scopes.
	ErrPlanOverlap = New("plan scopes overlap")
)

// Task sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrNoActiveTask indicates an operation needed a current task but none exists.
	ErrNoActiveTask = New("no active task")
	// ErrInvalidTransition indicates a lifecycle transition that is not allowed.
	ErrInvalidTransition = New("invalid state transition")
	// ErrCancelNotAllowed indicates cancellation was requested after agents
	// took ownership of workspaces without forcing teardown.
	ErrCancelNotAllowed = New("cancel requires force once agents are running")
)

// Agent sentinel errors
var (
	// ErrWorkspaceConflict indicates a workspace for an agent id already exists.
	ErrWorkspaceConflict = New("workspace already exists")
	// ErrAgentNotFound indicates that an agent registration could not be found.
	ErrAgentNotFound = New("agent not found")
	// ErrDuplicateRegistration indicates a second live registration for a subtask.
	ErrDuplicateRegistration = New("subtask already has a live agent")
	// ErrAgentStale indicates an agent stopped reporting progress.
	ErrAgentStale = New("agent stale")
	// ErrAgentFailed indicates an agent reported FAILED.
	ErrAgentFailed = New("agent failed")
	// ErrRetriesExhausted indicates a subtask used all of its attempts.
	ErrRetriesExhausted = New("retries exhausted")
)

// Integration sentinel errors
var (
	// ErrMergeConflict indicates that a replayed change conflicted.
	ErrMergeConflict = New("merge conflict")
	// ErrConflictUnresolved indicates a resume was requested while the
	// recorded conflict is still present.
	ErrConflictUnresolved = New("conflict not resolved")
	// ErrVerificationFailed indicates the verification gate failed.
	ErrVerificationFailed = New("verification failed")
	// ErrNotFastForward indicates promotion would rewrite the protected branch.
	ErrNotFastForward = New("protected branch cannot be fast-forwarded")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// LanewayError is the base interface for all engine errors.
type LanewayError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to an operator.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Configuration Errors
// -----------------------------------------------------------------------------

// ConfigError reports an invalid lane assignment or engine setting.
// Configuration errors are never retried.
type ConfigError struct {
	baseError
	Field string
}

// NewConfigError creates a new ConfigError wrapping ErrInvalidConfig.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidConfig,
			severity:   SeverityError,
			userFacing: true,
		},
		Field: field,
	}
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	return e.format("config error", parts)
}

// LaneOverlapError reports a path covered by two lanes. Planning halts until
// the configuration is fixed or the plan is overridden by hand.
type LaneOverlapError struct {
	baseError
	Path  string
	Roles []string
}

// NewLaneOverlapError creates a LaneOverlapError for path claimed by roles.
func NewLaneOverlapError(path string, roles ...string) *LaneOverlapError {
	return &LaneOverlapError{
		baseError: baseError{
			message:    fmt.Sprintf("path %q is claimed by lanes %s", path, strings.Join(roles, " and ")),
			cause:      ErrLaneOverlap,
			severity:   SeverityError,
			userFacing: true,
		},
		Path:  path,
		Roles: roles,
	}
}

// Error returns the formatted error message.
func (e *LaneOverlapError) Error() string {
	return e.format("lane overlap", []string{"path=" + e.Path})
}

// -----------------------------------------------------------------------------
// Agent Errors
// -----------------------------------------------------------------------------

// AgentError represents liveness and execution failures of a worker agent.
type AgentError struct {
	baseError
	AgentID   string
	SubtaskID string
	Attempt   int
}

// NewAgentError creates a new AgentError. Agent errors are retryable by
// default; the supervisor bounds the retries.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithAgent adds agent and subtask ids to the error context.
func (e *AgentError) WithAgent(agentID, subtaskID string) *AgentError {
	e.AgentID = agentID
	e.SubtaskID = subtaskID
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *AgentError) WithAttempt(attempt int) *AgentError {
	e.Attempt = attempt
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentError) WithRetryable(r bool) *AgentError {
	e.retryable = r
	if !r {
		e.severity = SeverityError
	}
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, "agent="+e.AgentID)
	}
	if e.SubtaskID != "" {
		parts = append(parts, "subtask="+e.SubtaskID)
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("agent error", parts)
}

// WorkspaceConflictError is returned when spawning an agent whose workspace
// already exists. It guards against double spawns.
type WorkspaceConflictError struct {
	baseError
	AgentID string
	Path    string
}

// NewWorkspaceConflictError creates a WorkspaceConflictError.
func NewWorkspaceConflictError(agentID, path string) *WorkspaceConflictError {
	return &WorkspaceConflictError{
		baseError: baseError{
			message:    fmt.Sprintf("workspace %s already exists", path),
			cause:      ErrWorkspaceConflict,
			severity:   SeverityError,
			userFacing: true,
		},
		AgentID: agentID,
		Path:    path,
	}
}

// Error returns the formatted error message.
func (e *WorkspaceConflictError) Error() string {
	return e.format("workspace conflict", []string{"agent=" + e.AgentID})
}

// -----------------------------------------------------------------------------
// Integration Errors
// -----------------------------------------------------------------------------

// IntegrationError represents a failure while replaying agent changes.
type IntegrationError struct {
	baseError
	TaskID string
	Commit string
	Files  []string
}

// NewIntegrationError creates a new IntegrationError.
func NewIntegrationError(message string, cause error) *IntegrationError {
	return &IntegrationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithTask adds the task id to the error context.
func (e *IntegrationError) WithTask(taskID string) *IntegrationError {
	e.TaskID = taskID
	return e
}

// WithCommit adds the commit and affected files to the error context.
func (e *IntegrationError) WithCommit(commit string, files []string) *IntegrationError {
	e.Commit = commit
	e.Files = files
	return e
}

// Error returns the formatted error message.
func (e *IntegrationError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.Commit != "" {
		parts = append(parts, "commit="+e.Commit)
	}
	if len(e.Files) > 0 {
		parts = append(parts, "files="+strings.Join(e.Files, ","))
	}
	return e.format("integration error", parts)
}

// -----------------------------------------------------------------------------
// Git Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("laneway/123/api").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch    string
	Worktree  string
	GitOutput string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	if e.Worktree != "" {
		parts = append(parts, "worktree="+e.Worktree)
	}
	msg := e.format("git error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// -----------------------------------------------------------------------------
// Lifecycle Errors
// -----------------------------------------------------------------------------

// TransitionError reports a lifecycle transition that the state machine rejects.
type TransitionError struct {
	baseError
	TaskID string
	From   string
	To     string
}

// NewTransitionError creates a TransitionError wrapping ErrInvalidTransition.
func NewTransitionError(taskID, from, to string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot move from %s to %s", from, to),
			cause:      ErrInvalidTransition,
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID: taskID,
		From:   from,
		To:     to,
	}
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	return e.format("transition error", parts)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var le LanewayError
	if As(err, &le) {
		return le.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to an operator.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var le LanewayError
	if As(err, &le) {
		return le.IsUserFacing()
	}
	return false
}

// IsConfigError reports whether err belongs to the configuration category.
func IsConfigError(err error) bool {
	return Is(err, ErrInvalidConfig) || Is(err, ErrLaneOverlap) || Is(err, ErrPlanOverlap)
}

// GetSeverity returns the severity of err, or SeverityError for errors that
// don't carry one.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}
	var le LanewayError
	if As(err, &le) {
		return le.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
