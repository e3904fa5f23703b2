// Package supervisor runs the agents of the active task: it creates their
// workspaces, launches worker sessions, copies progress reports into the
// task, detects stale or failed agents and retries them within a bound.
//
// The supervisor mutates the *task.Task it is handed and the agent registry
// in the store. Persisting the task is left to the controller.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/progress"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/telemetry"
	"github.com/Iron-Ham/laneway/internal/worker"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

// AgentsDir holds per-agent terminal logs under the state directory.
const AgentsDir = "agents"

// Config bounds the supervisor.
type Config struct {
	WorktreeDir  string
	BranchPrefix string
	StaleTimeout time.Duration
	// MaxAttempts counts every spawn of a subtask, the first included.
	MaxAttempts int
	// Shared prefixes are listed in agent instructions.
	Shared []string
}

// Watcher receives agent workspaces for live lane checks.
type Watcher interface {
	Add(agentID, role, workspace string, scope []string) error
	Remove(agentID string)
}

// Status is one agent's observed state after a poll.
type Status struct {
	Registration store.Registration
	Report       progress.Report
	Alive        bool
	Stale        bool
	// Status is the subtask status after the report was copied in.
	Status task.SubtaskStatus
}

// Failure classifies a polled agent. It returns nil while the agent is
// healthy or has completed.
func (s Status) Failure() error {
	reg := s.Registration
	switch {
	case s.Status == task.SubtaskComplete:
		return nil
	case s.Status == task.SubtaskFailed:
		msg := "agent reported FAILED"
		if s.Report.Activity != "" {
			msg += ": " + s.Report.Activity
		}
		return errors.NewAgentError(msg, errors.ErrAgentFailed).WithAgent(reg.AgentID, reg.SubtaskID).WithAttempt(reg.Attempt)
	case !s.Alive:
		return errors.NewAgentError("worker exited before completing", errors.ErrAgentFailed).WithAgent(reg.AgentID, reg.SubtaskID).WithAttempt(reg.Attempt)
	case s.Stale:
		return errors.NewAgentError("no progress since "+reg.LastActivity.Format(time.RFC3339), errors.ErrAgentStale).WithAgent(reg.AgentID, reg.SubtaskID).WithAttempt(reg.Attempt)
	}
	return nil
}

// Supervisor spawns, polls, retries and tears down agents.
type Supervisor struct {
	store      *store.Store
	workspaces worktree.WorkspaceManager
	launcher   worker.Launcher
	cfg        Config

	fs        afero.Fs
	bus       *event.Bus
	logger    *logging.Logger
	watcher   Watcher
	metrics   *telemetry.Metrics
	now       func() time.Time
	terminate func(pid int)
	shared    func() []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithBus sets the event bus.
func WithBus(b *event.Bus) Option {
	return func(s *Supervisor) { s.bus = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithWatcher registers workspaces with a lane watcher.
func WithWatcher(w Watcher) Option {
	return func(s *Supervisor) { s.watcher = w }
}

// WithMetrics records spawns, retries and stale agents.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithSharedSource replaces Config.Shared with a lookup made at every
// spawn, so agents started after a lane reload see the new shared paths.
func WithSharedSource(shared func() []string) Option {
	return func(s *Supervisor) { s.shared = shared }
}

// WithFs sets the filesystem workspaces live on.
func WithFs(fs afero.Fs) Option {
	return func(s *Supervisor) { s.fs = fs }
}

// New creates a Supervisor.
func New(st *store.Store, workspaces worktree.WorkspaceManager, launcher worker.Launcher, cfg Config, opts ...Option) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	s := &Supervisor{
		store:      st,
		workspaces: workspaces,
		launcher:   launcher,
		cfg:        cfg,
		fs:         afero.NewOsFs(),
		logger:     logging.NopLogger(),
		now:        time.Now,
		terminate: func(pid int) {
			_ = worker.Terminate(pid)
		},
		shared: func() []string { return cfg.Shared },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogPath returns the terminal log of an agent.
func (s *Supervisor) LogPath(agentID string) string {
	return filepath.Join(s.store.Dir(), AgentsDir, agentID+".log")
}

// newAgentID returns <role>-<unix nanos>, bumped past ids already in use.
func (s *Supervisor) newAgentID(role string, reg store.Registry) string {
	n := s.now().UnixNano()
	for {
		id := role + "-" + strconv.FormatInt(n, 10)
		if _, taken := reg.Find(id); !taken {
			return id
		}
		n++
	}
}

// Spawn creates the subtask's workspace on its agent branch, seeds the
// progress report, registers the agent and starts its worker. An existing
// workspace at the target path fails with a WorkspaceConflictError. A
// branch left by an earlier attempt is reattached so committed work
// survives a retry.
func (s *Supervisor) Spawn(ctx context.Context, t *task.Task, subtaskID string) (store.Registration, error) {
	sub := t.Subtask(subtaskID)
	if sub == nil {
		return store.Registration{}, errors.Wrapf(errors.ErrTaskNotFound, "subtask %s", subtaskID)
	}

	registry := s.store.LoadRegistry()
	if existing, ok := registry.ForSubtask(sub.ID); ok {
		return store.Registration{}, errors.Wrapf(errors.ErrDuplicateRegistration, "subtask %s has agent %s", sub.ID, existing.AgentID)
	}

	now := s.now()
	agentID := s.newAgentID(sub.Role, registry)
	workspace := worktree.WorkspacePath(s.cfg.WorktreeDir, t.ID, sub.Role)
	branch := worktree.AgentBranch(s.cfg.BranchPrefix, t.ID, sub.Role)
	logger := s.logger.WithTask(t.ID).WithAgent(agentID)

	if _, err := s.fs.Stat(workspace); err == nil {
		return store.Registration{}, errors.NewWorkspaceConflictError(agentID, workspace)
	}

	var err error
	if s.workspaces.BranchExists(branch) {
		err = s.workspaces.AttachWorkspace(workspace, branch)
	} else {
		base := t.Integration.BaseCommit
		if base == "" {
			base = "HEAD"
		}
		err = s.workspaces.CreateWorkspace(workspace, branch, base)
	}
	if err != nil {
		return store.Registration{}, errors.NewAgentError("create workspace", err).WithAgent(agentID, sub.ID)
	}

	// The seeded report starts the staleness clock.
	seed := progress.Initial(t.ID, now)
	if err := progress.Write(s.fs, workspace, seed); err != nil {
		s.discardWorkspace(workspace, logger)
		return store.Registration{}, errors.NewAgentError("seed progress report", err).WithAgent(agentID, sub.ID)
	}

	attempt := sub.Attempts + 1
	spec := worker.Spec{
		AgentID:   agentID,
		TaskID:    t.ID,
		SubtaskID: sub.ID,
		Role:      sub.Role,
		Workspace: workspace,
		Branch:    branch,
		Attempt:   attempt,
		LogPath:   s.LogPath(agentID),
		Instructions: worker.Instructions(worker.InstructionInput{
			TaskID:       t.ID,
			Title:        t.Title,
			Description:  t.Description,
			Role:         sub.Role,
			Scope:        sub.Scope,
			Shared:       s.shared(),
			Context:      t.Context,
			ProgressPath: progress.Path(workspace),
		}),
	}
	session, err := s.launcher.Start(ctx, spec)
	if err != nil {
		s.discardWorkspace(workspace, logger)
		return store.Registration{}, errors.NewAgentError("start worker", err).WithAgent(agentID, sub.ID).WithAttempt(attempt)
	}

	reg := store.Registration{
		AgentID:      agentID,
		Role:         sub.Role,
		Workspace:    workspace,
		TaskID:       t.ID,
		SubtaskID:    sub.ID,
		LastActivity: now,
		Branch:       branch,
		Slot:         session.Slot,
		PID:          session.PID,
		Attempt:      attempt,
		SpawnedAt:    now,
	}
	if err := registry.Add(reg); err != nil {
		_ = s.launcher.Stop(session.Slot)
		s.discardWorkspace(workspace, logger)
		return store.Registration{}, err
	}
	if err := s.store.SaveRegistry(registry); err != nil {
		_ = s.launcher.Stop(session.Slot)
		s.discardWorkspace(workspace, logger)
		return store.Registration{}, fmt.Errorf("save registry: %w", err)
	}

	sub.Attempts = attempt
	sub.AgentID = agentID
	sub.Branch = branch
	sub.Status = seed.Status
	sub.Progress = seed.Progress
	sub.Activity = seed.Activity
	sub.UpdatedAt = seed.UpdatedAt

	if s.watcher != nil {
		if err := s.watcher.Add(agentID, sub.Role, workspace, sub.Scope); err != nil {
			logger.Warn("lane watcher unavailable for workspace", "error", err.Error())
		}
	}

	logger.Info("agent spawned",
		"subtask_id", sub.ID,
		"role", sub.Role,
		"branch", branch,
		"attempt", attempt,
		"pid", session.PID)
	s.metrics.Spawned(ctx, sub.Role, attempt)
	s.bus.Publish(event.NewAgentSpawnedEvent(t.ID, sub.ID, agentID, sub.Role, workspace, branch, attempt))
	return reg, nil
}

func (s *Supervisor) discardWorkspace(workspace string, logger *logging.Logger) {
	if err := s.workspaces.RemoveWorkspace(workspace); err != nil {
		logger.Warn("failed to remove workspace", "workspace", workspace, "error", err.Error())
	}
}

// Poll reads every live agent's progress report concurrently and copies
// the observed values into the task's subtasks. Results follow
// registration order. A report that cannot be read or validated sets the
// subtask to UNKNOWN and leaves its other fields alone.
func (s *Supervisor) Poll(ctx context.Context, t *task.Task) ([]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	registry := s.store.LoadRegistry()
	regs := registry.ForTask(t.ID)

	statuses := iter.Map(regs, func(r *store.Registration) Status {
		return Status{
			Registration: *r,
			Report:       progress.Read(s.fs, r.Workspace, t.ID),
			Alive:        s.launcher.Alive(r.Slot),
		}
	})

	now := s.now()
	for i := range statuses {
		st := &statuses[i]
		reg, ok := registry.Find(st.Registration.AgentID)
		sub := t.Subtask(st.Registration.SubtaskID)
		if !ok || sub == nil {
			continue
		}
		s.observe(t.ID, reg, sub, st.Report, now)
		st.Registration = *reg
		st.Status = sub.Status
		st.Stale = s.isStale(*reg, now)
	}

	if err := s.store.SaveRegistry(registry); err != nil {
		return statuses, fmt.Errorf("save registry: %w", err)
	}
	return statuses, nil
}

// observe copies a report into sub and advances the registration's activity
// clock when the report timestamp moved forward.
func (s *Supervisor) observe(taskID string, reg *store.Registration, sub *task.Subtask, r progress.Report, now time.Time) {
	logger := s.logger.WithTask(taskID).WithAgent(reg.AgentID)
	if !r.Known() {
		if sub.Status != task.SubtaskUnknown {
			logger.Warn("progress report unreadable", "problem", r.Problem)
		}
		sub.Status = task.SubtaskUnknown
		return
	}

	if r.UpdatedAt.After(sub.UpdatedAt) {
		reg.LastActivity = now
		sub.UpdatedAt = r.UpdatedAt
	}
	changed := sub.Status != r.Status || sub.Progress != r.Progress || sub.Activity != r.Activity
	sub.Status = r.Status
	sub.Progress = r.Progress
	sub.Activity = r.Activity
	if changed {
		logger.Debug("agent progress", "status", string(r.Status), "progress", r.Progress)
		s.bus.Publish(event.NewAgentProgressEvent(reg.AgentID, sub.ID, string(r.Status), r.Progress, r.Activity))
	}
}

func (s *Supervisor) isStale(reg store.Registration, now time.Time) bool {
	return s.cfg.StaleTimeout > 0 && now.Sub(reg.LastActivity) > s.cfg.StaleTimeout
}

// Retry records an error entry for the agent, tears it down and spawns a
// replacement with the same role, scope and context. When the subtask has
// used all of its attempts no replacement is spawned: the subtask is marked
// FAILED and an AgentError wrapping ErrRetriesExhausted is returned. Since
// the registration is gone afterwards, exhaustion is reported once.
func (s *Supervisor) Retry(ctx context.Context, t *task.Task, reg store.Registration, cause error) (store.Registration, error) {
	sub := t.Subtask(reg.SubtaskID)
	if sub == nil {
		return store.Registration{}, errors.Wrapf(errors.ErrTaskNotFound, "subtask %s", reg.SubtaskID)
	}
	logger := s.logger.WithTask(t.ID).WithAgent(reg.AgentID)

	causeText := "unknown"
	if cause != nil {
		causeText = cause.Error()
	}
	t.Errors = append(t.Errors, task.ErrorEntry{
		ID:         uuid.NewString(),
		SubtaskID:  sub.ID,
		AgentID:    reg.AgentID,
		Cause:      causeText,
		LastStatus: sub.Status,
		Attempt:    reg.Attempt,
		At:         s.now(),
	})
	kind := "failed"
	switch {
	case errors.Is(cause, errors.ErrAgentStale):
		kind = "stale"
		s.metrics.Stale(ctx, reg.Role)
		s.bus.Publish(event.NewAgentStaleEvent(reg.AgentID, reg.SubtaskID, reg.LastActivity))
		logger.Warn("agent stale", "subtask_id", sub.ID, "last_activity", reg.LastActivity)
	case errors.Is(cause, errors.ErrAgentFailed):
		t.AddContext(s.failureContext(reg, sub))
	}

	if err := s.Teardown(ctx, reg, "retry"); err != nil {
		logger.Warn("teardown before retry incomplete", "error", err.Error())
	}

	if sub.Attempts >= s.cfg.MaxAttempts {
		sub.Status = task.SubtaskFailed
		logger.Error("subtask retries exhausted", "subtask_id", sub.ID, "attempts", sub.Attempts)
		return store.Registration{}, errors.NewAgentError(
			fmt.Sprintf("subtask %s failed %d attempts", sub.ID, sub.Attempts), errors.ErrRetriesExhausted,
		).WithAgent(reg.AgentID, sub.ID).WithAttempt(sub.Attempts).WithRetryable(false)
	}

	s.metrics.Retried(ctx, sub.Role, kind)

	next, err := s.Spawn(ctx, t, sub.ID)
	if err != nil {
		return store.Registration{}, err
	}
	logger.Info("agent retried", "subtask_id", sub.ID, "new_agent_id", next.AgentID, "attempt", next.Attempt)
	s.bus.Publish(event.NewAgentRetriedEvent(sub.ID, reg.AgentID, next.AgentID, next.Attempt, causeText))
	return next, nil
}

// Reset clears a subtask's attempt count so an operator retry gets a full
// set of attempts.
func (s *Supervisor) Reset(sub *task.Subtask) {
	sub.Attempts = 0
	sub.Status = task.SubtaskPending
}

// Teardown stops the agent's worker, removes its workspace and drops its
// registration. The agent branch is kept. Every step runs even when an
// earlier one fails; the errors are joined.
func (s *Supervisor) Teardown(ctx context.Context, reg store.Registration, reason string) error {
	logger := s.logger.WithTask(reg.TaskID).WithAgent(reg.AgentID)
	var errs []error

	// Workers started by an earlier engine process are unknown to the
	// launcher; signal them by pid. A known worker that exited was reaped,
	// and its pid may belong to another process by now.
	known := s.launcher.Known(reg.Slot)
	if err := s.launcher.Stop(reg.Slot); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	if !known && reg.PID > 0 {
		s.terminate(reg.PID)
	}
	if s.watcher != nil {
		s.watcher.Remove(reg.AgentID)
	}
	if err := s.workspaces.RemoveWorkspace(reg.Workspace); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}

	registry := s.store.LoadRegistry()
	if registry.Remove(reg.AgentID) {
		if err := s.store.SaveRegistry(registry); err != nil {
			errs = append(errs, fmt.Errorf("save registry: %w", err))
		}
	}

	logger.Info("agent torn down", "subtask_id", reg.SubtaskID, "reason", reason)
	s.bus.Publish(event.NewAgentStoppedEvent(reg.AgentID, reason))
	return errors.Join(errs...)
}

// TeardownTask tears down every agent of t and removes any workspace left
// at the task's agent paths. With discardBranches the agent branches are
// deleted too, which crash recovery and cancellation use so a later spawn
// starts from the task base.
func (s *Supervisor) TeardownTask(ctx context.Context, t *task.Task, discardBranches bool) error {
	var errs []error
	registry := s.store.LoadRegistry()
	for _, reg := range registry.ForTask(t.ID) {
		if err := s.Teardown(ctx, reg, "task teardown"); err != nil {
			errs = append(errs, err)
		}
	}

	for i := range t.Subtasks {
		sub := &t.Subtasks[i]
		if err := s.workspaces.RemoveWorkspace(worktree.WorkspacePath(s.cfg.WorktreeDir, t.ID, sub.Role)); err != nil {
			errs = append(errs, err)
		}
		if !discardBranches {
			continue
		}
		branch := worktree.AgentBranch(s.cfg.BranchPrefix, t.ID, sub.Role)
		if err := s.workspaces.DeleteBranch(branch); err != nil {
			errs = append(errs, err)
		}
		sub.Branch = ""
	}
	// Only succeeds once the task directory is empty.
	_ = s.fs.Remove(filepath.Join(s.cfg.WorktreeDir, t.ID))
	return errors.Join(errs...)
}

// failureContext summarises a failed attempt for the next agent.
func (s *Supervisor) failureContext(reg store.Registration, sub *task.Subtask) string {
	note := fmt.Sprintf("%s attempt %d failed", sub.Role, reg.Attempt)
	if sub.Activity != "" {
		note += " while: " + sub.Activity
	}
	if tail := readTail(s.LogPath(reg.AgentID), logTailBytes); tail != "" {
		note += "; " + rootCause(tail)
	}
	return note
}

// logTailBytes bounds how much of an agent log the root-cause pass reads.
const logTailBytes = 32 * 1024

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if _, err := f.Seek(max(0, info.Size()-n), io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
