package controller

import (
	"context"
	"time"

	"github.com/Iron-Ham/laneway/internal/integration"
	"github.com/Iron-Ham/laneway/internal/lanewatch"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/supervisor"
	"github.com/Iron-Ham/laneway/internal/task"
)

// Supervisor runs the agents of the active task.
type Supervisor interface {
	// Spawn starts one agent for a subtask in a fresh workspace.
	Spawn(ctx context.Context, t *task.Task, subtaskID string) (store.Registration, error)

	// Poll copies every live agent's progress report into t.
	Poll(ctx context.Context, t *task.Task) ([]supervisor.Status, error)

	// Retry replaces a stale or failed agent. Once a subtask has used all
	// of its attempts it returns an error wrapping ErrRetriesExhausted.
	Retry(ctx context.Context, t *task.Task, reg store.Registration, cause error) (store.Registration, error)

	// Reset gives a subtask a fresh set of attempts.
	Reset(sub *task.Subtask)

	// Teardown stops one agent and removes its workspace and registration.
	Teardown(ctx context.Context, reg store.Registration, reason string) error

	// TeardownTask tears down every agent of t. With discardBranches the
	// agent branches are deleted as well.
	TeardownTask(ctx context.Context, t *task.Task, discardBranches bool) error
}

// Integrator stages, verifies and promotes a task's integration branch.
type Integrator interface {
	Stage(ctx context.Context, t *task.Task) (integration.Result, error)
	Resume(ctx context.Context, t *task.Task) (integration.Result, error)
	Finalize(ctx context.Context, t *task.Task) (integration.Verification, error)
	Promote(ctx context.Context, t *task.Task) (string, error)
	Discard(ctx context.Context, t *task.Task) error
}

// Refs resolves git refs. Approval pins the task base to the protected
// branch tip through it.
type Refs interface {
	ResolveRef(ref string) (string, error)
}

// Archiver records finished tasks.
type Archiver interface {
	Record(ctx context.Context, t *task.Task, finishedAt time.Time) error
}

// SharedEditSource lists shared paths written by more than one live agent.
type SharedEditSource interface {
	SharedEdits() []lanewatch.SharedEdit
}

// ImpactFunc estimates the directories a task touches.
type ImpactFunc func(description string, hints []string) []string

var (
	_ Supervisor       = (*supervisor.Supervisor)(nil)
	_ Integrator       = (*integration.Resolver)(nil)
	_ SharedEditSource = (*lanewatch.Watcher)(nil)
)
