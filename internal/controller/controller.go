// Package controller drives tasks through their lifecycle. It owns the
// queue, decides when agents are spawned, when a task is integrated and
// verified, and applies operator decisions.
//
// Every mutation goes through the store. A Controller is used from one
// goroutine at a time: the run loop calls Step on the poll interval and
// operator signals are applied between steps.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/laneway/internal/analysis"
	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/lane"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/telemetry"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

// Config holds the controller settings.
type Config struct {
	// RepoRoot is searched for paths named in task descriptions.
	RepoRoot string
	// Protected is the branch approval pins the task base to and the final
	// approval promotes.
	Protected string
	// MaxTestRetries bounds verification failures before escalation.
	MaxTestRetries int
	PollInterval   time.Duration
}

// Controller runs the task lifecycle.
type Controller struct {
	store  *store.Store
	lanes  *lane.Resolver
	agents Supervisor
	integ  Integrator
	refs   Refs
	cfg    Config

	impact      ImpactFunc
	reloadLanes func() (*lane.Resolver, error)
	sharedEdits SharedEditSource
	archive     Archiver
	bus         *event.Bus
	logger      *logging.Logger
	telemetry   *telemetry.Provider
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithBus sets the event bus.
func WithBus(b *event.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithTelemetry sets the span and metric provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(c *Controller) { c.telemetry = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithArchive records finished tasks.
func WithArchive(a Archiver) Option {
	return func(c *Controller) { c.archive = a }
}

// WithImpact replaces the pre-analysis used for planning.
func WithImpact(f ImpactFunc) Option {
	return func(c *Controller) { c.impact = f }
}

// WithLaneSource lets Replan pick up an edited lane configuration.
func WithLaneSource(load func() (*lane.Resolver, error)) Option {
	return func(c *Controller) { c.reloadLanes = load }
}

// WithSharedEdits records shared paths several agents wrote on the task.
func WithSharedEdits(src SharedEditSource) Option {
	return func(c *Controller) { c.sharedEdits = src }
}

// New creates a Controller.
func New(st *store.Store, lanes *lane.Resolver, agents Supervisor, integ Integrator, refs Refs, cfg Config, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Protected == "" {
		cfg.Protected = "main"
	}
	c := &Controller{
		store:     st,
		lanes:     lanes,
		agents:    agents,
		integ:     integ,
		refs:      refs,
		cfg:       cfg,
		archive:   nopArchive{},
		logger:    logging.NopLogger(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
	}
	fs := afero.NewOsFs()
	c.impact = func(description string, hints []string) []string {
		return analysis.Impact(fs, cfg.RepoRoot, description, hints)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// target loads the current task. A non-empty taskID must name it.
func (c *Controller) target(taskID string) (*task.Task, error) {
	q := c.store.LoadQueue()
	if q.CurrentTaskID == "" {
		return nil, errors.ErrNoActiveTask
	}
	if taskID != "" && taskID != q.CurrentTaskID {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "task %s is not the active task (%s)", taskID, q.CurrentTaskID)
	}
	return c.store.LoadTask(q.CurrentTaskID)
}

// persist saves the task record and mirrors it into the current-task record.
func (c *Controller) persist(t *task.Task) error {
	if err := c.store.SaveTask(t); err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return nil
	}
	prev := c.store.LoadCurrent()
	started := prev.Started
	if prev.ID != t.ID || started.IsZero() {
		started = c.now()
	}
	registry := c.store.LoadRegistry()
	agents := []string{}
	for _, reg := range registry.ForTask(t.ID) {
		agents = append(agents, reg.AgentID)
	}
	return c.store.SaveCurrent(store.CurrentTask{
		ID:      t.ID,
		State:   string(t.State),
		Started: started,
		Agents:  agents,
	})
}

// transition moves t to state to and announces the change.
func (c *Controller) transition(ctx context.Context, t *task.Task, to task.State, reason string) error {
	from := t.State
	if err := t.TransitionTo(to, reason, c.now()); err != nil {
		return err
	}
	c.telemetry.Metrics.Transitioned(ctx, string(from), string(to))
	c.bus.Publish(event.NewTaskTransitionedEvent(t.ID, string(from), string(to), reason))
	c.logger.WithTask(t.ID).WithState(string(to)).Info("task transitioned",
		"from", string(from),
		"reason", reason)
	return nil
}

// escalate hands the task to an operator. A task already escalated is left
// alone so a burst of failures produces one escalation.
func (c *Controller) escalate(ctx context.Context, t *task.Task, subtaskID, reason string) error {
	if t.State == task.Escalated {
		return nil
	}
	if err := c.transition(ctx, t, task.Escalated, reason); err != nil {
		return err
	}
	t.Escalation = &task.Escalation{Reason: reason, SubtaskID: subtaskID, At: c.now()}
	c.telemetry.Metrics.Escalated(ctx)
	c.bus.Publish(event.NewTaskEscalatedEvent(t.ID, subtaskID, reason))
	c.logger.WithTask(t.ID).Error("task escalated", "subtask_id", subtaskID, "reason", reason)
	return nil
}

// finish moves t to a terminal state, tears down everything it holds,
// archives the record and removes it from the queue.
func (c *Controller) finish(ctx context.Context, t *task.Task, to task.State, reason string) error {
	if err := c.transition(ctx, t, to, reason); err != nil {
		return err
	}
	logger := c.logger.WithTask(t.ID)

	if len(t.Subtasks) > 0 {
		if err := c.agents.TeardownTask(ctx, t, true); err != nil {
			logger.Warn("task teardown incomplete", "error", err.Error())
		}
	}
	if t.Integration.Branch != "" {
		kept := t.Integration
		if err := c.integ.Discard(ctx, t); err != nil {
			logger.Warn("integration cleanup incomplete", "error", err.Error())
		}
		// The record keeps what was staged and promoted.
		t.Integration = kept
	}

	if err := c.store.SaveTask(t); err != nil {
		return err
	}
	if err := c.archive.Record(ctx, t, c.now()); err != nil {
		logger.Warn("task not archived", "error", err.Error())
	}
	if err := c.store.ArchiveTask(t.ID); err != nil {
		return err
	}

	q := c.store.LoadQueue()
	wasCurrent := q.CurrentTaskID == t.ID
	q.Finish(t.ID)
	if err := c.store.SaveQueue(q); err != nil {
		return err
	}
	if wasCurrent {
		if err := c.store.ClearCurrent(); err != nil {
			return err
		}
	}
	logger.Info("task finished", "state", string(t.State), "reason", reason)
	return nil
}

type nopArchive struct{}

func (nopArchive) Record(context.Context, *task.Task, time.Time) error { return nil }

// summarize derives a title from the first line of a description.
func summarize(description string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(description), "\n")
	const limit = 72
	if len(line) > limit {
		line = strings.TrimSpace(line[:limit]) + "..."
	}
	return line
}

func subtaskList(t *task.Task) string {
	parts := make([]string, len(t.Subtasks))
	for i, s := range t.Subtasks {
		parts[i] = fmt.Sprintf("%s=%s", s.Role, strings.Join(s.Scope, ","))
	}
	return strings.Join(parts, " ")
}
