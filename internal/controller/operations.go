package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/lane"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
)

// Reject targets.
const (
	TargetPlan           = "plan"
	TargetImplementation = "implementation"
	TargetAbandon        = "abandon"
)

// Override actions.
const (
	ActionRetry = "retry"
	ActionSkip  = "skip"
	ActionFail  = "fail"
)

// Submission is a new unit of work.
type Submission struct {
	Source      string
	Title       string
	Description string
	Hints       []string
}

// Submit records a PENDING task and appends it to the queue.
func (c *Controller) Submit(ctx context.Context, s Submission) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = summarize(s.Description)
	}
	if title == "" {
		return nil, errors.NewConfigError("task", "a title or description is required")
	}

	q := c.store.LoadQueue()
	t := task.New(task.NextID(c.now(), q.IDs()...), s.Source, title, s.Description, c.now())
	for _, h := range s.Hints {
		if h = lane.Normalize(h); h != "" {
			t.Hints = append(t.Hints, h)
		}
	}
	if err := c.store.SaveTask(t); err != nil {
		return nil, err
	}
	q.Enqueue(store.QueueEntry{ID: t.ID, Source: t.Source, Title: t.Title})
	if err := c.store.SaveQueue(q); err != nil {
		return nil, err
	}
	c.logger.WithTask(t.ID).Info("task submitted", "title", t.Title, "source", t.Source)
	return t, nil
}

// Approve passes the task's current human gate: the plan is approved and
// agents are spawned, a reviewed integration moves to final approval, or
// the final approval promotes the protected branch and completes the task.
func (c *Controller) Approve(ctx context.Context, taskID string) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}

	switch t.State {
	case task.WaitingApproval:
		if len(t.Subtasks) == 0 {
			return errors.NewConfigError("plan", "task has no subtasks to approve")
		}
		if len(t.Unassigned) > 0 && !t.PlanOverridden {
			return errors.NewConfigError("plan", fmt.Sprintf("paths %v belong to no lane; supply a plan or replan", t.Unassigned))
		}
		base, err := c.refs.ResolveRef(c.cfg.Protected)
		if err != nil {
			return err
		}
		t.Integration.BaseCommit = base
		if err := c.transition(ctx, t, task.Active, "plan approved"); err != nil {
			return err
		}
		if err := c.spawnMissing(ctx, t); err != nil {
			return errors.Join(err, c.persist(t))
		}

	case task.Review:
		if err := c.transition(ctx, t, task.WaitingFinal, "integration approved"); err != nil {
			return err
		}

	case task.WaitingFinal:
		sha, err := c.integ.Promote(ctx, t)
		if errors.Is(err, errors.ErrNotFastForward) {
			return c.restage(ctx, t)
		}
		if err != nil {
			return err
		}
		return c.finish(ctx, t, task.Complete, "promoted "+sha)

	default:
		return errors.NewTransitionError(t.ID, string(t.State), "approved")
	}
	return c.persist(t)
}

// restage rebuilds the integration on the moved protected branch. The
// agents' work is kept; the task returns to ACTIVE and is staged again on
// the next step.
func (c *Controller) restage(ctx context.Context, t *task.Task) error {
	base, err := c.refs.ResolveRef(c.cfg.Protected)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, t, task.Rejected, c.cfg.Protected+" moved since staging"); err != nil {
		return err
	}
	t.Integration.BaseCommit = base
	if err := c.transition(ctx, t, task.Active, "restaging on "+base); err != nil {
		return err
	}
	return c.persist(t)
}

// Reject sends the task back. At plan approval the plan is dropped and the
// task is planned again. After integration the target decides: "plan"
// discards the agents' work and replans, "implementation" re-activates the
// agents with the reason as context, and "abandon" fails a task under
// review.
func (c *Controller) Reject(ctx context.Context, taskID, reason, target string) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}
	if target == "" {
		target = TargetImplementation
	}
	note := "rejected"
	if reason != "" {
		note += ": " + reason
	}

	switch t.State {
	case task.WaitingApproval:
		if err := c.transition(ctx, t, task.Planning, note); err != nil {
			return err
		}
		t.AddContext(note)
		t.ClearPlan()
		return c.persist(t)

	case task.Review, task.WaitingFinal:
	default:
		return errors.NewTransitionError(t.ID, string(t.State), string(task.Rejected))
	}

	switch target {
	case TargetAbandon:
		return c.finish(ctx, t, task.Failed, note)

	case TargetPlan:
		if err := c.transition(ctx, t, task.Rejected, note); err != nil {
			return err
		}
		t.AddContext(note)
		if err := c.agents.TeardownTask(ctx, t, true); err != nil {
			c.logger.WithTask(t.ID).Warn("task teardown incomplete", "error", err.Error())
		}
		if err := c.integ.Discard(ctx, t); err != nil {
			c.logger.WithTask(t.ID).Warn("integration cleanup incomplete", "error", err.Error())
		}
		t.ClearPlan()
		t.TestAttempts = 0
		if err := c.transition(ctx, t, task.Planning, "replanning after rejection"); err != nil {
			return err
		}

	case TargetImplementation:
		if err := c.transition(ctx, t, task.Rejected, note); err != nil {
			return err
		}
		t.AddContext(note)
		c.reactivate(t)
		t.TestAttempts = 0
		if err := c.transition(ctx, t, task.Active, "reworking after rejection"); err != nil {
			return err
		}

	default:
		return errors.NewConfigError("target", fmt.Sprintf("unknown reject target %q", target))
	}
	return c.persist(t)
}

// Cancel ends a task. Queued tasks and tasks no agent has touched yet are
// cancelled directly; once agents hold workspaces force is required and
// everything the task holds is torn down.
func (c *Controller) Cancel(ctx context.Context, taskID string, force bool) error {
	q := c.store.LoadQueue()
	if taskID == "" {
		taskID = q.CurrentTaskID
	}
	if taskID == "" {
		return errors.ErrNoActiveTask
	}
	if _, queued := q.Find(taskID); !queued {
		return errors.Wrapf(errors.ErrTaskNotFound, "task %s is not queued", taskID)
	}
	t, err := c.store.LoadTask(taskID)
	if errors.Is(err, errors.ErrTaskNotFound) {
		q.Finish(taskID)
		return c.store.SaveQueue(q)
	}
	if err != nil {
		return err
	}

	if t.State.HoldsWorkspaces() && !force {
		return errors.Wrapf(errors.ErrCancelNotAllowed, "task %s is %s", t.ID, t.State)
	}
	reason := "cancelled"
	if force {
		reason = "cancelled (forced)"
	}
	return c.finish(ctx, t, task.Cancelled, reason)
}

// Resolve continues integration after an operator fixed a conflict in the
// integration worktree.
func (c *Controller) Resolve(ctx context.Context, taskID string) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}
	if t.State != task.NeedsHumanIntegration {
		return errors.NewTransitionError(t.ID, string(t.State), string(task.Active))
	}

	res, err := c.integ.Resume(ctx, t)
	if err != nil {
		if !errors.Is(err, errors.ErrConflictUnresolved) && ctx.Err() == nil {
			// The human's fix was accepted but the rest of the replay failed;
			// a later resolve retries it, an override retry or skip moves on.
			if eerr := c.escalate(ctx, t, "", "integration replay failed after conflict resolution: "+err.Error()); eerr != nil {
				err = errors.Join(err, eerr)
			}
		}
		if perr := c.persist(t); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	if res.Conflict != nil {
		// A later commit conflicted; the task stays at the gate.
		c.logger.WithTask(t.ID).Warn("integration hit another conflict",
			"conflict_id", res.Conflict.ID,
			"files", res.Conflict.Files())
		return c.persist(t)
	}
	if err := c.transition(ctx, t, task.Active, "conflict resolved"); err != nil {
		return err
	}
	if err := c.verify(ctx, t); err != nil {
		return errors.Join(err, c.persist(t))
	}
	return c.persist(t)
}

// Override settles an escalation. "retry" gives the subtask a fresh set of
// attempts, or for a task-level escalation a fresh verification budget.
// "skip" leaves the subtask out of the integration and "fail" ends the task.
func (c *Controller) Override(ctx context.Context, taskID, subtaskID, action string) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}
	if t.State != task.Escalated {
		return errors.NewTransitionError(t.ID, string(t.State), string(task.Active))
	}
	if action == ActionFail {
		reason := "failed by operator"
		if t.Escalation != nil {
			reason += ": " + t.Escalation.Reason
		}
		return c.finish(ctx, t, task.Failed, reason)
	}
	if subtaskID == "" && t.Escalation != nil {
		subtaskID = t.Escalation.SubtaskID
	}

	if t.OpenConflict() != nil {
		if action == ActionRetry && subtaskID == "" {
			// Back to the gate; the next resolve replays from the human's
			// commit again.
			t.Escalation = nil
			if err := c.transition(ctx, t, task.NeedsHumanIntegration, "override: retry integration"); err != nil {
				return err
			}
			return c.persist(t)
		}
		// Any other override changes what is integrated, so staging starts over.
		t.DiscardConflicts(c.now())
	}

	switch action {
	case ActionRetry:
		if subtaskID == "" {
			// The next step stages and verifies again; a failing gate then
			// re-activates the agents as usual.
			t.TestAttempts = 0
			break
		}
		sub := t.Subtask(subtaskID)
		if sub == nil {
			return errors.Wrapf(errors.ErrTaskNotFound, "subtask %s", subtaskID)
		}
		c.agents.Reset(sub)

	case ActionSkip:
		if subtaskID == "" {
			return errors.NewConfigError("subtask", "skip needs a subtask")
		}
		sub := t.Subtask(subtaskID)
		if sub == nil {
			return errors.Wrapf(errors.ErrTaskNotFound, "subtask %s", subtaskID)
		}
		sub.Skipped = true
		for _, reg := range c.registered(t) {
			if reg.SubtaskID != sub.ID {
				continue
			}
			if err := c.agents.Teardown(ctx, reg, "skipped"); err != nil {
				c.logger.WithTask(t.ID).WithAgent(reg.AgentID).Warn("teardown of skipped agent incomplete", "error", err.Error())
			}
		}

	default:
		return errors.NewConfigError("action", fmt.Sprintf("unknown override action %q", action))
	}

	t.Escalation = nil
	reason := action
	if subtaskID != "" {
		reason += " " + subtaskID
	}
	if err := c.transition(ctx, t, task.Active, "override: "+reason); err != nil {
		return err
	}
	return c.persist(t)
}

// OverridePlan replaces the resolver's plan with an operator-written one.
// The subtasks must name configured roles with pairwise disjoint scopes.
func (c *Controller) OverridePlan(ctx context.Context, taskID string, subtasks []lane.Subtask) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}
	if t.State != task.Planning && t.State != task.WaitingApproval {
		return errors.NewTransitionError(t.ID, string(t.State), string(task.WaitingApproval))
	}
	if len(subtasks) == 0 {
		return errors.NewConfigError("plan", "plan has no subtasks")
	}
	for i := range subtasks {
		for j, p := range subtasks[i].Scope {
			subtasks[i].Scope[j] = lane.Normalize(p)
		}
	}
	if err := c.lanes.ValidatePlan(subtasks); err != nil {
		return err
	}

	plan := lane.Plan{Subtasks: subtasks}
	t.SetPlan(plan.Roles(), plan.Scopes())
	t.PlanOverridden = true
	t.Unassigned = nil
	t.PlanError = ""
	if t.State == task.Planning {
		if err := c.transition(ctx, t, task.WaitingApproval, "plan supplied: "+subtaskList(t)); err != nil {
			return err
		}
	} else {
		c.logger.WithTask(t.ID).Info("plan replaced", "plan", subtaskList(t))
	}
	return c.persist(t)
}

// Replan drops the current plan so the next step plans again, picking up
// an edited lane configuration.
func (c *Controller) Replan(ctx context.Context, taskID string) error {
	t, err := c.target(taskID)
	if err != nil {
		return err
	}
	if t.State != task.Planning && t.State != task.WaitingApproval {
		return errors.NewTransitionError(t.ID, string(t.State), string(task.Planning))
	}
	if c.reloadLanes != nil {
		lanes, err := c.reloadLanes()
		if err != nil {
			return err
		}
		c.lanes = lanes
	}
	t.ClearPlan()
	if t.State == task.WaitingApproval {
		if err := c.transition(ctx, t, task.Planning, "replan requested"); err != nil {
			return err
		}
	}
	return c.persist(t)
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	Queue    store.Queue
	Current  store.CurrentTask
	Registry store.Registry
	// Task is the current task's record, nil when none is current.
	Task *task.Task
}

// Snapshot reads the engine state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	return ReadSnapshot(ctx, c.store)
}

// ReadSnapshot reads the engine state from a store without a Controller,
// which is how the status command sees a running engine.
func ReadSnapshot(ctx context.Context, st *store.Store) (Snapshot, error) {
	q, cur, reg, err := st.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Queue: q, Current: cur, Registry: reg}
	if q.CurrentTaskID != "" {
		t, err := st.LoadTask(q.CurrentTaskID)
		if err != nil && !errors.Is(err, errors.ErrTaskNotFound) {
			return snap, err
		}
		snap.Task = t
	}
	return snap, nil
}
