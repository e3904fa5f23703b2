package controller

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/laneway/internal/analysis"
	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/supervisor"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/telemetry"
)

// Step runs one scheduling pass: pending operator signals are applied, the
// next queued task is activated when none is current, and the current task
// is advanced as far as it can go without waiting. Tasks parked at a human
// gate are left untouched.
func (c *Controller) Step(ctx context.Context) error {
	ctx, span := c.telemetry.StartSpan(ctx, "controller.step")
	defer span.End()

	c.drainSignals(ctx)

	t, err := c.activate(ctx)
	if err != nil || t == nil {
		return err
	}
	span.SetAttributes(telemetry.AttrTaskID.String(t.ID), telemetry.AttrState.String(string(t.State)))

	var stepErr error
	switch t.State {
	case task.Planning:
		stepErr = c.plan(ctx, t)
	case task.Active:
		stepErr = c.drive(ctx, t)
	case task.TestFailed:
		stepErr = c.retryTests(ctx, t)
	}
	if err := c.persist(t); err != nil {
		return errors.Join(stepErr, err)
	}
	return stepErr
}

// activate returns the current task, promoting the oldest queued task to
// current when there is none. It returns nil when the queue is empty.
func (c *Controller) activate(ctx context.Context) (*task.Task, error) {
	for {
		q := c.store.LoadQueue()
		next, ok := q.Next()
		if !ok {
			return nil, nil
		}
		t, err := c.store.LoadTask(next.ID)
		if errors.Is(err, errors.ErrTaskNotFound) {
			// A queue entry without a record cannot be worked on.
			c.logger.WithTask(next.ID).Warn("queued task has no record; dropping it")
			q.Finish(next.ID)
			if err := c.store.SaveQueue(q); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if q.CurrentTaskID != t.ID {
			q.CurrentTaskID = t.ID
			if err := c.store.SaveQueue(q); err != nil {
				return nil, err
			}
		}
		if t.State == task.Pending {
			if err := c.transition(ctx, t, task.Planning, "activated"); err != nil {
				return nil, err
			}
			if err := c.persist(t); err != nil {
				return nil, err
			}
		}
		return t, nil
	}
}

// plan resolves the task's impact into subtasks and parks it for approval.
// A lane overlap is held on the task until an operator replans or supplies
// a plan.
func (c *Controller) plan(ctx context.Context, t *task.Task) error {
	if t.PlanError != "" {
		return nil
	}
	logger := c.logger.WithTask(t.ID)

	impact := c.impact(t.Description, t.Hints)
	p, err := c.lanes.Resolve(impact)
	if err != nil {
		t.PlanError = err.Error()
		logger.Error("planning failed", "error", err.Error(), "impact", impact)
		return nil
	}
	if len(p.Subtasks) == 0 {
		t.PlanError = fmt.Sprintf("no lane covers the task impact %v", impact)
		t.Unassigned = p.Unassigned
		logger.Warn("planning found no lane", "impact", impact)
		return nil
	}

	t.SetPlan(p.Roles(), p.Scopes())
	t.Shared = p.Shared
	t.Unassigned = p.Unassigned
	if len(p.Unassigned) > 0 {
		logger.Warn("impact not covered by any lane", "paths", p.Unassigned)
	}
	return c.transition(ctx, t, task.WaitingApproval, "plan ready: "+subtaskList(t))
}

// spawnMissing starts an agent for every subtask that still needs one, in
// plan order.
func (c *Controller) spawnMissing(ctx context.Context, t *task.Task) error {
	registry := c.store.LoadRegistry()
	for i := range t.Subtasks {
		sub := &t.Subtasks[i]
		if sub.Done() || sub.Status == task.SubtaskFailed {
			continue
		}
		if _, live := registry.ForSubtask(sub.ID); live {
			continue
		}
		if _, err := c.agents.Spawn(ctx, t, sub.ID); err != nil {
			return c.escalate(ctx, t, sub.ID, "spawn failed: "+err.Error())
		}
	}
	return nil
}

// drive polls the task's agents, retries the ones that failed or went
// stale and stages the integration once every subtask is done.
func (c *Controller) drive(ctx context.Context, t *task.Task) error {
	if err := c.spawnMissing(ctx, t); err != nil || t.State != task.Active {
		return err
	}

	statuses, err := c.agents.Poll(ctx, t)
	if err != nil {
		return err
	}
	// Before completed agents are torn down and forgotten by the watcher.
	c.recordSharedEdits(t, statuses)
	for _, st := range statuses {
		if st.Status == task.SubtaskComplete {
			if err := c.agents.Teardown(ctx, st.Registration, "complete"); err != nil {
				c.logger.WithTask(t.ID).WithAgent(st.Registration.AgentID).Warn("teardown after completion incomplete", "error", err.Error())
			}
			continue
		}
		failure := st.Failure()
		if failure == nil {
			continue
		}
		if _, err := c.agents.Retry(ctx, t, st.Registration, failure); err != nil {
			return c.escalate(ctx, t, st.Registration.SubtaskID, err.Error())
		}
	}

	if t.AllDone() {
		return c.integrate(ctx, t)
	}
	return nil
}

// recordSharedEdits notes on t the shared paths its agents wrote in
// parallel. Integration reconciles them; the record tells the operator where
// to look.
func (c *Controller) recordSharedEdits(t *task.Task, statuses []supervisor.Status) {
	if c.sharedEdits == nil {
		return
	}
	roles := make(map[string]string, len(statuses))
	for _, st := range statuses {
		roles[st.Registration.AgentID] = st.Registration.Role
	}
	for _, edit := range c.sharedEdits.SharedEdits() {
		var editors []string
		for _, id := range edit.Agents {
			if role, ok := roles[id]; ok {
				editors = append(editors, role)
			}
		}
		if len(editors) > 1 && t.RecordSharedEdit(edit.Path, editors) {
			c.logger.WithTask(t.ID).Warn("shared path edited by several agents", "path", edit.Path, "roles", editors)
		}
	}
}

// integrate stages the finished subtasks and runs the verification gate.
func (c *Controller) integrate(ctx context.Context, t *task.Task) error {
	if err := c.agents.TeardownTask(ctx, t, false); err != nil {
		c.logger.WithTask(t.ID).Warn("workspace cleanup before staging incomplete", "error", err.Error())
	}
	res, err := c.integ.Stage(ctx, t)
	if err != nil {
		return c.escalate(ctx, t, "", "integration failed: "+err.Error())
	}
	if res.Conflict != nil {
		return c.transition(ctx, t, task.NeedsHumanIntegration,
			fmt.Sprintf("conflict %s in %v", res.Conflict.ID, res.Conflict.Files()))
	}
	return c.verify(ctx, t)
}

// verify runs the verification gate on the staged integration branch.
func (c *Controller) verify(ctx context.Context, t *task.Task) error {
	v, err := c.integ.Finalize(ctx, t)
	switch {
	case err == nil:
		return c.transition(ctx, t, task.Review, "integration staged and verified at "+t.Integration.Head)
	case errors.Is(err, errors.ErrVerificationFailed):
		t.TestAttempts++
		summary := analysis.RootCause(v.Output)
		t.AddContext(fmt.Sprintf("verification failed (attempt %d): %s", t.TestAttempts, summary))
		if err := c.transition(ctx, t, task.TestFailed, "verification failed"); err != nil {
			return err
		}
		return c.retryTests(ctx, t)
	default:
		return c.escalate(ctx, t, "", "verification could not run: "+err.Error())
	}
}

// retryTests re-activates the agents after a verification failure, or
// escalates once the retry budget is spent.
func (c *Controller) retryTests(ctx context.Context, t *task.Task) error {
	if t.TestAttempts > c.cfg.MaxTestRetries {
		return c.escalate(ctx, t, "", fmt.Sprintf("verification failed %d times", t.TestAttempts))
	}
	c.reactivate(t)
	return c.transition(ctx, t, task.Active, fmt.Sprintf("retrying after verification failure %d", t.TestAttempts))
}

// reactivate returns every non-skipped subtask to PENDING with a fresh set
// of attempts. Agent branches are kept so the next agent continues from
// the previous one's commits.
func (c *Controller) reactivate(t *task.Task) {
	for i := range t.Subtasks {
		if t.Subtasks[i].Skipped {
			continue
		}
		c.agents.Reset(&t.Subtasks[i])
	}
}

// registered reports the registrations of t that are still live.
func (c *Controller) registered(t *task.Task) []store.Registration {
	registry := c.store.LoadRegistry()
	return registry.ForTask(t.ID)
}
