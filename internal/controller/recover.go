package controller

import (
	"context"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/task"
)

// restartReason is recorded in the history of a task restarted after a crash.
const restartReason = "engine restarted; agent progress discarded"

// Recover brings the store back to a consistent state after the engine
// stopped without tearing down. Agent liveness cannot be verified across a
// restart, so every registered agent is torn down, the registry and
// current-task record are cleared, and the queue's current task is
// restarted at PLANNING with its workspaces, agent branches and
// integration discarded.
func (c *Controller) Recover(ctx context.Context) error {
	ctx, span := c.telemetry.StartSpan(ctx, "controller.recover")
	defer span.End()

	q, _, registry, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, reg := range registry.Agents {
		if err := c.agents.Teardown(ctx, reg, "engine restart"); err != nil {
			c.logger.WithAgent(reg.AgentID).Warn("teardown during recovery incomplete", "error", err.Error())
		}
	}

	if q.CurrentTaskID != "" {
		if err := c.restart(ctx, q.CurrentTaskID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.store.ClearRegistry(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.ClearCurrent(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) restart(ctx context.Context, id string) error {
	logger := c.logger.WithTask(id)
	t, err := c.store.LoadTask(id)
	if errors.Is(err, errors.ErrTaskNotFound) {
		logger.Warn("current task has no record; dropping it from the queue")
		q := c.store.LoadQueue()
		q.Finish(id)
		return c.store.SaveQueue(q)
	}
	if err != nil {
		return err
	}

	if t.State.IsTerminal() {
		// The engine stopped between finishing the task and updating the queue.
		q := c.store.LoadQueue()
		q.Finish(id)
		if err := c.store.SaveQueue(q); err != nil {
			return err
		}
		return c.store.ArchiveTask(id)
	}
	if t.State == task.Pending {
		return nil
	}

	if err := c.agents.TeardownTask(ctx, t, true); err != nil {
		logger.Warn("task teardown during recovery incomplete", "error", err.Error())
	}
	if t.Integration.Branch != "" {
		if err := c.integ.Discard(ctx, t); err != nil {
			logger.Warn("integration cleanup during recovery incomplete", "error", err.Error())
		}
	}

	from := t.State
	t.Restart(restartReason, c.now())
	if from != task.Planning {
		c.telemetry.Metrics.Transitioned(ctx, string(from), string(task.Planning))
		c.bus.Publish(event.NewTaskTransitionedEvent(t.ID, string(from), string(task.Planning), restartReason))
	}
	logger.Warn("task restarted after engine restart", "from", string(from))
	return c.store.SaveTask(t)
}
