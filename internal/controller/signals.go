package controller

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/laneway/internal/lane"
	"github.com/Iron-Ham/laneway/internal/store"
)

// drainSignals applies the operator signals waiting in the inbox in the
// order they were posted. A signal that cannot be applied is logged and
// dropped; the operator sees the outcome in the task state.
func (c *Controller) drainSignals(ctx context.Context) {
	signals, err := c.store.PendingSignals()
	if err != nil {
		c.logger.Warn("signal inbox unreadable", "error", err.Error())
		return
	}
	for _, sig := range signals {
		logger := c.logger.With("signal_id", sig.ID, "kind", string(sig.Kind))
		if sig.TaskID != "" {
			logger = logger.WithTask(sig.TaskID)
		}
		if err := c.apply(ctx, sig); err != nil {
			logger.Warn("signal rejected", "error", err.Error())
		} else {
			logger.Info("signal applied")
		}
		if err := c.store.AckSignal(sig); err != nil {
			logger.Warn("signal not acknowledged", "error", err.Error())
		}
	}
}

// apply dispatches one signal to the matching operation.
func (c *Controller) apply(ctx context.Context, sig store.Signal) error {
	switch sig.Kind {
	case store.SignalSubmit:
		_, err := c.Submit(ctx, Submission{
			Source:      sig.Source,
			Title:       sig.Title,
			Description: sig.Description,
			Hints:       sig.Hints,
		})
		return err
	case store.SignalApprove:
		return c.Approve(ctx, sig.TaskID)
	case store.SignalReject:
		return c.Reject(ctx, sig.TaskID, sig.Reason, sig.Target)
	case store.SignalCancel:
		return c.Cancel(ctx, sig.TaskID, sig.Force)
	case store.SignalResolve:
		return c.Resolve(ctx, sig.TaskID)
	case store.SignalOverride:
		return c.Override(ctx, sig.TaskID, sig.SubtaskID, sig.Action)
	case store.SignalReplan:
		return c.Replan(ctx, sig.TaskID)
	case store.SignalPlan:
		subtasks := make([]lane.Subtask, len(sig.Plan))
		for i, p := range sig.Plan {
			subtasks[i] = lane.Subtask{Role: p.Role, Scope: p.Paths}
		}
		return c.OverridePlan(ctx, sig.TaskID, subtasks)
	}
	return fmt.Errorf("unknown signal kind %q", sig.Kind)
}
