package event

import (
	"github.com/Iron-Ham/laneway/internal/logging"
)

// AttachLogger subscribes a handler that writes every engine event to the
// log. Agent output goes to per-agent files and is skipped here.
func AttachLogger(bus *Bus, logger *logging.Logger) string {
	return bus.SubscribeAll(func(e Event) {
		switch ev := e.(type) {
		case AgentOutputEvent:
			return
		case TaskTransitionedEvent:
			logger.WithTask(ev.TaskID).Info("task transitioned",
				"from", ev.From, "to", ev.To, "reason", ev.Reason)
		case TaskEscalatedEvent:
			logger.WithTask(ev.TaskID).Warn("task escalated",
				"subtask_id", ev.SubtaskID, "reason", ev.Reason)
		case AgentSpawnedEvent:
			logger.WithTask(ev.TaskID).WithAgent(ev.AgentID).Info("agent spawned",
				"subtask_id", ev.SubtaskID, "role", ev.Role, "workspace", ev.Workspace, "attempt", ev.Attempt)
		case AgentProgressEvent:
			logger.WithAgent(ev.AgentID).Debug("agent progress",
				"status", ev.Status, "progress", ev.Progress, "activity", ev.Activity)
		case AgentStaleEvent:
			logger.WithAgent(ev.AgentID).Warn("agent stale",
				"subtask_id", ev.SubtaskID, "last_activity", ev.LastActivity)
		case AgentRetriedEvent:
			logger.WithAgent(ev.NewAgentID).Warn("agent retried",
				"subtask_id", ev.SubtaskID, "replaces", ev.OldAgentID, "attempt", ev.Attempt, "cause", ev.Cause)
		case AgentStoppedEvent:
			logger.WithAgent(ev.AgentID).Info("agent stopped", "reason", ev.Reason)
		case LaneViolationEvent:
			logger.WithAgent(ev.AgentID).Warn("write outside lane",
				"role", ev.Role, "path", ev.Path, "owner", ev.Owner)
		case SharedEditEvent:
			logger.Warn("shared path edited by several agents",
				"path", ev.Path, "agents", ev.Agents)
		case IntegrationStagedEvent:
			logger.WithTask(ev.TaskID).Info("integration staged",
				"head", ev.Head, "applied", ev.Applied, "auto_resolved", ev.AutoResolved)
		case ConflictOpenedEvent:
			logger.WithTask(ev.TaskID).Warn("integration conflict",
				"conflict_id", ev.ConflictID, "files", ev.Files, "report", ev.ReportPath)
		case ConflictResolvedEvent:
			logger.WithTask(ev.TaskID).Info("conflict resolved", "conflict_id", ev.ConflictID)
		case VerificationEvent:
			logger.WithTask(ev.TaskID).Info("verification finished",
				"passed", ev.Passed, "duration", ev.Duration.String())
		default:
			logger.Debug("event", "type", e.EventType())
		}
	})
}
