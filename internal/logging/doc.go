// Package logging provides structured logging for the laneway engine.
//
// The engine log is a JSON-lines file at {state_dir}/engine.log written
// through log/slog. Every entry carries the attributes of the child logger
// that produced it, so filtering by task_id or agent_id reconstructs the
// history of a single task or worker.
//
//	logger, err := logging.NewLogger(".laneway", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	taskLog := logger.WithTask(task.ID)
//	taskLog.Info("state transition", "from", "PLANNING", "to", "WAITING_APPROVAL")
//
// The file is rotated by [RotatingWriter] once it exceeds the configured
// size. All types are safe for concurrent use; child loggers share the
// parent's writer.
package logging
