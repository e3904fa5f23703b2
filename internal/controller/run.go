package controller

import (
	"context"
	"fmt"
	"time"
)

// Run recovers the store and then steps the lifecycle on the poll interval
// until ctx is cancelled. Only one engine may run against a state
// directory; a second one fails instead of waiting.
func (c *Controller) Run(ctx context.Context) error {
	if lock := c.store.EngineLock(); lock != nil {
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire engine lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another engine is running against %s", c.store.Dir())
		}
		defer func() { _ = lock.Unlock() }()
	}

	if err := c.Recover(ctx); err != nil {
		c.logger.Error("recovery incomplete", "error", err.Error())
	}
	c.logger.Info("engine started", "poll_interval", c.cfg.PollInterval.String())

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.Step(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("step failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			c.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}
