package session

import (
	"context"
	"errors"
	"time"

	"signalpoint/internal/persistence"
)

// observe wraps a user operation in a span, a metric and a log line.
// "Nothing to do" outcomes are logged at info level and counted as success.
func (c *Controller) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	benign := errors.Is(err, ErrNothingToSave) || errors.Is(err, persistence.ErrNotFound)
	c.metrics.Observe(ctx, op, err == nil || benign, time.Since(start))
	switch {
	case err == nil:
		c.logger.Debug(op+" completed", "duration", time.Since(start))
	case benign:
		c.logger.Info(op+": nothing to do", "reason", err)
	default:
		c.logger.Error(op+" failed", "error", err)
	}
	return err
}
