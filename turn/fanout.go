package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultBackgroundTimeout = 10 * time.Second

// FanOut runs work detached from the request. Each job gets its own
// deadline; a job still running at the deadline is cancelled and logged.
// Failures never reach the caller.
type FanOut struct {
	timeout time.Duration
	logger  *slog.Logger
	group   errgroup.Group
}

func NewFanOut(timeout time.Duration, logger *slog.Logger) *FanOut {
	if timeout <= 0 {
		timeout = DefaultBackgroundTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{timeout: timeout, logger: logger}
}

// Go starts fn. ctx supplies values only; its cancellation is ignored.
func (f *FanOut) Go(ctx context.Context, name, conversationID string, fn func(context.Context) error) {
	f.group.Go(func() error {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		start := time.Now()
		err := fn(jobCtx)
		switch {
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			f.logger.Warn("background job cancelled at deadline",
				slog.String("job", name),
				slog.String("conversation_id", conversationID),
				slog.Duration("timeout", f.timeout))
		case err != nil:
			f.logger.Warn("background job failed",
				slog.String("job", name),
				slog.String("conversation_id", conversationID),
				slog.Any("error", err))
		default:
			f.logger.Debug("background job done",
				slog.String("job", name),
				slog.String("conversation_id", conversationID),
				slog.Duration("elapsed", time.Since(start)))
		}
		return nil
	})
}

// Wait blocks until every started job has returned.
func (f *FanOut) Wait() {
	_ = f.group.Wait()
}
