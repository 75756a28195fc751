package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func normalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	return out
}

func (p RetryPolicy) backoffForAttempt(retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(delay, p.MaxBackoff)
}

// WithRetry retries failed generations with exponential backoff. Timeouts
// are not retried, and no retry starts once the remaining deadline is
// shorter than the backoff. A single-attempt policy returns gen unchanged.
func WithRetry(gen Generator, policy RetryPolicy) Generator {
	policy = normalizeRetryPolicy(policy)
	if _, off := gen.(Disabled); off || policy.MaxAttempts == 1 {
		return gen
	}
	return &retrying{gen: gen, policy: policy}
}

type retrying struct {
	gen    Generator
	policy RetryPolicy
}

func (r *retrying) Name() string { return r.gen.Name() }

func (r *retrying) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	attempt := 1
	for ; attempt <= r.policy.MaxAttempts; attempt++ {
		out, err := r.gen.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = Classify(err)
		if attempt == r.policy.MaxAttempts || errors.Is(lastErr, ErrTimeout) || ctx.Err() != nil {
			break
		}

		backoff := r.policy.backoffForAttempt(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < backoff {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", Classify(ctx.Err())
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("provider %q failed after %d attempt(s): %w", r.gen.Name(), min(attempt, r.policy.MaxAttempts), lastErr)
}
