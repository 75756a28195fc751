package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flaky struct {
	calls    int
	failTill int
	err      error
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Generate(context.Context, string) (string, error) {
	f.calls++
	if f.calls <= f.failTill {
		return "", f.err
	}
	return "ok", nil
}

func TestWithRetry_RecoversFromQuota(t *testing.T) {
	f := &flaky{failTill: 2, err: errors.New("Error 429")}
	gen := WithRetry(f, RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	out, err := gen.Generate(context.Background(), "p")
	if err != nil || out != "ok" {
		t.Fatalf("expected recovery, got %q %v", out, err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if gen.Name() != "flaky" {
		t.Fatalf("name must pass through, got %q", gen.Name())
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	f := &flaky{failTill: 10, err: errors.New("quota exceeded")}
	gen := WithRetry(f, RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	_, err := gen.Generate(context.Background(), "p")
	if !errors.Is(err, ErrQuotaExceeded) || f.calls != 2 {
		t.Fatalf("expected quota error after 2 calls, got %v after %d", err, f.calls)
	}
}

func TestWithRetry_DoesNotRetryTimeouts(t *testing.T) {
	f := &flaky{failTill: 10, err: context.DeadlineExceeded}
	gen := WithRetry(f, RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	if _, err := gen.Generate(context.Background(), "p"); !errors.Is(err, ErrTimeout) || f.calls != 1 {
		t.Fatalf("expected a single timed out call, got %v after %d", err, f.calls)
	}
}

func TestWithRetry_RespectsDeadline(t *testing.T) {
	f := &flaky{failTill: 10, err: errors.New("boom")}
	gen := WithRetry(f, RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := gen.Generate(ctx, "p"); err == nil {
		t.Fatalf("expected error")
	}
	if f.calls != 1 || time.Since(start) > 500*time.Millisecond {
		t.Fatalf("backoff longer than the deadline must not be waited out: %d calls in %v", f.calls, time.Since(start))
	}
}

func TestWithRetry_Passthrough(t *testing.T) {
	if _, ok := WithRetry(Disabled{}, RetryPolicy{MaxAttempts: 3}).(Disabled); !ok {
		t.Fatalf("disabled generator must not be wrapped")
	}
	f := &flaky{}
	if WithRetry(f, RetryPolicy{}) != Generator(f) {
		t.Fatalf("single attempt policy must not wrap")
	}
}

func TestBackoffForAttempt(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond} {
		if got := p.backoffForAttempt(i + 1); got != want {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, want)
		}
	}
}
