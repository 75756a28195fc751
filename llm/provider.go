package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout marks a generation that ran past its deadline.
	ErrTimeout = errors.New("llm: generation timed out")
	// ErrQuotaExceeded marks a provider rejecting the call for rate or quota reasons.
	ErrQuotaExceeded = errors.New("llm: quota exceeded")
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Generator turns a prompt into text. Implementations must honour ctx.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Name() string { return "func" }

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Disabled always fails, driving callers onto their heuristic fallbacks.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) Generate(context.Context, string) (string, error) {
	return "", fmt.Errorf("text generation disabled")
}

// Classify maps a raw provider or context error onto the package sentinels.
// Errors that already wrap a sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
