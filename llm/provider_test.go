package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout},
		{"http 429", errors.New("Error 429, Message: Resource has been exhausted"), ErrQuotaExceeded},
		{"grpc status", errors.New("rpc error: code = RESOURCE_EXHAUSTED"), ErrQuotaExceeded},
		{"already wrapped", fmt.Errorf("gemini: %w", ErrQuotaExceeded), ErrQuotaExceeded},
		{"client timeout", errors.New("Client.Timeout exceeded while awaiting headers"), ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("Classify(%v) = %v, want wrapping %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestClassify_PassesOtherErrorsThrough(t *testing.T) {
	base := errors.New("connection refused")
	got := Classify(base)
	if got != base {
		t.Fatalf("expected untouched error, got %v", got)
	}
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil")
	}
}

func TestGeneratorFunc(t *testing.T) {
	var g Generator = GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		return "echo:" + prompt, nil
	})
	out, err := g.Generate(context.Background(), "hi")
	if err != nil || out != "echo:hi" {
		t.Fatalf("unexpected result %q, %v", out, err)
	}
	if _, err := (Disabled{}).Generate(context.Background(), "x"); err == nil {
		t.Fatalf("expected disabled generator to fail")
	}
}
