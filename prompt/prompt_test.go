package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSpecRender(t *testing.T) {
	spec := Spec{Name: "greeting", Version: "v2", Template: "Hello {{ name }}, you are {{role}}. Bye {{name}}."}
	out, err := spec.Render(map[string]string{"name": "{{role}}", "role": "here"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Hello {{role}}, you are here. Bye {{role}}." {
		t.Fatalf("values must be inserted verbatim, got %q", out)
	}
	if got := spec.Variables(); len(got) != 2 || got[0] != "name" || got[1] != "role" {
		t.Fatalf("unexpected variables %v", got)
	}

	_, err = Spec{Name: "pair", Template: "{{a}} {{b}} {{b}}"}.Render(map[string]string{"a": "x"})
	if !errors.Is(err, ErrMissingVariables) {
		t.Fatalf("expected ErrMissingVariables, got %v", err)
	}
	if !strings.Contains(err.Error(), "prompt pair:") || !strings.HasSuffix(err.Error(), ": b") {
		t.Fatalf("error should name the prompt and variable once, got %v", err)
	}
}

func TestDefault_RendersBuiltins(t *testing.T) {
	r := Default()
	out, err := r.Execute(CheckpointEvaluator, map[string]string{
		"checkpoint": "Where does it hurt?",
		"expected":   "pain_location",
		"context":    "Patient: my back",
		"text":       "lower back",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, want := range []string{"CHECKPOINT: Where does it hurt?", "EXPECTED: pain_location", `"lower back"`, "Complete: [Yes/No]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered prompt missing %q:\n%s", want, out)
		}
	}
	if _, err := r.Execute("unknown", nil); err == nil {
		t.Fatalf("expected unknown prompt error")
	}
}

func TestResolve_PicksHighestVersion(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Spec{Name: "X", Version: "v1", Template: "one"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(Spec{Name: "x", Version: "v2", Template: "two"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	spec, ok := r.Resolve("x")
	if !ok || spec.Template != "two" {
		t.Fatalf("expected v2, got %#v", spec)
	}
	spec, ok = r.Resolve("x@v1")
	if !ok || spec.Template != "one" {
		t.Fatalf("expected v1, got %#v", spec)
	}
	if err := r.Register(Spec{Name: "bad name", Template: "t"}); err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestLoadDir_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	body := `{"name":"checkpoint-evaluator","version":"v1","template":"custom {{text}}"}`
	if err := os.WriteFile(filepath.Join(dir, "eval.json"), []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	r := Default()
	n, err := r.LoadDir(dir)
	if err != nil || n != 1 {
		t.Fatalf("LoadDir = %d, %v", n, err)
	}
	out, err := r.Execute(CheckpointEvaluator, map[string]string{"text": "hi"})
	if err != nil || out != "custom hi" {
		t.Fatalf("unexpected override result %q, %v", out, err)
	}
	if n, err := r.LoadDir(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Fatalf("missing dir should be ignored, got %d, %v", n, err)
	}
}

func TestLoadDir_RejectsUnknownVariables(t *testing.T) {
	dir := t.TempDir()
	body := `{"name":"checkpoint-evaluator","template":"{{text}} from {{clinic}}"}`
	if err := os.WriteFile(filepath.Join(dir, "eval.json"), []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	r := Default()
	if _, err := r.LoadDir(dir); err == nil || !strings.Contains(err.Error(), "{{clinic}}") {
		t.Fatalf("expected unknown variable error, got %v", err)
	}
	if _, err := r.Execute(CheckpointEvaluator, map[string]string{"text": "hi"}); err == nil {
		t.Fatalf("built-in must stay registered after a rejected override")
	}
}
