//go:build !windows

package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func shAdapter(t *testing.T, root string, grace time.Duration) *ProcessAdapter {
	t.Helper()
	a, err := NewProcessAdapter(Definition{ID: "sh", Command: []string{"sh", placeholderSelectors}}, root, grace, nil)
	if err != nil {
		t.Fatalf("NewProcessAdapter() err=%v", err)
	}
	return a
}

func TestProcessAdapter_Validate(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "ok.sh", "exit 0\n")
	a := shAdapter(t, root, time.Second)

	missing := a.Validate([]string{"ok.sh", "ok.sh::case_1", "gone.sh"})
	if len(missing) != 1 || missing[0] != "gone.sh" {
		t.Fatalf("Validate()=%v, want [gone.sh]", missing)
	}
}

func TestProcessAdapter_ExecuteSuccess(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "ok.sh", "echo \"headless=$HEADLESS\"\n")
	a := shAdapter(t, root, time.Second)

	headless := true
	res, err := a.Execute(context.Background(), []string{"ok.sh"}, domain.ExecutionOptions{Headless: &headless})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode=%d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.OutputTail, "headless=true") {
		t.Fatalf("OutputTail=%q, want headless=true", res.OutputTail)
	}
}

func TestProcessAdapter_ExecuteFailure(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "bad.sh", "echo 'assertion failed' >&2\nexit 3\n")
	a := shAdapter(t, root, time.Second)

	res, err := a.Execute(context.Background(), []string{"bad.sh"}, domain.ExecutionOptions{})
	var aerr *domain.AdapterError
	if !errors.As(err, &aerr) {
		t.Fatalf("Execute() err=%v, want AdapterError", err)
	}
	if aerr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("ExitCode=%d/%d, want 3", aerr.ExitCode, res.ExitCode)
	}
	if !strings.Contains(aerr.StderrTail, "assertion failed") {
		t.Fatalf("StderrTail=%q, want assertion failed", aerr.StderrTail)
	}
}

func TestProcessAdapter_CancelKillsIgnoringProcess(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "hang.sh", "trap '' TERM\nsleep 30\n")
	a := shAdapter(t, root, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Execute(ctx, []string{"hang.sh"}, domain.ExecutionOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() err=%v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Execute() took %v, want prompt kill", elapsed)
	}
}

func TestProcessAdapter_Argv(t *testing.T) {
	def := DefaultDefinitions()[0]
	a, err := NewProcessAdapter(def, t.TempDir(), time.Second, nil)
	if err != nil {
		t.Fatalf("NewProcessAdapter() err=%v", err)
	}
	headed := false
	got := strings.Join(a.argv([]string{"a.spec.ts", "b.spec.ts"}, domain.ExecutionOptions{WorkerCount: 4, Headless: &headed}), " ")
	want := "npx playwright test a.spec.ts b.spec.ts --workers=4 --headed"
	if got != want {
		t.Fatalf("argv()=%q, want %q", got, want)
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.yaml")
	writeScript(t, dir, "adapters.yaml", `adapters:
  - id: cypress
    command: ["npx", "cypress", "run", "--spec", "{selectors}"]
    env:
      CI: "1"
`)
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions() err=%v", err)
	}
	if len(defs) != 1 || defs[0].ID != "cypress" || defs[0].Env["CI"] != "1" {
		t.Fatalf("LoadDefinitions()=%+v", defs)
	}

	writeScript(t, dir, "adapters.yaml", "adapters:\n  - id: x\n    command: [\"run\"]\n")
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatalf("LoadDefinitions(no placeholder) err=nil, want error")
	}

	writeScript(t, dir, "adapters.yaml", "adapters:\n  - id: x\n    cmd: [\"run\"]\n")
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatalf("LoadDefinitions(unknown field) err=nil, want error")
	}
}

func TestRegistry(t *testing.T) {
	adapters, err := NewProcessAdapters(DefaultDefinitions(), t.TempDir(), time.Second, nil)
	if err != nil {
		t.Fatalf("NewProcessAdapters() err=%v", err)
	}
	reg, err := NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry() err=%v", err)
	}
	if got := strings.Join(reg.IDs(), ","); got != "k6,newman,playwright,pytest" {
		t.Fatalf("IDs()=%q", got)
	}
	if _, ok := reg.Get("pytest"); !ok {
		t.Fatalf("Get(pytest) ok=false")
	}
	if _, err := NewRegistry(adapters[0], adapters[0]); err == nil {
		t.Fatalf("NewRegistry(duplicate) err=nil, want error")
	}
}
