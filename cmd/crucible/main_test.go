package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/storage"
)

func TestResultStatus(t *testing.T) {
	tests := []struct {
		name string
		res  executor.Result
		want int // -1 means no error
	}{
		{"success", executor.Result{Success: true, Stage: executor.StageExecution}, -1},
		{"program exit", executor.Result{Stage: executor.StageExecution, ExitCode: 3}, 3},
		{"timeout", executor.Result{Stage: executor.StageExecution, ExitCode: -1, TimedOut: true, Error: "execution timeout exceeded (10s)"}, 1},
		{"validation", executor.Result{Stage: executor.StageValidation, Error: "forbidden"}, 1},
		{"compilation", executor.Result{Stage: executor.StageCompilation, Error: "compilation failed"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resultStatus(tt.res)
			if tt.want == -1 {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			var ee *exitError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *exitError, got %v", err)
			}
			if ee.code != tt.want {
				t.Errorf("code = %d, want %d", ee.code, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be enabled")
	}
	if _, ok := logger.Handler().(*slog.JSONHandler); !ok {
		t.Errorf("handler = %T, want *slog.JSONHandler", logger.Handler())
	}

	logger = newLogger(config.LogConfig{Level: "warn"})
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		e    storage.Execution
		want string
	}{
		{storage.Execution{Success: true, Stage: executor.StageExecution}, "ok"},
		{storage.Execution{TimedOut: true, Stage: executor.StageExecution}, "timeout"},
		{storage.Execution{Stage: executor.StageValidation}, "rejected"},
		{storage.Execution{Stage: executor.StageCompilation}, "failed"},
	}
	for _, tt := range tests {
		if got := status(&tt.e); got != tt.want {
			t.Errorf("status(%+v) = %q, want %q", tt.e, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("job"); got != "job" {
		t.Errorf("shortID = %q", got)
	}
}

func TestShellCommands(t *testing.T) {
	state := &shellState{lines: []string{"int main(void) {", "}"}}

	if got := state.source(); got != "int main(void) {\n}\n" {
		t.Errorf("source = %q", got)
	}

	if handleShellCommand(".clear", state) {
		t.Fatal(".clear should not exit")
	}
	if len(state.lines) != 0 {
		t.Errorf("buffer not cleared: %v", state.lines)
	}

	path := filepath.Join(t.TempDir(), "prog.c")
	if err := os.WriteFile(path, []byte("int main(void) {\n  return 0;\n}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	handleShellCommand(".load "+path, state)
	if len(state.lines) != 3 {
		t.Errorf("loaded %d lines, want 3", len(state.lines))
	}

	if !handleShellCommand(".quit", state) {
		t.Error(".quit should exit")
	}
}

func TestReadSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.c")
	if err := os.WriteFile(path, []byte("int main(void){}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readSource(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "int main(void){}" {
		t.Errorf("readSource = %q", got)
	}

	if _, err := readSource(filepath.Join(t.TempDir(), "missing.c")); err == nil {
		t.Error("expected error for missing file")
	}
}
