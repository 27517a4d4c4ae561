package jobmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kosmos-sh/execore/internal/model"
)

func TestShellExecutorCapturesExitCodeAndLogs(t *testing.T) {
	dir := t.TempDir()
	task := &model.Task{
		ID:        1,
		Command:   "echo hello; exit 3",
		OutputDir: filepath.Join(dir, "out"),
		LogDir:    filepath.Join(dir, "logs"),
	}
	exec := NewShellExecutor()
	profile, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if profile["exit_status"] != 3 {
		t.Fatalf("expected exit_status 3, got %v", profile["exit_status"])
	}
	data, err := os.ReadFile(filepath.Join(task.LogDir, "stdout.log"))
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected stdout contents: %q", data)
	}
}

func TestShellExecutorRejectsEmptyCommand(t *testing.T) {
	dir := t.TempDir()
	task := &model.Task{ID: 2, OutputDir: dir, LogDir: dir}
	if _, err := NewShellExecutor().Execute(context.Background(), task); err == nil {
		t.Fatalf("expected an empty command on a non-noop task to fail")
	}
}

func TestNoopExecutorAlwaysSucceeds(t *testing.T) {
	profile, err := NoopExecutor{}.Execute(context.Background(), &model.Task{ID: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile["exit_status"] != 0 {
		t.Fatalf("expected exit_status 0, got %v", profile["exit_status"])
	}
}
