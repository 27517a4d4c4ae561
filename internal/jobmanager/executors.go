package jobmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kosmos-sh/execore/internal/model"
)

// ShellExecutor runs a task's generated command through the shell,
// redirecting stdout/stderr into log_dir -- the one task kind this
// execution core's own recipes generate: an ordinary shell command.
type ShellExecutor struct {
	Shell string // defaults to "/bin/sh" when empty
}

// NewShellExecutor returns a ShellExecutor using /bin/sh.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: "/bin/sh"}
}

// Execute runs task.Command with cwd=task.OutputDir and
// stdout/stderr redirected into task.LogDir/stdout.log and stderr.log.
func (s *ShellExecutor) Execute(ctx context.Context, task *model.Task) (map[string]any, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if task.Command == "" {
		return nil, fmt.Errorf("task %d: empty command for non-NOOP task", task.ID)
	}

	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("task %d: create output_dir: %w", task.ID, err)
	}
	if err := os.MkdirAll(task.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("task %d: create log_dir: %w", task.ID, err)
	}

	stdout, err := os.Create(filepath.Join(task.LogDir, "stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("task %d: open stdout log: %w", task.ID, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(task.LogDir, "stderr.log"))
	if err != nil {
		return nil, fmt.Errorf("task %d: open stderr log: %w", task.ID, err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, shell, "-c", task.Command)
	cmd.Dir = task.OutputDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	exitStatus := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitStatus = exitErr.ExitCode()
		} else {
			exitStatus = -1
		}
	}

	profile := map[string]any{"exit_status": exitStatus}
	if runErr != nil && exitStatus == -1 {
		profile["error"] = runErr.Error()
	}
	return profile, nil
}

// NoopExecutor satisfies the TaskExecutor interface as a fallback; the
// scheduler resolves NOOP tasks to successful before they ever reach a
// JobManager, so in ordinary operation this executor is never invoked.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, task *model.Task) (map[string]any, error) {
	return map[string]any{"exit_status": 0}, nil
}
