// Package jobmanager defines the JobManager contract consumed by the
// scheduler and a concrete in-process implementation standing in for a
// real DRM.
package jobmanager

import (
	"context"

	"github.com/kosmos-sh/execore/internal/model"
)

// JobManager is the DRM-facing interface the execution core consumes.
// Implementations own whatever mechanism talks to the DRM -- processes,
// threads, remote RPCs -- the core only ever sees this shape.
type JobManager interface {
	// Submit hands a task off for execution and must track it as
	// running until it is returned by GetFinishedTasks.
	Submit(ctx context.Context, task *model.Task) error

	// RunningTasks returns a snapshot of currently in-flight tasks.
	RunningTasks() []*model.Task

	// GetFinishedTasks drains the completion queue. When atLeastOne is
	// true it blocks until at least one task is ready; otherwise it
	// returns immediately with whatever is already available.
	GetFinishedTasks(ctx context.Context, atLeastOne bool) ([]*model.Task, error)

	// Terminate makes a best-effort attempt to kill all in-flight jobs.
	// Must be idempotent.
	Terminate()
}

// TaskExecutor runs one task's command and returns its completion
// profile, which must include "exit_status".
type TaskExecutor interface {
	Execute(ctx context.Context, task *model.Task) (map[string]any, error)
}
