// Package scheduler implements the scheduler loop: drain ready tasks
// into the JobManager, await completions, advance the TaskStateMachine,
// and drive the execution to a terminal status.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kosmos-sh/execore/internal/admission"
	"github.com/kosmos-sh/execore/internal/graphview"
	"github.com/kosmos-sh/execore/internal/jobmanager"
	"github.com/kosmos-sh/execore/internal/model"
	"github.com/kosmos-sh/execore/internal/statemachine"
)

// Cause distinguishes why a scheduler is terminating: a signal kills
// the execution, a must-succeed failure fails it.
type Cause string

const (
	CauseSignal  Cause = "signal"
	CauseFailure Cause = "failure"
)

// ExecutionFailed is raised when a must_succeed task fails. The task
// itself ends up "failed"; the execution, distinctly, ends up "failed"
// too, never "killed" -- that status is reserved for signal-caused
// termination.
type ExecutionFailed struct {
	TaskID int64
}

func (e *ExecutionFailed) Error() string {
	return fmt.Sprintf("task %d (must_succeed) failed, aborting execution", e.TaskID)
}

// Persistence is the slice of the store the scheduler loop needs for its
// per-task checkpoints.
type Persistence interface {
	SaveTask(ctx context.Context, task *model.Task) error
}

// StageLookup resolves a stage by id for the optional policy gate.
type StageLookup func(stageID int64) *model.Stage

// Scheduler drives one execution's GraphView to completion.
type Scheduler struct {
	Admission *admission.Controller
	JM        jobmanager.JobManager
	Persist   Persistence
	Stages    StageLookup

	mu          sync.Mutex
	terminating bool
	cause       Cause
}

// RequestTermination asks the loop to stop submitting new work. Safe to
// call concurrently (the signal handler calls it from its own
// goroutine); idempotent, and the first cause recorded wins.
func (s *Scheduler) RequestTermination(cause Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating {
		return
	}
	s.terminating = true
	s.cause = cause
}

func (s *Scheduler) isTerminating() (bool, Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating, s.cause
}

// Result is what Run reports back to ExecutionLifecycle.
type Result struct {
	HadSoftFailure bool
	Terminated     bool
	Cause          Cause
}

// Run executes the scheduler loop over gv until it drains, a
// must-succeed task fails, or termination is requested.
func (s *Scheduler) Run(ctx context.Context, exec *model.Execution, gv *graphview.GraphView) (Result, error) {
	var result Result

	for !gv.Empty() {
		if terminating, cause := s.isTerminating(); terminating {
			result.Terminated = true
			result.Cause = cause
			return result, nil
		}

		submitted, err := s.Admission.Sweep(ctx, exec, gv, s.JM, s.Stages)
		if err != nil {
			return result, err
		}
		progressed := false
		for _, t := range submitted {
			if err := s.Persist.SaveTask(ctx, t); err != nil {
				return result, err
			}
			// NOOP tasks complete synchronously inside the sweep itself
			// (statemachine.CompleteNOOP), so they're already terminal
			// here and never reach the JobManager to be reported back
			// by GetFinishedTasks.
			if statemachine.GraphProgresses(t) {
				gv.Remove(model.NodeID(t.ID))
				progressed = true
			}
		}

		if gv.Empty() {
			break
		}
		// A completed NOOP may have exposed new ready tasks; sweep again
		// before blocking, since nothing may be in flight to report back.
		if progressed {
			continue
		}

		if terminating, cause := s.isTerminating(); terminating {
			result.Terminated = true
			result.Cause = cause
			return result, nil
		}

		finished, err := s.JM.GetFinishedTasks(ctx, true)
		if err != nil {
			return result, err
		}

		for _, t := range finished {
			if err := statemachine.ApplyExitStatus(t, t.Profile); err != nil {
				return result, err
			}
			if err := s.Persist.SaveTask(ctx, t); err != nil {
				return result, err
			}

			slog.Info("task finished", "task", t.ID, "status", t.Status, "exit_status", t.ExitStatus(), "must_succeed", t.MustSucceed)

			if t.Status == model.TaskFailed && t.MustSucceed {
				return result, &ExecutionFailed{TaskID: t.ID}
			}

			if statemachine.GraphProgresses(t) {
				gv.Remove(model.NodeID(t.ID))
				if t.Status == model.TaskFailed {
					result.HadSoftFailure = true
				}
			}
		}
	}

	return result, nil
}

// Drain performs the non-blocking drain terminate() needs: collect
// whatever already finished, apply transitions, and persist, without
// waiting for more.
func (s *Scheduler) Drain(ctx context.Context, gv *graphview.GraphView) error {
	finished, err := s.JM.GetFinishedTasks(ctx, false)
	if err != nil {
		return err
	}
	for _, t := range finished {
		if err := statemachine.ApplyExitStatus(t, t.Profile); err != nil {
			return err
		}
		if err := s.Persist.SaveTask(ctx, t); err != nil {
			return err
		}
		if statemachine.GraphProgresses(t) {
			gv.Remove(model.NodeID(t.ID))
		}
	}
	return nil
}

// Terminate implements §4.6's terminate(): drain whatever already
// finished without blocking for more, then instruct the JobManager to
// best-effort kill everything still in flight. Idempotent -- a second
// call just drains nothing new and re-issues Terminate() on a JobManager
// that is expected to tolerate that.
func (s *Scheduler) Terminate(ctx context.Context, gv *graphview.GraphView) error {
	err := s.Drain(ctx, gv)
	s.JM.Terminate()
	return err
}
