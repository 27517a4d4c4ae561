// Package statemachine implements the per-task status transitions and
// invariants.
package statemachine

import (
	"fmt"

	"github.com/kosmos-sh/execore/internal/model"
)

// ErrInvalidTransition is returned by MarkSubmitted, CompleteNOOP and
// ApplyExitStatus when a caller attempts a transition the state machine
// does not allow.
type ErrInvalidTransition struct {
	From model.TaskStatus
	To   model.TaskStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid task transition: %s -> %s", e.From, e.To)
}

// MarkSubmitted flips the scheduler-internal submitted flag. Only legal
// from no_attempt, and only before the task has a terminal status.
func MarkSubmitted(t *model.Task) error {
	if t.Status != model.TaskNoAttempt || t.InFlight {
		return &ErrInvalidTransition{From: t.Status, To: "submitted"}
	}
	t.InFlight = true
	return nil
}

// CompleteNOOP transitions a NOOP task directly to successful, the
// no_attempt -> successful shortcut that skips the JobManager entirely.
func CompleteNOOP(t *model.Task) error {
	if !t.NOOP || t.Status != model.TaskNoAttempt {
		return &ErrInvalidTransition{From: t.Status, To: model.TaskSuccessful}
	}
	t.Status = model.TaskSuccessful
	t.Successful = true
	t.InFlight = false
	return nil
}

// ApplyExitStatus consumes a DRM completion report and transitions the
// task to successful or failed. Requires the task to be in flight (or a
// freshly-submitted no_attempt task, to tolerate JobManagers that report
// completion before the scheduler observes the submitted flag).
func ApplyExitStatus(t *model.Task, profile map[string]any) error {
	if t.Status != model.TaskNoAttempt {
		return &ErrInvalidTransition{From: t.Status, To: model.TaskSuccessful}
	}
	t.Profile = profile
	t.InFlight = false
	if t.ExitStatus() == 0 {
		t.Status = model.TaskSuccessful
		t.Successful = true
	} else {
		t.Status = model.TaskFailed
		t.Successful = false
	}
	return nil
}

// Terminal reports whether a task has reached a terminal persisted
// status.
func Terminal(t *model.Task) bool {
	return t.Status == model.TaskSuccessful || t.Status == model.TaskFailed
}

// GraphProgresses reports whether this task's completion should remove
// it from the remaining DAG: true for any terminal status except a
// must-succeed failure, which instead raises ExecutionFailed upstream.
func GraphProgresses(t *model.Task) bool {
	if !Terminal(t) {
		return false
	}
	if t.Status == model.TaskFailed && t.MustSucceed {
		return false
	}
	return true
}
