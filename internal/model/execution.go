package model

import (
	"fmt"
	"regexp"
	"time"
)

// ExecutionStatus is the persisted terminal/non-terminal state of an
// Execution. Stored as its textual name, never an ordinal, so the store
// survives schema evolution.
type ExecutionStatus string

const (
	ExecutionNoAttempt  ExecutionStatus = "no_attempt"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSuccessful ExecutionStatus = "successful"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionKilled     ExecutionStatus = "killed"
)

// nameRe restricts execution names to word characters so they stay
// safe as path components and store keys.
var nameRe = regexp.MustCompile(`^\w+$`)

// ValidateName enforces the execution name invariant.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("execution name %q must match ^\\w+$", name)
	}
	return nil
}

// Execution is the root aggregate of one recipe run.
type Execution struct {
	ID          int64
	Name        string
	Description string
	OutputDir   string
	CreatedOn   time.Time
	StartedOn   *time.Time
	FinishedOn  *time.Time
	MaxCPUs     *int // nil or 0 means unbounded
	Successful  bool
	Status      ExecutionStatus
	Info        map[string]any
}

// Unbounded reports whether the CPU budget is unset (nil or zero).
func (e *Execution) Unbounded() bool {
	return e.MaxCPUs == nil || *e.MaxCPUs == 0
}

// SetStatus mutates status under the invariant that finished_on is set
// iff the new status is terminal, and successful mirrors status ==
// successful. The observer is inlined since this core has exactly one
// observer: the finished_on/successful bookkeeping.
func (e *Execution) SetStatus(status ExecutionStatus, now time.Time) {
	if e.Status == status {
		return
	}
	e.Status = status
	e.Successful = status == ExecutionSuccessful
	if IsTerminalExecutionStatus(status) {
		if e.FinishedOn == nil {
			t := now
			e.FinishedOn = &t
		}
	} else {
		e.FinishedOn = nil
	}
}

// IsTerminalExecutionStatus reports whether status is one of the three
// terminal execution states.
func IsTerminalExecutionStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionSuccessful, ExecutionFailed, ExecutionKilled:
		return true
	default:
		return false
	}
}
