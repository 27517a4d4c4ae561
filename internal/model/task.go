package model

// TaskStatus is the persisted enumeration for a Task. "submitted" is a
// scheduler-internal flag (Task.InFlight), never written to the store.
type TaskStatus string

const (
	TaskNoAttempt  TaskStatus = "no_attempt"
	TaskSuccessful TaskStatus = "successful"
	TaskFailed     TaskStatus = "failed"
)

// TaskFile is a file produced (or consumed) by a task.
type TaskFile struct {
	Basename string
	Path     *string // nullable until scheduling; never rewritten once set
	Name     string  // logical output name
}

// Task is a single command execution with a declared CPU requirement.
type Task struct {
	ID          int64
	StageID     int64
	ExecutionID int64

	CPUReq      int
	MustSucceed bool
	NOOP        bool

	ToolKind string // selects a TaskExecutor in the JobManager
	Command  string // generated from the tool; empty when NOOP

	OutputDir string
	LogDir    string

	OutputFiles []TaskFile

	Status     TaskStatus
	InFlight   bool `json:"-"` // scheduler-internal "submitted" flag; excluded so a crash mid-flight resumes as no_attempt
	Profile    map[string]any
	Successful bool

	// InsertionOrder breaks ties among newly-ready tasks that share the
	// same cpu_req, keeping the admission sweep deterministic.
	InsertionOrder int
}

// ExitStatus reads profile["exit_status"], defaulting to -1 if absent or
// not an int-like value.
func (t *Task) ExitStatus() int {
	if t.Profile == nil {
		return -1
	}
	switch v := t.Profile["exit_status"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}
