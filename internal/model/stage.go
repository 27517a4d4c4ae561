package model

// Stage groups tasks with a common name. It carries no scheduling
// semantics of its own in the execution core -- bookkeeping only.
type Stage struct {
	ID          int64
	ExecutionID int64
	Name        string
}
