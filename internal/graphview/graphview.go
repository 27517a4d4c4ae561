// Package graphview implements the mutable in-memory view of the
// remaining task DAG.
package graphview

import (
	"log/slog"
	"sort"

	"github.com/kosmos-sh/execore/internal/model"
	"github.com/kosmos-sh/execore/internal/statemachine"
)

// GraphView tracks the not-yet-finished subset of task_g and the tasks
// it contains, so Admission and the scheduler loop never have to
// re-derive "what's left" from the full persisted graph.
type GraphView struct {
	graph *model.Graph
	tasks map[model.NodeID]*model.Task
}

// New builds a GraphView from a full task graph and the set of task
// objects it references. Tasks already persisted in a terminal status
// are dropped immediately: successful ones so a resumed run never
// re-admits them, and failed-but-not-must_succeed ones so a resumed
// branch that already gave up doesn't wedge every downstream task
// behind a node that will never become ready again. The count removed
// is logged. A persisted must_succeed failure is left in place -- that
// execution already ended ExecutionFailed and isn't meant to make
// forward progress on resume.
func New(graph *model.Graph, tasks map[model.NodeID]*model.Task) *GraphView {
	gv := &GraphView{graph: graph.Copy(), tasks: tasks}
	skipped := 0
	for _, id := range gv.graph.Nodes() {
		t, ok := gv.tasks[id]
		if ok && statemachine.GraphProgresses(t) {
			gv.graph.RemoveNode(id)
			skipped++
		}
	}
	if skipped > 0 {
		slog.Info("graph view resume: skipping already-finished tasks", "count", skipped)
	}
	return gv
}

// Ready returns all nodes with in-degree zero whose status is
// no_attempt and which have not already been submitted, sorted by
// ascending cpu_req (stable) then insertion order.
func (gv *GraphView) Ready() []*model.Task {
	var ready []*model.Task
	for _, id := range gv.graph.Nodes() {
		if gv.graph.InDegree(id) != 0 {
			continue
		}
		t, ok := gv.tasks[id]
		if !ok || t.Status != model.TaskNoAttempt || t.InFlight {
			continue
		}
		ready = append(ready, t)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].CPUReq != ready[j].CPUReq {
			return ready[i].CPUReq < ready[j].CPUReq
		}
		return ready[i].InsertionOrder < ready[j].InsertionOrder
	})
	return ready
}

// Remove deletes a task's node from the graph, potentially exposing new
// ready nodes. Callers must only do this after the task's terminal
// status has been committed, never before.
func (gv *GraphView) Remove(taskID model.NodeID) {
	gv.graph.RemoveNode(taskID)
}

// Empty reports whether any work remains.
func (gv *GraphView) Empty() bool {
	return gv.graph.Empty()
}

// Contains reports whether a node is still tracked (used by tests to
// assert removal).
func (gv *GraphView) Contains(taskID model.NodeID) bool {
	for _, id := range gv.graph.Nodes() {
		if id == taskID {
			return true
		}
	}
	return false
}
