package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/kosmos-sh/execore/internal/admission"
	"github.com/kosmos-sh/execore/internal/graphview"
	"github.com/kosmos-sh/execore/internal/model"
)

// fakeJM is a synchronous stand-in JobManager: Submit immediately runs
// the task according to a per-test exit-code table and queues its
// completion, so scheduler.Run's loop can be exercised without any real
// concurrency.
type fakeJM struct {
	exitCodes    map[int64]int
	done         chan *model.Task
	running      map[int64]*model.Task
	terminateHit int
}

func newFakeJM(exitCodes map[int64]int) *fakeJM {
	return &fakeJM{exitCodes: exitCodes, done: make(chan *model.Task, 64), running: map[int64]*model.Task{}}
}

func (f *fakeJM) Submit(ctx context.Context, task *model.Task) error {
	f.running[task.ID] = task
	code := f.exitCodes[task.ID]
	task.Profile = map[string]any{"exit_status": code}
	delete(f.running, task.ID)
	f.done <- task
	return nil
}

func (f *fakeJM) RunningTasks() []*model.Task {
	out := make([]*model.Task, 0, len(f.running))
	for _, t := range f.running {
		out = append(out, t)
	}
	return out
}

func (f *fakeJM) GetFinishedTasks(ctx context.Context, atLeastOne bool) ([]*model.Task, error) {
	var out []*model.Task
	if atLeastOne {
		select {
		case t := <-f.done:
			out = append(out, t)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for {
		select {
		case t := <-f.done:
			out = append(out, t)
		default:
			return out, nil
		}
	}
}

func (f *fakeJM) Terminate() { f.terminateHit++ }

type fakePersist struct{ saved []*model.Task }

func (f *fakePersist) SaveTask(ctx context.Context, task *model.Task) error {
	f.saved = append(f.saved, task)
	return nil
}

func chain(ids ...int64) (*model.Graph, map[model.NodeID]*model.Task) {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	for i, id := range ids {
		g.AddNode(model.NodeID(id))
		tasks[model.NodeID(id)] = &model.Task{ID: id, Status: model.TaskNoAttempt, InsertionOrder: i}
	}
	for i := 1; i < len(ids); i++ {
		g.AddEdge(model.NodeID(ids[i-1]), model.NodeID(ids[i]))
	}
	return g, tasks
}

// TestRunDrainsLinearChain is scenario S1-ish: a strict chain of
// successful tasks must drain to an empty graph with no soft failure.
func TestRunDrainsLinearChain(t *testing.T) {
	g, tasks := chain(1, 2, 3)
	gv := graphview.New(g, tasks)
	jm := newFakeJM(map[int64]int{1: 0, 2: 0, 3: 0})
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := sched.Run(ctx, &model.Execution{}, gv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HadSoftFailure || result.Terminated {
		t.Fatalf("expected a clean drain, got %+v", result)
	}
	if !gv.Empty() {
		t.Fatalf("graph view should be empty after the chain drains")
	}
}

// TestRunSoftFailureDoesNotAbort: a failing, non-must_succeed task lets
// the graph continue, but the caller observes HadSoftFailure.
func TestRunSoftFailureDoesNotAbort(t *testing.T) {
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt, MustSucceed: false},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	gv := graphview.New(g, tasks)

	jm := newFakeJM(map[int64]int{1: 1, 2: 0})
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := sched.Run(ctx, &model.Execution{}, gv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.HadSoftFailure {
		t.Fatalf("expected the soft failure to be recorded")
	}
	if !gv.Empty() {
		t.Fatalf("graph should still drain past a soft failure")
	}
}

// TestRunMustSucceedFailureAbortsAsExecutionFailed exercises the
// must_succeed failure path: Run must return *ExecutionFailed and stop
// without draining downstream tasks.
func TestRunMustSucceedFailureAbortsAsExecutionFailed(t *testing.T) {
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt, MustSucceed: true},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	gv := graphview.New(g, tasks)

	jm := newFakeJM(map[int64]int{1: 1, 2: 0})
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sched.Run(ctx, &model.Execution{}, gv)
	if err == nil {
		t.Fatalf("expected ExecutionFailed error")
	}
	var failed *ExecutionFailed
	ok := false
	if ef, isEF := err.(*ExecutionFailed); isEF {
		failed = ef
		ok = true
	}
	if !ok || failed.TaskID != 1 {
		t.Fatalf("expected ExecutionFailed{TaskID:1}, got %v", err)
	}
	if gv.Contains(2) == false {
		t.Fatalf("downstream task 2 must remain, never having run")
	}
}

func TestRequestTerminationIsIdempotentAndFirstCauseWins(t *testing.T) {
	sched := &Scheduler{}
	sched.RequestTermination(CauseFailure)
	sched.RequestTermination(CauseSignal)

	terminating, cause := sched.isTerminating()
	if !terminating || cause != CauseFailure {
		t.Fatalf("expected first cause (failure) to win, got terminating=%v cause=%v", terminating, cause)
	}
}

func TestRunStopsWhenTerminationRequestedBeforeSweep(t *testing.T) {
	g, tasks := chain(1, 2)
	gv := graphview.New(g, tasks)
	jm := newFakeJM(map[int64]int{1: 0, 2: 0})
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}
	sched.RequestTermination(CauseSignal)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := sched.Run(ctx, &model.Execution{}, gv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Terminated || result.Cause != CauseSignal {
		t.Fatalf("expected an immediate signal-caused termination, got %+v", result)
	}
	if gv.Empty() {
		t.Fatalf("no work should have been submitted once termination was already requested")
	}
}

// TestRunCompletesNOOPTaskWithoutJobManagerInvolvement exercises the
// NOOP shortcut end to end through the scheduler loop: a NOOP followed
// by a dependent real task must drain cleanly, and the NOOP must never
// be submitted to the JobManager.
func TestRunCompletesNOOPTaskWithoutJobManagerInvolvement(t *testing.T) {
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt, NOOP: true},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}
	gv := graphview.New(g, tasks)
	jm := newFakeJM(map[int64]int{2: 0})
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := sched.Run(ctx, &model.Execution{}, gv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HadSoftFailure || result.Terminated {
		t.Fatalf("expected a clean drain, got %+v", result)
	}
	if !gv.Empty() {
		t.Fatalf("graph should be empty once both the NOOP and the downstream task complete")
	}
	if tasks[1].InFlight {
		t.Fatalf("NOOP task must never be marked in-flight")
	}
}

// TestTerminateDrainsThenCallsJobManagerTerminate exercises §4.6's
// terminate(): it must drain whatever already finished without blocking
// for more, then always call JobManager.Terminate(), even if nothing
// was left to drain.
func TestTerminateDrainsThenCallsJobManagerTerminate(t *testing.T) {
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	gv := graphview.New(g, tasks)

	jm := newFakeJM(map[int64]int{1: 0})
	jm.done <- tasks[1] // task 1 already finished; task 2 still "in flight"
	tasks[1].Profile = map[string]any{"exit_status": 0}
	persist := &fakePersist{}
	sched := &Scheduler{Admission: &admission.Controller{}, JM: jm, Persist: persist}

	if err := sched.Terminate(context.Background(), gv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jm.terminateHit != 1 {
		t.Fatalf("expected JobManager.Terminate to be called exactly once, got %d", jm.terminateHit)
	}
	if gv.Contains(1) {
		t.Fatalf("the already-finished task should have been drained and removed")
	}
	if !gv.Contains(2) {
		t.Fatalf("task 2 was never reported finished and must remain abandoned to JobManager.Terminate")
	}
}
