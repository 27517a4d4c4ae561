package admission

import (
	"context"
	"testing"

	"github.com/kosmos-sh/execore/internal/graphview"
	"github.com/kosmos-sh/execore/internal/model"
)

type fakeSubmitter struct {
	running   []*model.Task
	submitted []*model.Task
}

func (f *fakeSubmitter) Submit(ctx context.Context, task *model.Task) error {
	f.submitted = append(f.submitted, task)
	f.running = append(f.running, task)
	return nil
}

func (f *fakeSubmitter) RunningTasks() []*model.Task { return f.running }

func buildReadyView(specs []struct{ cpu int }) *graphview.GraphView {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	for i, s := range specs {
		id := model.NodeID(i + 1)
		g.AddNode(id)
		tasks[id] = &model.Task{ID: int64(id), Status: model.TaskNoAttempt, CPUReq: s.cpu, InsertionOrder: i}
	}
	return graphview.New(g, tasks)
}

func TestSweepStopsAtFirstCandidateExceedingBudget(t *testing.T) {
	gv := buildReadyView([]struct{ cpu int }{{2}, {3}, {10}})
	maxCPUs := 4
	exec := &model.Execution{MaxCPUs: &maxCPUs}
	sub := &fakeSubmitter{}
	c := &Controller{}

	submitted, err := c.Sweep(context.Background(), exec, gv, sub, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected only the cpu_req=2 candidate to fit alongside nothing running, got %d", len(submitted))
	}
	if submitted[0].CPUReq != 2 {
		t.Fatalf("expected the cheapest candidate to be submitted first, got cpu_req=%d", submitted[0].CPUReq)
	}
}

func TestSweepUnboundedSubmitsEverythingReady(t *testing.T) {
	gv := buildReadyView([]struct{ cpu int }{{2}, {3}, {10}})
	exec := &model.Execution{}
	sub := &fakeSubmitter{}
	c := &Controller{}

	submitted, err := c.Sweep(context.Background(), exec, gv, sub, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submitted) != 3 {
		t.Fatalf("expected all 3 candidates submitted under an unbounded budget, got %d", len(submitted))
	}
}

type denyEvenGate struct{}

func (denyEvenGate) Allow(ctx context.Context, task *model.Task, stage *model.Stage, exec *model.Execution) (bool, error) {
	return task.ID%2 != 0, nil
}

func TestSweepPolicyRejectionDoesNotStopTheSweep(t *testing.T) {
	gv := buildReadyView([]struct{ cpu int }{{1}, {1}, {1}})
	exec := &model.Execution{}
	sub := &fakeSubmitter{}
	c := &Controller{Gate: denyEvenGate{}}

	submitted, err := c.Sweep(context.Background(), exec, gv, sub, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submitted) != 2 {
		t.Fatalf("expected the 2 odd-id candidates to clear the gate, got %d", len(submitted))
	}
	for _, s := range submitted {
		if s.ID%2 == 0 {
			t.Fatalf("task %d should have been rejected by the policy gate", s.ID)
		}
	}
}

func TestSweepCompletesNOOPWithoutSubmittingToJobManager(t *testing.T) {
	g := model.NewGraph()
	g.AddNode(1)
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt, NOOP: true},
	}
	gv := graphview.New(g, tasks)
	sub := &fakeSubmitter{}
	c := &Controller{}

	submitted, err := c.Sweep(context.Background(), &model.Execution{}, gv, sub, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected the NOOP task reported as handled, got %d", len(submitted))
	}
	if submitted[0].Status != model.TaskSuccessful {
		t.Fatalf("NOOP task must resolve to successful immediately, got %s", submitted[0].Status)
	}
	if len(sub.submitted) != 0 {
		t.Fatalf("NOOP task must never reach the JobManager, got %d submissions", len(sub.submitted))
	}
}

func TestSweepCompletesNOOPEvenPastTheBudgetGate(t *testing.T) {
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskNoAttempt, CPUReq: 2},
		2: {ID: 2, Status: model.TaskNoAttempt, CPUReq: 10, NOOP: true},
	}
	gv := graphview.New(g, tasks)
	maxCPUs := 2
	exec := &model.Execution{MaxCPUs: &maxCPUs}
	sub := &fakeSubmitter{}
	c := &Controller{}

	submitted, err := c.Sweep(context.Background(), exec, gv, sub, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submitted) != 2 {
		t.Fatalf("expected both the real task and the over-budget NOOP to be handled, got %d", len(submitted))
	}
	var noopSeen bool
	for _, s := range submitted {
		if s.ID == 2 {
			noopSeen = true
			if s.Status != model.TaskSuccessful {
				t.Fatalf("NOOP task must still resolve to successful despite exceeding the cpu budget, got %s", s.Status)
			}
		}
	}
	if !noopSeen {
		t.Fatalf("NOOP task never appeared in the submitted set")
	}
	if len(sub.submitted) != 1 {
		t.Fatalf("only the real task should ever reach the JobManager, got %d", len(sub.submitted))
	}
}
