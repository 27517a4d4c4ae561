package graphview

import (
	"testing"

	"github.com/kosmos-sh/execore/internal/model"
)

func buildGraphAndTasks() (*model.Graph, map[model.NodeID]*model.Task) {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	for i := int64(1); i <= 3; i++ {
		g.AddNode(model.NodeID(i))
		tasks[model.NodeID(i)] = &model.Task{ID: i, Status: model.TaskNoAttempt, InsertionOrder: int(i)}
	}
	return g, tasks
}

func TestNewSkipsAlreadySuccessfulTasks(t *testing.T) {
	g, tasks := buildGraphAndTasks()
	tasks[1].Status = model.TaskSuccessful

	gv := New(g, tasks)
	if gv.Contains(1) {
		t.Fatalf("already-successful task must be dropped from the resumed view")
	}
	if !gv.Contains(2) || !gv.Contains(3) {
		t.Fatalf("unfinished tasks must remain in the view")
	}
}

func TestNewSkipsTerminalSoftFailuresSoDownstreamCanProgress(t *testing.T) {
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskFailed, MustSucceed: false},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}

	gv := New(g, tasks)
	if gv.Contains(1) {
		t.Fatalf("a terminal soft failure must not be left dangling in a resumed view")
	}
	ready := gv.Ready()
	if len(ready) != 1 || ready[0].ID != 2 {
		t.Fatalf("task 2 must become ready once its soft-failed upstream is dropped, got %+v", ready)
	}
}

func TestNewKeepsTerminalMustSucceedFailures(t *testing.T) {
	g := model.NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	tasks := map[model.NodeID]*model.Task{
		1: {ID: 1, Status: model.TaskFailed, MustSucceed: true},
		2: {ID: 2, Status: model.TaskNoAttempt},
	}

	gv := New(g, tasks)
	if !gv.Contains(1) {
		t.Fatalf("a must_succeed failure must not be silently dropped on resume")
	}
	if len(gv.Ready()) != 0 {
		t.Fatalf("task 2 must stay blocked behind an unresolved must_succeed failure")
	}
}

func TestReadyOrdersByCPUReqThenInsertionOrder(t *testing.T) {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	specs := []struct {
		id, cpu, order int64
	}{
		{1, 4, 0},
		{2, 2, 1},
		{3, 2, 2},
	}
	for _, s := range specs {
		g.AddNode(model.NodeID(s.id))
		tasks[model.NodeID(s.id)] = &model.Task{ID: s.id, Status: model.TaskNoAttempt, CPUReq: int(s.cpu), InsertionOrder: int(s.order)}
	}

	gv := New(g, tasks)
	ready := gv.Ready()
	if len(ready) != 3 {
		t.Fatalf("expected all 3 tasks ready, got %d", len(ready))
	}
	if ready[0].ID != 2 || ready[1].ID != 3 || ready[2].ID != 1 {
		t.Fatalf("expected order [2,3,1] (cpu_req asc, ties by insertion order), got [%d,%d,%d]",
			ready[0].ID, ready[1].ID, ready[2].ID)
	}
}

func TestReadyExcludesBlockedInFlightAndTerminal(t *testing.T) {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	g.AddNode(1)
	g.AddNode(2)
	g.AddNode(3)
	g.AddEdge(1, 2) // 2 depends on 1, not ready

	tasks[1] = &model.Task{ID: 1, Status: model.TaskNoAttempt}
	tasks[2] = &model.Task{ID: 2, Status: model.TaskNoAttempt}
	tasks[3] = &model.Task{ID: 3, Status: model.TaskNoAttempt, InFlight: true}

	gv := New(g, tasks)
	ready := gv.Ready()
	if len(ready) != 1 || ready[0].ID != 1 {
		t.Fatalf("expected only task 1 ready, got %+v", ready)
	}
}

func TestRemoveExposesNewlyReadyNodes(t *testing.T) {
	g := model.NewGraph()
	tasks := map[model.NodeID]*model.Task{}
	g.AddNode(1)
	g.AddNode(2)
	g.AddEdge(1, 2)
	tasks[1] = &model.Task{ID: 1, Status: model.TaskNoAttempt}
	tasks[2] = &model.Task{ID: 2, Status: model.TaskNoAttempt}

	gv := New(g, tasks)
	if len(gv.Ready()) != 1 {
		t.Fatalf("only task 1 should be ready before removal")
	}
	gv.Remove(1)
	ready := gv.Ready()
	if len(ready) != 1 || ready[0].ID != 2 {
		t.Fatalf("task 2 should become ready after task 1 is removed, got %+v", ready)
	}
}

func TestEmpty(t *testing.T) {
	g, tasks := buildGraphAndTasks()
	gv := New(g, tasks)
	if gv.Empty() {
		t.Fatalf("view with 3 nodes should not be empty")
	}
	gv.Remove(1)
	gv.Remove(2)
	gv.Remove(3)
	if !gv.Empty() {
		t.Fatalf("view should be empty once every node is removed")
	}
}
