package model

import "testing"

func TestGraphRemoveNodeExposesChildren(t *testing.T) {
	g := NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddNode(3)
	g.AddEdge(1, 2)
	g.AddEdge(1, 3)

	if g.InDegree(2) != 1 || g.InDegree(3) != 1 {
		t.Fatalf("expected in-degree 1 for both children")
	}

	ready := g.RemoveNode(1)
	if len(ready) != 2 {
		t.Fatalf("expected both children to become ready, got %v", ready)
	}
	if g.InDegree(2) != 0 || g.InDegree(3) != 0 {
		t.Fatalf("in-degree should drop to 0 after upstream removal")
	}
}

func TestGraphRemoveNodePartialReady(t *testing.T) {
	g := NewGraph()
	g.AddNode(1)
	g.AddNode(2)
	g.AddNode(3)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)

	ready := g.RemoveNode(1)
	if len(ready) != 0 {
		t.Fatalf("node 3 still depends on node 2, should not be ready yet: %v", ready)
	}
	ready = g.RemoveNode(2)
	if len(ready) != 1 || ready[0] != 3 {
		t.Fatalf("expected node 3 to become ready, got %v", ready)
	}
}

func TestGraphEmptyAndCopy(t *testing.T) {
	g := NewGraph()
	if !g.Empty() {
		t.Fatalf("new graph should be empty")
	}
	g.AddNode(1)
	cp := g.Copy()
	cp.RemoveNode(1)
	if !cp.Empty() {
		t.Fatalf("copy should be empty after removing its only node")
	}
	if g.Empty() {
		t.Fatalf("original graph must be unaffected by mutating the copy")
	}
}
