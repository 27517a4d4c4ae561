package model

// NodeID identifies a node in a Graph. Task and Stage ids both satisfy it.
type NodeID int64

// Graph is a directed acyclic graph where an edge u -> v means "v depends
// on u": v cannot run until u is gone. task_g and stage_g are both
// instances of this shape.
type Graph struct {
	nodes    map[NodeID]bool
	children map[NodeID][]NodeID // u -> nodes that depend on u
	inDegree map[NodeID]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[NodeID]bool),
		children: make(map[NodeID][]NodeID),
		inDegree: make(map[NodeID]int),
	}
}

// AddNode registers a node with no edges yet. Safe to call more than once.
func (g *Graph) AddNode(id NodeID) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = true
	if _, ok := g.inDegree[id]; !ok {
		g.inDegree[id] = 0
	}
}

// AddEdge records that `dependent` depends on `upstream`. Both nodes must
// already exist via AddNode.
func (g *Graph) AddEdge(upstream, dependent NodeID) {
	g.children[upstream] = append(g.children[upstream], dependent)
	g.inDegree[dependent]++
}

// Nodes returns all remaining node ids in no particular order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// InDegree returns the number of not-yet-removed upstream dependencies.
func (g *Graph) InDegree(id NodeID) int {
	return g.inDegree[id]
}

// Children returns the nodes that depend on id, i.e. the nodes whose
// in-degree decreases when id is removed.
func (g *Graph) Children(id NodeID) []NodeID {
	return g.children[id]
}

// RemoveNode deletes a node and its outgoing edges, decrementing the
// in-degree of everything that depended on it. Returns the children whose
// in-degree reached zero as a result, in the order edges were added.
func (g *Graph) RemoveNode(id NodeID) []NodeID {
	var newlyReady []NodeID
	for _, child := range g.children[id] {
		g.inDegree[child]--
		if g.inDegree[child] == 0 {
			newlyReady = append(newlyReady, child)
		}
	}
	delete(g.children, id)
	delete(g.nodes, id)
	delete(g.inDegree, id)
	return newlyReady
}

// Empty reports whether the graph has no remaining nodes.
func (g *Graph) Empty() bool {
	return len(g.nodes) == 0
}

// Copy returns a deep-enough copy: independent maps, same NodeID values.
func (g *Graph) Copy() *Graph {
	cp := NewGraph()
	for id := range g.nodes {
		cp.nodes[id] = true
	}
	for id, deg := range g.inDegree {
		cp.inDegree[id] = deg
	}
	for u, children := range g.children {
		cp.children[u] = append([]NodeID(nil), children...)
	}
	return cp
}
