package partition

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// GraphGrowing gathers the graph on the root and grows partitions
// breadth-first: each connected component is walked level by level from its
// lowest id, and the walk is cut into NumPartitions runs of about equal
// weight.
type GraphGrowing struct{}

type gatheredGraph struct {
	view   GraphView
	global *GlobalGraph // nil off the root
}

func (gg *GraphGrowing) Name() string { return "graph" }

func (gg *GraphGrowing) BuildGraph(view GraphView) (Graph, error) {
	global, err := GatherGraph(view)
	if err != nil {
		return nil, err
	}
	return &gatheredGraph{view: view, global: global}, nil
}

func (gg *GraphGrowing) PartitionGraph(g Graph) ([]int, error) {
	var (
		gathered = g.(*gatheredGraph)
		pc       = gathered.view.Context()
		assign   []int
	)
	if pc.IsRoot() {
		assign = growPartitions(gathered.global, gathered.view.NumPartitions())
	}
	return ScatterAssignment(pc, gathered.view.Codec(), gathered.global, assign, nil)
}

// Undirected builds a gonum graph over the gathered vertices. Edges to ids
// outside the vertex set are dropped and one-sided adjacency is
// symmetrised.
func (g *GlobalGraph) Undirected() *simple.UndirectedGraph {
	ug := simple.NewUndirectedGraph()
	for _, id := range g.IDs {
		ug.AddNode(simple.Node(id))
	}
	for i, id := range g.IDs {
		for _, nbr := range g.Neighbors[g.Offsets[i]:g.Offsets[i+1]] {
			if nbr == id || ug.Node(nbr) == nil || ug.HasEdgeBetween(id, nbr) {
				continue
			}
			ug.SetEdge(simple.Edge{F: simple.Node(id), T: simple.Node(nbr)})
		}
	}
	return ug
}

// BreadthFirstOrder returns every vertex index, component by component in
// order of their lowest id, each component by BFS level then id.
func (g *GlobalGraph) BreadthFirstOrder() []int {
	var (
		ug    = g.Undirected()
		comps = topo.ConnectedComponents(ug)
		order = make([]int, 0, len(g.IDs))
	)
	minID := func(c []graph.Node) int64 {
		m := c[0].ID()
		for _, n := range c[1:] {
			if n.ID() < m {
				m = n.ID()
			}
		}
		return m
	}
	sort.Slice(comps, func(i, j int) bool { return minID(comps[i]) < minID(comps[j]) })
	for _, c := range comps {
		depth := make(map[int64]int, len(c))
		bf := traverse.BreadthFirst{}
		bf.Walk(ug, ug.Node(minID(c)), func(n graph.Node, d int) bool {
			depth[n.ID()] = d
			return false
		})
		ids := make([]int64, 0, len(depth))
		for id := range depth {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if depth[ids[i]] != depth[ids[j]] {
				return depth[ids[i]] < depth[ids[j]]
			}
			return ids[i] < ids[j]
		})
		for _, id := range ids {
			i, _ := g.Lookup(id)
			order = append(order, i)
		}
	}
	return order
}

func growPartitions(g *GlobalGraph, nparts int) []int {
	var (
		assign = make([]int, g.NumVertices())
		total  = g.TotalWeight()
		P      = int64(nparts)
		cum    int64
	)
	if total == 0 {
		return assign
	}
	for _, i := range g.BreadthFirstOrder() {
		w := int64(g.VertexWeights[i])
		p := (2*cum + w) * P / (2 * total)
		if p > P-1 {
			p = P - 1
		}
		assign[i] = int(p)
		cum += w
	}
	return assign
}
