package partition

import (
	"errors"
	"fmt"

	"github.com/notargets/meshdist/comm"
)

// LocalGraph is one rank's owned vertices in assignment order, with CSR
// adjacency by global id.
type LocalGraph struct {
	IDs           []int64
	VertexWeights []int32
	Offsets       []int
	Neighbors     []int64
	EdgeWeights   []int32
}

// CollectLocal flattens the view over LocalPartitions.
func CollectLocal(view GraphView) *LocalGraph {
	var (
		lg  = &LocalGraph{Offsets: []int{0}}
		adj AdjacencyList
	)
	useV, useE := view.Config().UseVertexWeights, view.Config().UseEdgeWeights
	for _, part := range view.LocalPartitions() {
		lg.IDs = view.ListOwned(part, lg.IDs)
		view.ListAdjacency(part, &adj)
		for i := 0; i < adj.NumVertices(); i++ {
			nbrs, wts := adj.Of(i)
			vw := int32(1)
			if useV {
				vw = adj.VertexWeights[i]
			}
			lg.VertexWeights = append(lg.VertexWeights, vw)
			lg.Neighbors = append(lg.Neighbors, nbrs...)
			for _, w := range wts {
				if !useE {
					w = 1
				}
				lg.EdgeWeights = append(lg.EdgeWeights, w)
			}
			lg.Offsets = append(lg.Offsets, len(lg.Neighbors))
		}
	}
	return lg
}

// GlobalGraph is the whole distributed graph, gathered on the root rank.
// Vertices are in rank order, each rank's in its assignment order.
type GlobalGraph struct {
	LocalGraph
	Counts []int // vertices contributed by each rank
	byID   map[int64]int
}

func (g *GlobalGraph) NumVertices() int { return len(g.IDs) }

// Lookup returns the vertex index of a global id.
func (g *GlobalGraph) Lookup(gid int64) (int, bool) {
	i, ok := g.byID[gid]
	return i, ok
}

func (g *GlobalGraph) TotalWeight() (w int64) {
	for _, vw := range g.VertexWeights {
		w += int64(vw)
	}
	return
}

// GatherGraph sends every rank's local graph to rank 0. The result is nil
// on every other rank. Collective.
func GatherGraph(view GraphView) (*GlobalGraph, error) {
	pc := view.Context()
	send := make([]LocalGraph, pc.Size)
	send[0] = *CollectLocal(view)
	recv, err := comm.AllToAllOf(pc, view.Codec(), send)
	if err != nil {
		return nil, fmt.Errorf("partition: gathering graph: %w", err)
	}
	if !pc.IsRoot() {
		return nil, nil
	}
	g := &GlobalGraph{
		LocalGraph: LocalGraph{Offsets: []int{0}},
		Counts:     make([]int, pc.Size),
		byID:       make(map[int64]int),
	}
	for rank, lg := range recv {
		g.Counts[rank] = len(lg.IDs)
		for i, gid := range lg.IDs {
			if _, dup := g.byID[gid]; dup {
				return nil, fmt.Errorf("partition: vertex %d owned by more than one rank", gid)
			}
			g.byID[gid] = len(g.IDs)
			g.IDs = append(g.IDs, gid)
			g.VertexWeights = append(g.VertexWeights, lg.VertexWeights[i])
			lo, hi := lg.Offsets[i], lg.Offsets[i+1]
			g.Neighbors = append(g.Neighbors, lg.Neighbors[lo:hi]...)
			g.EdgeWeights = append(g.EdgeWeights, lg.EdgeWeights[lo:hi]...)
			g.Offsets = append(g.Offsets, len(g.Neighbors))
		}
	}
	return g, nil
}

type scattered struct {
	Parts []int
	Err   string
}

// ScatterAssignment hands each rank its slice of an assignment computed on
// the root. A root-side failure is reported on every rank. Collective.
func ScatterAssignment(pc *comm.ProcessContext, codec *comm.Codec, g *GlobalGraph,
	assign []int, rootErr error) ([]int, error) {
	send := make([]scattered, pc.Size)
	if pc.IsRoot() {
		k := 0
		for rank := range send {
			switch {
			case rootErr != nil:
				send[rank].Err = rootErr.Error()
			default:
				send[rank].Parts = assign[k : k+g.Counts[rank]]
				k += g.Counts[rank]
			}
		}
	}
	recv, err := comm.AllToAllOf(pc, codec, send)
	if err != nil {
		return nil, fmt.Errorf("partition: scattering assignment: %w", err)
	}
	if rootErr != nil {
		return nil, rootErr
	}
	if recv[0].Err != "" {
		return nil, errors.New(recv[0].Err)
	}
	return recv[0].Parts, nil
}
