package partition

import (
	"github.com/notargets/meshdist/comm"
)

// Block splits the owned vertices of all ranks, taken in rank order, into
// NumPartitions contiguous blocks of about equal weight. It needs no
// adjacency.
type Block struct{}

type blockGraph struct {
	view    GraphView
	weights []int32
}

func (b *Block) Name() string { return "block" }

func (b *Block) BuildGraph(view GraphView) (Graph, error) {
	var (
		bg  = &blockGraph{view: view}
		adj AdjacencyList
	)
	for _, part := range view.LocalPartitions() {
		view.ListAdjacency(part, &adj)
		for _, w := range adj.VertexWeights {
			if !view.Config().UseVertexWeights {
				w = 1
			}
			bg.weights = append(bg.weights, w)
		}
	}
	return bg, nil
}

func (b *Block) PartitionGraph(g Graph) ([]int, error) {
	var (
		bg    = g.(*blockGraph)
		pc    = bg.view.Context()
		P     = int64(bg.view.NumPartitions())
		local int64
	)
	for _, w := range bg.weights {
		local += int64(w)
	}
	all, err := comm.AllGatherOf(pc, bg.view.Codec(), local)
	if err != nil {
		return nil, err
	}
	var offset, total int64
	for rank, w := range all {
		if rank < pc.Rank {
			offset += w
		}
		total += w
	}
	assign := make([]int, len(bg.weights))
	cum := offset
	for i, w := range bg.weights {
		// Place each vertex by the midpoint of its weight interval
		mid := 2*cum + int64(w)
		p := mid * P / (2 * total)
		if p > P-1 {
			p = P - 1
		}
		assign[i] = int(p)
		cum += int64(w)
	}
	return assign, nil
}
