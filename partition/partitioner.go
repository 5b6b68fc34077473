package partition

import (
	"fmt"

	"github.com/notargets/meshdist/comm"
)

// Graph is whatever a Partitioner builds from a GraphView; the engine only
// hands it back to the same Partitioner.
type Graph any

// AdjacencyList is the CSR adjacency of one partition's owned vertices, in
// ListOwned order. Neighbors are global ids.
type AdjacencyList struct {
	Offsets       []int
	Neighbors     []int64
	EdgeWeights   []int32
	VertexWeights []int32
}

func (a *AdjacencyList) Reset() {
	a.Offsets = append(a.Offsets[:0], 0)
	a.Neighbors = a.Neighbors[:0]
	a.EdgeWeights = a.EdgeWeights[:0]
	a.VertexWeights = a.VertexWeights[:0]
}

func (a *AdjacencyList) NumVertices() int { return len(a.Offsets) - 1 }

// Of returns the neighbors and edge weights of vertex i.
func (a *AdjacencyList) Of(i int) ([]int64, []int32) {
	lo, hi := a.Offsets[i], a.Offsets[i+1]
	return a.Neighbors[lo:hi], a.EdgeWeights[lo:hi]
}

// GraphView is the read-only side of the engine a Partitioner sees. All
// queries are answered from the index and adjacency captured at Initialize
// and can be called any number of times in any order.
type GraphView interface {
	Context() *comm.ProcessContext
	Codec() *comm.Codec
	Config() *Config
	NumPartitions() int
	// LocalPartitions lists the partitions owned vertices currently belong
	// to, ascending.
	LocalPartitions() []int
	CountOwned(part int) int
	// ListOwned appends the global ids of part's owned vertices to out.
	ListOwned(part int, out []int64) []int64
	ListAdjacency(part int, out *AdjacencyList)
}

// Partitioner is an external graph partitioning algorithm. PartitionGraph
// returns one partition in [0, NumPartitions) per vertex, aligned with the
// concatenation of ListOwned over LocalPartitions. Both calls are
// collective.
type Partitioner interface {
	Name() string
	BuildGraph(view GraphView) (Graph, error)
	PartitionGraph(g Graph) ([]int, error)
}

// New returns the partitioner registered under name.
func New(name string) (Partitioner, error) {
	switch name {
	case "block", "":
		return &Block{}, nil
	case "graph":
		return &GraphGrowing{}, nil
	case "spectral":
		return &Spectral{}, nil
	default:
		return nil, fmt.Errorf("partition: unknown partitioner %q", name)
	}
}
