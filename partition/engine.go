// Package partition bridges a distributed mesh to a graph partitioning
// algorithm and turns the algorithm's answer into a move plan.
//
// The graph has one vertex per owned entity, nodes and elements alike; an
// element is adjacent to its nodes and a node to the resident elements that
// reference it.
package partition

import (
	"fmt"
	"sort"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/hash"
	"github.com/notargets/meshdist/mesh"
)

type vertex struct {
	gid        int64
	isNode     bool
	part       int
	weight     int32
	adj        []int64
	adjWeights []int32
}

type Engine struct {
	pc      *comm.ProcessContext
	m       *mesh.Mesh
	cfg     *Config
	codec   *comm.Codec
	binding Partitioner
	cost    CostModel

	hash       *hash.MixedHash
	index      *mesh.GlobalLocalIndex
	vertices   []vertex
	byPart     map[int][]int // partition -> indices into vertices
	localParts []int
	byID       map[int64]int // gid -> index into vertices
	assignment []int         // new partition per vertex, in vertices order

	initialized, partitioned bool
}

// NewEngine creates a partition engine for one rank's share of the mesh.
func NewEngine(pc *comm.ProcessContext, m *mesh.Mesh, cfg *Config, codec *comm.Codec,
	binding Partitioner) (*Engine, error) {
	if cfg.NumPartitions < 1 {
		return nil, fmt.Errorf("partition: need at least one partition, have %d", cfg.NumPartitions)
	}
	return &Engine{
		pc:      pc,
		m:       m,
		cfg:     cfg,
		codec:   codec,
		binding: binding,
		cost:    DefaultCostModel(),
	}, nil
}

func (e *Engine) SetCostModel(cm CostModel) { e.cost = cm }

// Initialize establishes the global counts, indexes the mesh and captures
// the adjacency of every owned entity. Collective.
func (e *Engine) Initialize() (err error) {
	c := e.m.Counts()
	if e.hash, err = hash.EstablishMixedHash(e.pc, e.codec, e.cfg.NumPartitions,
		int64(c.OwnedNodes), int64(c.OwnedElements)); err != nil {
		return fmt.Errorf("partition: establishing global counts: %w", err)
	}
	e.index = mesh.BuildIndex(e.m)
	e.vertices = e.vertices[:0]
	e.byPart = make(map[int][]int)
	e.byID = make(map[int64]int, c.OwnedNodes+c.OwnedElements)
	e.assignment = nil

	e.m.EachNode(func(_ int, n *mesh.Node) bool {
		if !e.m.Owned(n.Rank) {
			return true
		}
		elems := e.m.NodeElems[n.GlobalID]
		v := vertex{
			gid:        n.GlobalID,
			isNode:     true,
			part:       n.Part,
			weight:     1,
			adj:        append([]int64(nil), elems...),
			adjWeights: make([]int32, len(elems)),
		}
		for k := range v.adjWeights {
			v.adjWeights[k] = 1
		}
		e.addVertex(v)
		return true
	})
	e.m.EachElement(func(_ mesh.ElemRef, el *mesh.Element) bool {
		if !e.m.Owned(el.Rank) {
			return true
		}
		v := vertex{
			gid:        el.GlobalID,
			part:       el.Part,
			weight:     e.cost.Compute(el.Type, len(el.NodeIDs)),
			adj:        append([]int64(nil), el.NodeIDs...),
			adjWeights: make([]int32, len(el.NodeIDs)),
		}
		for k := range v.adjWeights {
			v.adjWeights[k] = 1
		}
		e.addVertex(v)
		return true
	})
	e.localParts = e.localParts[:0]
	for p := range e.byPart {
		e.localParts = append(e.localParts, p)
	}
	sort.Ints(e.localParts)
	e.initialized, e.partitioned = true, false
	e.pc.Log.Debug().
		Int("vertices", len(e.vertices)).
		Ints("partitions", e.localParts).
		Int64("globalIDs", e.hash.NumIDs()).
		Msg("partition engine initialized")
	return nil
}

func (e *Engine) addVertex(v vertex) {
	i := len(e.vertices)
	e.vertices = append(e.vertices, v)
	e.byPart[v.part] = append(e.byPart[v.part], i)
	e.byID[v.gid] = i
}

func (e *Engine) Context() *comm.ProcessContext { return e.pc }
func (e *Engine) Codec() *comm.Codec            { return e.codec }
func (e *Engine) Config() *Config               { return e.cfg }
func (e *Engine) NumPartitions() int            { return e.cfg.NumPartitions }
func (e *Engine) LocalPartitions() []int        { return e.localParts }
func (e *Engine) CountOwned(part int) int       { return len(e.byPart[part]) }

func (e *Engine) ListOwned(part int, out []int64) []int64 {
	for _, i := range e.byPart[part] {
		out = append(out, e.vertices[i].gid)
	}
	return out
}

func (e *Engine) ListAdjacency(part int, out *AdjacencyList) {
	out.Reset()
	for _, i := range e.byPart[part] {
		v := &e.vertices[i]
		out.Neighbors = append(out.Neighbors, v.adj...)
		out.EdgeWeights = append(out.EdgeWeights, v.adjWeights...)
		out.VertexWeights = append(out.VertexWeights, v.weight)
		out.Offsets = append(out.Offsets, len(out.Neighbors))
	}
}

// Hash is the mixed hash established by the last Initialize.
func (e *Engine) Hash() *hash.MixedHash { return e.hash }

// Index is the global/local index built by the last Initialize. It goes
// stale as soon as the mesh changes.
func (e *Engine) Index() *mesh.GlobalLocalIndex { return e.index }

// Partition runs the partitioner once. Collective.
func (e *Engine) Partition() error {
	switch {
	case !e.initialized:
		return ErrNotInitialized
	case e.partitioned:
		return ErrAlreadyPartitioned
	}
	e.partitioned = true
	g, err := e.binding.BuildGraph(e)
	if err != nil {
		return fmt.Errorf("partition: %s: building graph: %w", e.binding.Name(), err)
	}
	assign, err := e.binding.PartitionGraph(g)
	if err != nil {
		return fmt.Errorf("partition: %s: %w", e.binding.Name(), err)
	}
	if len(assign) != len(e.vertices) {
		return fmt.Errorf("%w: %s returned %d partitions for %d vertices",
			ErrIncompleteAssignment, e.binding.Name(), len(assign), len(e.vertices))
	}
	// The assignment follows ListOwned order over LocalPartitions
	e.assignment = make([]int, len(e.vertices))
	k := 0
	for _, part := range e.localParts {
		for _, i := range e.byPart[part] {
			p := assign[k]
			if p < 0 || p >= e.cfg.NumPartitions {
				return fmt.Errorf("%w: vertex %d assigned partition %d, have %d",
					ErrIncompleteAssignment, e.vertices[i].gid, p, e.cfg.NumPartitions)
			}
			e.assignment[i] = p
			k++
		}
	}
	return nil
}

// PartitionOf returns the partition of an owned entity: the new one after
// Partition, the current one before.
func (e *Engine) PartitionOf(gid int64) (int, error) {
	i, ok := e.byID[gid]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrNotFound, gid)
	}
	if e.assignment == nil {
		return e.vertices[i].part, nil
	}
	return e.assignment[i], nil
}
