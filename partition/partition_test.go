package partition

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/generate"
	"github.com/notargets/meshdist/mesh"
)

var codec = comm.NewCodec(comm.CompressionNone)

type fixedPartitioner struct {
	assign func(n int) []int
}

func (f *fixedPartitioner) Name() string { return "fixed" }

func (f *fixedPartitioner) BuildGraph(view GraphView) (Graph, error) {
	var n int
	for _, p := range view.LocalPartitions() {
		n += view.CountOwned(p)
	}
	return n, nil
}

func (f *fixedPartitioner) PartitionGraph(g Graph) ([]int, error) { return f.assign(g.(int)), nil }

func serialEngine(t *testing.T, g *generate.Global, nparts int, binding Partitioner) (*Engine, *mesh.Mesh) {
	pc := comm.Serial(zerolog.Nop())
	m, _, err := generate.Distribute(pc, codec, g, 1, 16)
	require.NoError(t, err)
	e, err := NewEngine(pc, m, DefaultConfig(nparts), codec, binding)
	require.NoError(t, err)
	return e, m
}

func TestEngineGraphView(t *testing.T) {
	e, m := serialEngine(t, generate.QuadGrid(3, 3, false), 2, &Block{})
	require.NoError(t, e.Initialize())
	assert.Equal(t, []int{0}, e.LocalPartitions())
	assert.Equal(t, 16+9, e.CountOwned(0))
	assert.Equal(t, 0, e.CountOwned(1))
	assert.True(t, e.Index().Valid())
	assert.Equal(t, int64(25), e.Hash().NumIDs())

	ids := e.ListOwned(0, nil)
	require.Len(t, ids, 25)
	// Calling again appends, and gives the same answer
	again := e.ListOwned(0, ids[:0:0])
	assert.Equal(t, ids, again)

	var adj AdjacencyList
	e.ListAdjacency(0, &adj)
	require.Equal(t, 25, adj.NumVertices())
	edges := make(map[[2]int64]bool)
	for i, gid := range ids {
		nbrs, wts := adj.Of(i)
		assert.Len(t, wts, len(nbrs))
		for _, nbr := range nbrs {
			edges[[2]int64{gid, nbr}] = true
		}
		if el := m.ElementByID(gid); el != nil {
			assert.Equal(t, el.NodeIDs, nbrs)
			assert.Equal(t, int32(2), adj.VertexWeights[i]) // quad cost
		} else {
			assert.Equal(t, int32(1), adj.VertexWeights[i])
		}
	}
	// Node->element and element->node adjacency agree
	for edge := range edges {
		assert.True(t, edges[[2]int64{edge[1], edge[0]}], "edge %v", edge)
	}
	// A second ListAdjacency reuses the buffers
	e.ListAdjacency(1, &adj)
	assert.Equal(t, 0, adj.NumVertices())
}

func TestEngineContract(t *testing.T) {
	e, _ := serialEngine(t, generate.Chain1D(4), 2, &Block{})
	assert.ErrorIs(t, e.Partition(), ErrNotInitialized)
	_, err := e.MovePlan()
	assert.ErrorIs(t, err, ErrNotPartitioned)

	require.NoError(t, e.Initialize())
	p, err := e.PartitionOf(0)
	require.NoError(t, err)
	assert.Equal(t, 0, p)
	require.NoError(t, e.Partition())
	assert.ErrorIs(t, e.Partition(), ErrAlreadyPartitioned)
	_, err = e.PartitionOf(99)
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-initializing allows one more partition
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Partition())

	_, err = NewEngine(comm.Serial(zerolog.Nop()), mesh.New(0, 1, 1), DefaultConfig(0), codec, &Block{})
	assert.Error(t, err)
}

func TestEngineRejectsIncompleteAssignment(t *testing.T) {
	short := &fixedPartitioner{assign: func(n int) []int { return make([]int, n-1) }}
	e, _ := serialEngine(t, generate.Chain1D(3), 2, short)
	require.NoError(t, e.Initialize())
	assert.ErrorIs(t, e.Partition(), ErrIncompleteAssignment)

	outside := &fixedPartitioner{assign: func(n int) []int {
		a := make([]int, n)
		a[n-1] = 2
		return a
	}}
	e, _ = serialEngine(t, generate.Chain1D(3), 2, outside)
	require.NoError(t, e.Initialize())
	assert.ErrorIs(t, e.Partition(), ErrIncompleteAssignment)
}

func TestMovePlanAndShowChanges(t *testing.T) {
	// Odd vertices in ListOwned order go to partition 1
	alternate := &fixedPartitioner{assign: func(n int) []int {
		a := make([]int, n)
		for i := range a {
			a[i] = i % 2
		}
		return a
	}}
	e, m := serialEngine(t, generate.Chain1D(4), 2, alternate)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Partition())
	plan, err := e.MovePlan()
	require.NoError(t, err)
	assert.Equal(t, 2, plan.NumPartitions)
	ids := e.ListOwned(0, nil)
	assert.Len(t, plan.Moves, len(ids)/2)
	for i, gid := range ids {
		mv, ok := plan.Target(gid)
		assert.Equal(t, i%2 == 1, ok)
		if ok {
			assert.Equal(t, Move{GlobalID: gid, IsNode: m.NodeByID(gid) != nil, From: 0, To: 1, Rank: 0}, mv)
		}
	}
	changes, err := e.ShowChanges()
	require.NoError(t, err)
	assert.Equal(t, plan.Sorted(), changes)
	// Nothing was applied
	m.EachElement(func(_ mesh.ElemRef, el *mesh.Element) bool {
		assert.Equal(t, 0, el.Part)
		return true
	})
}

// runBinding partitions g over NP ranks and returns the new partition of
// every vertex.
func runBinding(t *testing.T, g *generate.Global, NP, nparts int, cfg func(*Config),
	binding func() Partitioner) (map[int64]int, error) {
	var (
		mu     sync.Mutex
		result = make(map[int64]int)
	)
	err := comm.Run(context.Background(), NP, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, codec, g, nparts, 8)
		if err != nil {
			return err
		}
		c := DefaultConfig(nparts)
		if cfg != nil {
			cfg(c)
		}
		e, err := NewEngine(pc, m, c, codec, binding())
		if err != nil {
			return err
		}
		if err = e.Initialize(); err != nil {
			return err
		}
		if err = e.Partition(); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, part := range e.LocalPartitions() {
			for _, gid := range e.ListOwned(part, nil) {
				if _, dup := result[gid]; dup {
					return errors.New("vertex owned twice")
				}
				result[gid], _ = e.PartitionOf(gid)
			}
		}
		return nil
	})
	return result, err
}

func partitionLoads(t *testing.T, g *generate.Global, assign map[int64]int, nparts int) []int64 {
	cost := DefaultCostModel()
	loads := make([]int64, nparts)
	for gid := int64(0); gid < int64(g.NumNodes()); gid++ {
		loads[assign[gid]]++
	}
	g.Each(func(gid int64, et mesh.ElementType, _ int, nodes []int64) {
		loads[assign[gid]] += int64(cost.Compute(et, len(nodes)))
	})
	return loads
}

func TestBindingsCoverAndBalance(t *testing.T) {
	g := generate.QuadGrid(6, 6, true)
	var total int64
	for _, l := range partitionLoads(t, g, map[int64]int{}, 1) {
		total += l
	}
	for _, name := range []string{"block", "graph", "spectral"} {
		t.Run(name, func(t *testing.T) {
			for _, tc := range []struct{ NP, nparts int }{{1, 3}, {3, 3}, {2, 4}} {
				assign, err := runBinding(t, g, tc.NP, tc.nparts, nil, func() Partitioner {
					p, err := New(name)
					require.NoError(t, err)
					return p
				})
				require.NoError(t, err)
				require.Len(t, assign, g.NumNodes()+g.NumElements())
				for _, p := range assign {
					require.True(t, p >= 0 && p < tc.nparts)
				}
				loads := partitionLoads(t, g, assign, tc.nparts)
				for p, l := range loads {
					assert.Greater(t, l, int64(0), "%s NP=%d partition %d empty", name, tc.NP, p)
					if name != "spectral" {
						// Weighted chunking is off by at most one quad
						assert.InDelta(t, float64(total)/float64(tc.nparts), float64(l), 2.5)
					}
				}
			}
		})
	}
}

func TestSpectralSplitsChainContiguously(t *testing.T) {
	g := generate.Chain1D(9)
	assign, err := runBinding(t, g, 2, 2, nil, func() Partitioner { return &Spectral{} })
	require.NoError(t, err)
	// Walk the path node 0, element 10, node 1, element 11, ...
	var path []int
	for k := 0; k < 9; k++ {
		path = append(path, assign[int64(k)], assign[int64(10+k)])
	}
	path = append(path, assign[9])
	changes := 0
	for i := 1; i < len(path); i++ {
		if path[i] != path[i-1] {
			changes++
		}
	}
	assert.Equal(t, 1, changes, "%v", path)
}

// cliquePair is a clique of six joined by one edge to a clique of four.
func cliquePair() *GlobalGraph {
	var (
		g       = &GlobalGraph{byID: make(map[int64]int)}
		cluster = func(i int) (lo, hi int) {
			if i < 6 {
				return 0, 6
			}
			return 6, 10
		}
	)
	g.Offsets = []int{0}
	for i := 0; i < 10; i++ {
		g.IDs = append(g.IDs, int64(i))
		g.VertexWeights = append(g.VertexWeights, 1)
		g.byID[int64(i)] = i
		lo, hi := cluster(i)
		for j := lo; j < hi; j++ {
			if j != i {
				g.Neighbors = append(g.Neighbors, int64(j))
				g.EdgeWeights = append(g.EdgeWeights, 1)
			}
		}
		if i == 5 || i == 6 {
			g.Neighbors = append(g.Neighbors, int64(11-i))
			g.EdgeWeights = append(g.EdgeWeights, 1)
		}
		g.Offsets = append(g.Offsets, len(g.Neighbors))
	}
	g.Counts = []int{10}
	return g
}

func TestSpectralImbalanceTolerance(t *testing.T) {
	g := cliquePair()
	// An exact split has to cut through the larger clique
	assign, err := bisect(g, 2, 0, 1)
	require.NoError(t, err)
	sizes := make([]int, 2)
	for _, p := range assign {
		sizes[p]++
	}
	assert.Equal(t, []int{5, 5}, sizes)

	// With room for one extra vertex the cut falls on the bridge
	assign, err = bisect(g, 2, 0, 1.25)
	require.NoError(t, err)
	for i := 1; i < 10; i++ {
		if i < 6 {
			assert.Equal(t, assign[0], assign[i], "vertex %d", i)
		} else {
			assert.Equal(t, assign[6], assign[i], "vertex %d", i)
		}
	}
	assert.NotEqual(t, assign[0], assign[6])

	// Too little room leaves the exact split alone
	assign, err = bisect(g, 2, 0, 1.1)
	require.NoError(t, err)
	sizes = make([]int, 2)
	for _, p := range assign {
		sizes[p]++
	}
	assert.Equal(t, []int{5, 5}, sizes)
}

func TestSpectralTooLarge(t *testing.T) {
	_, err := runBinding(t, generate.QuadGrid(4, 4, false), 3, 3,
		func(c *Config) { c.MaxSpectralVertices = 10 },
		func() Partitioner { return &Spectral{} })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestGraphGrowingDisconnected(t *testing.T) {
	// Two chains side by side share no node
	g := generate.Chain1D(4)
	g.Nodes = append(g.Nodes, g.Nodes...)
	g.Elements = append(g.Elements, generate.ElementSet{
		Type:     mesh.Line,
		Elements: [][]int{{5, 6}, {6, 7}, {7, 8}, {8, 9}},
	})
	assign, err := runBinding(t, g, 2, 2, nil, func() Partitioner { return &GraphGrowing{} })
	require.NoError(t, err)
	// Each connected chain lands in its own partition
	for k := int64(0); k < 5; k++ {
		assert.Equal(t, assign[0], assign[k])
		assert.Equal(t, assign[5], assign[5+k])
	}
	assert.NotEqual(t, assign[0], assign[5])
}

func TestNewPartitioner(t *testing.T) {
	for _, name := range []string{"block", "graph", "spectral"} {
		p, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	_, err := New("metis")
	assert.Error(t, err)
}

func TestEngineCostModel(t *testing.T) {
	e, _ := serialEngine(t, generate.QuadGrid(3, 3, false), 2, &Block{})
	e.SetCostModel(CostModel{
		Compute: func(mesh.ElementType, int) int32 { return 5 },
		Comm:    func(int, bool) int32 { return 3 },
	})
	require.NoError(t, e.Initialize())
	var adj AdjacencyList
	e.ListAdjacency(0, &adj)
	var elems, load int
	for i, gid := range e.ListOwned(0, nil) {
		if gid >= 16 {
			elems++
			assert.Equal(t, int32(5), adj.VertexWeights[i])
			load += int(adj.VertexWeights[i])
		}
	}
	assert.Equal(t, 9, elems)

	r, err := e.Analyze()
	require.NoError(t, err)
	assert.Equal(t, int64(load), r.Parts[0].ComputeLoad)
	assert.Equal(t, int64(3*r.CutFaces), r.CommVolume)
}

func TestAnalyze(t *testing.T) {
	pc := comm.Serial(zerolog.Nop())
	m, _, err := generate.Distribute(pc, codec, generate.QuadGrid(4, 4, false), 1, 16)
	require.NoError(t, err)
	// Left half partition 0, right half partition 1
	m.EachElement(func(_ mesh.ElemRef, el *mesh.Element) bool {
		if (el.GlobalID-25)%4 >= 2 {
			el.Part = 1
		}
		return true
	})
	m.EachNode(func(_ int, n *mesh.Node) bool {
		if n.GlobalID%5 >= 3 {
			n.Part = 1
		}
		return true
	})
	r, err := Analyze(pc, codec, m, 2, DefaultCostModel())
	require.NoError(t, err)
	assert.Equal(t, 4, r.CutFaces)
	assert.Equal(t, int64(8), r.CommVolume)
	assert.Equal(t, map[[2]int]int{{0, 1}: 4}, r.Interfaces)
	for p, s := range r.Parts {
		assert.Equal(t, 8, s.NumElements)
		assert.Equal(t, int64(16), s.ComputeLoad)
		assert.Equal(t, map[mesh.ElementType]int{mesh.Quad: 8}, s.ElementTypes)
		assert.Equal(t, map[int]int{1 - p: 4}, s.NumNeighbors)
	}
	assert.Equal(t, 15, r.Parts[0].NumNodes)
	assert.Equal(t, 10, r.Parts[1].NumNodes)
	assert.InDelta(t, 0, r.Imbalance, 1e-12)
	assert.InDelta(t, 16, r.MeanLoad, 1e-12)
	assert.InDelta(t, 0, r.StdDevLoad, 1e-12)
}
