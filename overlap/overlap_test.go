package overlap

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/generate"
	"github.com/notargets/meshdist/mesh"
)

var codec = comm.NewCodec(comm.CompressionLZ4)

func elementIDs(m *mesh.Mesh, owned bool) (ids []int64) {
	m.EachElement(func(_ mesh.ElemRef, e *mesh.Element) bool {
		if m.Owned(e.Rank) == owned {
			ids = append(ids, e.GlobalID)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return
}

func nodeIDs(m *mesh.Mesh, owned bool) (ids []int64) {
	m.EachNode(func(_ int, n *mesh.Node) bool {
		if m.Owned(n.Rank) == owned {
			ids = append(ids, n.GlobalID)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return
}

// growChain distributes a 9 element chain over 3 ranks and grows rings.
// Nodes are 0..9, element k has global id 10+k.
func growChain(t *testing.T, rings int) ([]*mesh.Mesh, []Stats) {
	var (
		NP     = 3
		meshes = make([]*mesh.Mesh, NP)
		stats  = make([]Stats, NP)
	)
	err := comm.Run(context.Background(), NP, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, codec, generate.Chain1D(9), NP, 4)
		if err != nil {
			return err
		}
		meshes[pc.Rank] = m
		stats[pc.Rank], err = New(pc, m, codec, Options{CheckInvariants: true}).GrowRings(rings)
		return err
	})
	require.NoError(t, err)
	return meshes, stats
}

func TestGrowChainOneRing(t *testing.T) {
	meshes, stats := growChain(t, 1)
	m0, m1 := meshes[0], meshes[1]
	// Rank 0 still owns elements 0..2 and holds element 3 as a ghost
	assert.Equal(t, []int64{10, 11, 12}, elementIDs(m0, true))
	assert.Equal(t, []int64{13}, elementIDs(m0, false))
	assert.Equal(t, []int64{3, 4}, nodeIDs(m0, false))
	assert.Equal(t, 1, m0.ElementByID(13).Rank)
	// Rank 1 sees elements 2 and 6 across its two interfaces
	assert.Equal(t, []int64{13, 14, 15}, elementIDs(m1, true))
	assert.Equal(t, []int64{12, 16}, elementIDs(m1, false))
	assert.Equal(t, []int64{2, 6, 7}, nodeIDs(m1, false))
	assert.Equal(t, 1, stats[0].ElementsReceived)
	assert.Equal(t, 1, stats[0].NodesReceived)
	for _, m := range meshes {
		require.NoError(t, m.CheckConnectivity())
		require.NoError(t, m.CheckConsistency())
		e := m.ElementByID(elementIDs(m, false)[0])
		for k, gid := range e.NodeIDs {
			assert.Equal(t, gid, m.Node(e.Nodes[k]).GlobalID)
		}
	}
}

func TestGrowTwiceAddsSecondRing(t *testing.T) {
	one, _ := growChain(t, 1)
	two, stats := growChain(t, 2)
	assert.Equal(t, []int64{13, 14}, elementIDs(two[0], false))
	assert.Equal(t, []int64{11, 12, 16, 17}, elementIDs(two[1], false))
	assert.Equal(t, []int64{14, 15}, elementIDs(two[2], false))
	for rank := range one {
		assert.NotEqual(t, elementIDs(one[rank], false), elementIDs(two[rank], false))
		// Owned entities are untouched by growth
		assert.Equal(t, elementIDs(one[rank], true), elementIDs(two[rank], true))
		assert.Equal(t, nodeIDs(one[rank], true), nodeIDs(two[rank], true))
	}
	// The second pass sends element 3 to rank 0 again, and it is dropped
	assert.Greater(t, stats[0].DuplicatesDropped, 0)
	assert.Equal(t, 2, stats[0].Rings)
}

func TestGrowQuadGridNodeStencil(t *testing.T) {
	var (
		NP     = 3
		g      = generate.QuadGrid(6, 6, true)
		meshes = make([]*mesh.Mesh, NP)
	)
	err := comm.Run(context.Background(), NP, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, codec, g, NP, 8)
		if err != nil {
			return err
		}
		meshes[pc.Rank] = m
		_, err = New(pc, m, codec, Options{CheckInvariants: true}).Grow()
		return err
	})
	require.NoError(t, err)

	nodeElems := make(map[int64][]int64)
	g.Each(func(gid int64, et mesh.ElementType, _ int, nodes []int64) {
		if et == mesh.Quad {
			for _, n := range nodes {
				nodeElems[n] = append(nodeElems[n], gid)
			}
		}
	})
	ghosts := 0
	for rank, m := range meshes {
		for _, gid := range elementIDs(m, true) {
			e := m.ElementByID(gid)
			if e.Type != mesh.Quad {
				continue
			}
			for _, n := range e.NodeIDs {
				for _, nbr := range nodeElems[n] {
					assert.NotNil(t, m.ElementByID(nbr), "rank %d: quad %d misses neighbor %d", rank, gid, nbr)
				}
			}
		}
		ghosts += len(elementIDs(m, false))
		assert.NoError(t, m.CheckConnectivity())
	}
	assert.Greater(t, ghosts, 0)
}

func TestFetchMissingNodesInconsistent(t *testing.T) {
	err := comm.Run(context.Background(), 2, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, codec, generate.Chain1D(4), 2, 4)
		if err != nil {
			return err
		}
		if pc.Rank == 1 {
			// References node 42, which no rank has
			if _, err = m.AddElement(mesh.Element{GlobalID: 100, Rank: 1, Type: mesh.Line,
				NodeIDs: []int64{4, 42}}); err != nil {
				return err
			}
		}
		_, err = New(pc, m, codec, Options{}).FetchMissingNodes()
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, mesh.ErrInconsistent)
	var ie *mesh.InconsistencyError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []int64{42}, ie.IDs)
}

func TestFetchMissingNodesResolvesDangling(t *testing.T) {
	var meshes = make([]*mesh.Mesh, 2)
	err := comm.Run(context.Background(), 2, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, codec, generate.Chain1D(4), 2, 4)
		if err != nil {
			return err
		}
		if pc.Rank == 0 {
			// A copy of element 8 (nodes 3,4) whose nodes live on rank 1
			if _, err = m.AddElement(mesh.Element{GlobalID: 8, Rank: 1, Part: 1, Type: mesh.Line,
				NodeIDs: []int64{3, 4}}); err != nil {
				return err
			}
		}
		meshes[pc.Rank] = m
		st, err := New(pc, m, codec, Options{CheckInvariants: true}).FetchMissingNodes()
		if err == nil && pc.Rank == 0 && st.NodesReceived != 2 {
			return errors.New("expected two nodes")
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, nodeIDs(meshes[0], false))
	for _, gid := range []int64{3, 4} {
		assert.Equal(t, 1, meshes[0].NodeByID(gid).Rank)
	}
}
