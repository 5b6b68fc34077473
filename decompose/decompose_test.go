package decompose

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/generate"
	"github.com/notargets/meshdist/mesh"
)

func TestRunAllPartitioners(t *testing.T) {
	g := generate.QuadGrid(8, 8, true)
	total := g.NumNodes() + g.NumElements()
	for _, name := range []string{"block", "graph", "spectral"} {
		t.Run(name, func(t *testing.T) {
			var (
				NP      = 3
				results = make([]*Result, NP)
				seeds   = make([]Digest, NP)
				meshes  = make([]*mesh.Mesh, NP)
			)
			err := comm.Run(context.Background(), NP, zerolog.Nop(), func(pc *comm.ProcessContext) error {
				cfg := DefaultConfig(4)
				cfg.Partitioner = name
				cfg.Rings = 2
				cfg.CheckInvariants = true
				cfg.Codec = comm.NewCodec(comm.CompressionZstd)
				m, _, err := generate.Distribute(pc, cfg.Codec, g, 4, 16)
				if err != nil {
					return err
				}
				if seeds[pc.Rank], err = OwnedDigest(pc, m); err != nil {
					return err
				}
				meshes[pc.Rank] = m
				results[pc.Rank], err = Run(pc, m, cfg)
				return err
			})
			require.NoError(t, err)

			owned, ghosts := 0, 0
			for rank, res := range results {
				assert.Equal(t, seeds[0], seeds[rank])
				assert.Equal(t, seeds[rank], res.Digest)
				assert.True(t, res.Index.Valid())
				assert.Equal(t, res.Counts, meshes[rank].Counts())
				ghosts += res.Counts.GhostElements
				assert.Equal(t, 2, res.Overlap.Rings)
				assert.Empty(t, res.Migration.Dangling)
				require.NotNil(t, res.Report)
				assert.Equal(t, results[0].Report.CutFaces, res.Report.CutFaces)
				owned += res.Counts.OwnedNodes + res.Counts.OwnedElements
				assert.NoError(t, meshes[rank].CheckConnectivity())
			}
			assert.Equal(t, total, owned)
			assert.Greater(t, ghosts, 0)
		})
	}
}

// strayGhosts lists the ghost elements sharing no node with an owned element.
func strayGhosts(m *mesh.Mesh) (ids []int64) {
	m.EachElement(func(_ mesh.ElemRef, e *mesh.Element) bool {
		if m.Owned(e.Rank) {
			return true
		}
		for _, node := range e.NodeIDs {
			for _, gid := range m.NodeElems[node] {
				if o := m.ElementByID(gid); o != nil && m.Owned(o.Rank) {
					return true
				}
			}
		}
		ids = append(ids, e.GlobalID)
		return true
	})
	return
}

// Repartitioning an already overlapped mesh rebuilds the overlap around the
// new ownership.
func TestRunTwice(t *testing.T) {
	var (
		NP     = 3
		g      = generate.QuadGrid(8, 8, true)
		total  = g.NumNodes() + g.NumElements()
		meshes = make([]*mesh.Mesh, NP)
		second = make([]*Result, NP)
	)
	err := comm.Run(context.Background(), NP, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		cfg := DefaultConfig(NP)
		cfg.Partitioner = "block"
		cfg.CheckInvariants = true
		m, _, err := generate.Distribute(pc, cfg.Codec, g, NP, 16)
		if err != nil {
			return err
		}
		if _, err = Run(pc, m, cfg); err != nil {
			return err
		}
		cfg.Partitioner = "spectral"
		meshes[pc.Rank] = m
		second[pc.Rank], err = Run(pc, m, cfg)
		return err
	})
	require.NoError(t, err)

	owned := 0
	for rank, m := range meshes {
		res := second[rank]
		assert.Empty(t, strayGhosts(m), "rank %d", rank)
		assert.Greater(t, res.Migration.GhostsDropped, 0)
		assert.Equal(t, res.Counts, m.Counts())
		assert.Equal(t, second[0].Digest, res.Digest)
		assert.NoError(t, m.CheckConsistency())
		assert.NoError(t, m.CheckConnectivity())
		owned += res.Counts.OwnedNodes + res.Counts.OwnedElements
	}
	assert.Equal(t, total, owned)
}

func TestRunNoRings(t *testing.T) {
	pc := comm.Serial(zerolog.Nop())
	cfg := DefaultConfig(2)
	cfg.Rings = 0
	cfg.Partitioner = "block"
	m, _, err := generate.Distribute(pc, cfg.Codec, generate.Chain1D(6), 2, 4)
	require.NoError(t, err)
	res, err := Run(pc, m, cfg)
	require.NoError(t, err)
	// A single process owns everything and has nothing to ghost
	assert.Equal(t, 0, res.Overlap.Rings)
	assert.Equal(t, mesh.Counts{OwnedNodes: 7, OwnedElements: 6}, res.Counts)
	assert.Equal(t, len(res.Changes), res.Migration.Repartitioned)
}

func TestRunConfigErrors(t *testing.T) {
	pc := comm.Serial(zerolog.Nop())
	m, _, err := generate.Distribute(pc, comm.NewCodec(comm.CompressionNone), generate.Chain1D(2), 1, 4)
	require.NoError(t, err)
	{
		cfg := DefaultConfig(1)
		cfg.Rings = -1
		_, err = Run(pc, m, cfg)
		assert.Error(t, err)
	}
	{
		cfg := DefaultConfig(1)
		cfg.Partitioner = "metis"
		_, err = Run(pc, m, cfg)
		assert.Error(t, err)
	}
}

func TestOwnedDigest(t *testing.T) {
	var (
		digests = make([]Digest, 2)
		other   Digest
	)
	err := comm.Run(context.Background(), 2, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		codec := comm.NewCodec(comm.CompressionNone)
		m, _, err := generate.Distribute(pc, codec, generate.Chain1D(4), 2, 4)
		if err != nil {
			return err
		}
		if digests[pc.Rank], err = OwnedDigest(pc, m); err != nil {
			return err
		}
		m5, _, err := generate.Distribute(pc, codec, generate.Chain1D(5), 2, 4)
		if err != nil {
			return err
		}
		d, err := OwnedDigest(pc, m5)
		if pc.IsRoot() {
			other = d
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, digests[0], digests[1])
	assert.NotEqual(t, digests[0], other)
	assert.Len(t, digests[0].String(), 16)

	// The same id owned twice is caught on every rank
	err = comm.Run(context.Background(), 2, zerolog.Nop(), func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, comm.NewCodec(comm.CompressionNone), generate.Chain1D(4), 2, 4)
		if err != nil {
			return err
		}
		if pc.Rank == 1 {
			if _, err = m.AddNode(mesh.Node{GlobalID: 0, Rank: 1, Part: 1, Coords: []float64{0, 0, 0}}); err != nil {
				return err
			}
		}
		_, err = OwnedDigest(pc, m)
		return err
	})
	assert.ErrorIs(t, err, mesh.ErrInconsistent)
}
