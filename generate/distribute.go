package generate

import (
	"fmt"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/hash"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/utils"
)

// Distribute seeds every rank with the share of g the mixed hash gives it.
// Each rank first takes a contiguous slice of the nodes and elements, as a
// parallel reader would, and the hash is established from those counts.
// A rank ends up with its owned elements and nodes plus ghost copies of the
// nodes its elements reference but do not own. Collective.
func Distribute(pc *comm.ProcessContext, codec *comm.Codec, g *Global,
	nparts, bufferSize int) (m *mesh.Mesh, mh *hash.MixedHash, err error) {
	var (
		nodeSlice = utils.NewPartitionMap(pc.Size, g.NumNodes())
		elemSlice = utils.NewPartitionMap(pc.Size, g.NumElements())
	)
	if mh, err = hash.EstablishMixedHash(pc, codec, nparts,
		int64(nodeSlice.GetBucketDimension(pc.Rank)),
		int64(elemSlice.GetBucketDimension(pc.Rank))); err != nil {
		return nil, nil, err
	}
	m = mesh.New(pc.Rank, g.Dimension, bufferSize)
	addNode := func(gid int64) error {
		if _, ok := m.NodeIndex(gid); ok {
			return nil
		}
		part, rank, err := mh.Owner(gid)
		if err != nil {
			return err
		}
		_, err = m.AddNode(mesh.Node{
			GlobalID: gid,
			Rank:     rank,
			Part:     part,
			Coords:   append([]float64(nil), g.Nodes[gid]...),
		})
		return err
	}
	for gid := int64(0); gid < int64(g.NumNodes()); gid++ {
		if mh.Owns(gid, pc.Rank) {
			if err = addNode(gid); err != nil {
				return nil, nil, err
			}
		}
	}
	g.Each(func(gid int64, et mesh.ElementType, tag int, nodes []int64) {
		if err != nil {
			return
		}
		var part, rank int
		if part, rank, err = mh.Owner(gid); err != nil || rank != pc.Rank {
			return
		}
		for _, n := range nodes {
			if err = addNode(n); err != nil {
				return
			}
		}
		_, err = m.AddElement(mesh.Element{
			GlobalID: gid,
			Rank:     rank,
			Part:     part,
			Type:     et,
			Tag:      tag,
			NodeIDs:  nodes,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("generate: distributing %s: %w", g.Name, err)
	}
	if missing := m.Flush(); len(missing) > 0 {
		return nil, nil, fmt.Errorf("generate: %d unresolved nodes after distribution", len(missing))
	}
	c := m.Counts()
	pc.Log.Debug().
		Str("mesh", g.Name).
		Int("ownedNodes", c.OwnedNodes).
		Int("ghostNodes", c.GhostNodes).
		Int("ownedElements", c.OwnedElements).
		Msg("distributed")
	return m, mh, nil
}
