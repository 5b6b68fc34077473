// Package overlap grows rings of ghost elements and nodes around each
// process's share of a distributed mesh, so every owned element's stencil is
// available locally.
package overlap

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/mesh"
)

type Options struct {
	// CheckInvariants verifies unique global ids, unchanged owned counts and
	// resolvable connectivity between phases.
	CheckInvariants bool
}

type Stats struct {
	Rings             int
	Candidates        int
	ElementsSent      int
	ElementsReceived  int
	DuplicatesDropped int
	NodesRequested    int
	NodesSent         int
	NodesReceived     int
}

func (s *Stats) add(o Stats) {
	s.Rings += o.Rings
	s.Candidates += o.Candidates
	s.ElementsSent += o.ElementsSent
	s.ElementsReceived += o.ElementsReceived
	s.DuplicatesDropped += o.DuplicatesDropped
	s.NodesRequested += o.NodesRequested
	s.NodesSent += o.NodesSent
	s.NodesReceived += o.NodesReceived
}

type elementRecord struct {
	GlobalID int64
	Rank     int
	Part     int
	Type     mesh.ElementType
	Tag      int
	NodeIDs  []int64
}

type nodeRecord struct {
	GlobalID int64
	Rank     int
	Part     int
	Coords   []float64
}

type Grower struct {
	pc    *comm.ProcessContext
	m     *mesh.Mesh
	codec *comm.Codec
	opts  Options
	index *mesh.GlobalLocalIndex
}

func New(pc *comm.ProcessContext, m *mesh.Mesh, codec *comm.Codec, opts Options) *Grower {
	return &Grower{pc: pc, m: m, codec: codec, opts: opts}
}

// Index is the global/local index refreshed at the end of the last pass.
func (g *Grower) Index() *mesh.GlobalLocalIndex {
	if g.index == nil || !g.index.Valid() {
		g.index = mesh.BuildIndex(g.m)
	}
	return g.index
}

// GrowRings runs n growth passes. Each pass starts from the boundary of
// the owned and ghost elements, so every pass adds one more ring.
// Collective.
func (g *Grower) GrowRings(n int) (st Stats, err error) {
	for ring := 0; ring < n; ring++ {
		var pass Stats
		if pass, err = g.Grow(); err != nil {
			return st, fmt.Errorf("overlap: ring %d: %w", ring+1, err)
		}
		st.add(pass)
	}
	return st, nil
}

// Grow adds one ring of ghosts. Collective.
func (g *Grower) Grow() (st Stats, err error) {
	before := g.m.Counts()
	if err = g.check(before, false); err != nil {
		return st, err
	}
	// Boundary nodes, broadcast to everyone
	cand := g.candidates()
	st.Candidates = int(cand.GetCardinality())
	wanted, err := g.allGatherSets(cand)
	if err != nil {
		return st, fmt.Errorf("overlap: broadcasting candidates: %w", err)
	}

	// Owned elements touching another rank's candidates go to that rank
	send := make([][]elementRecord, g.pc.Size)
	for rank, set := range wanted {
		if rank == g.pc.Rank {
			continue
		}
		send[rank] = g.elementsTouching(set)
		st.ElementsSent += len(send[rank])
	}
	recv, err := comm.AllToAllOf(g.pc, g.codec, send)
	if err != nil {
		return st, fmt.Errorf("overlap: exchanging elements: %w", err)
	}
	for _, records := range recv {
		for _, er := range records {
			if g.m.ElementByID(er.GlobalID) != nil {
				st.DuplicatesDropped++
				continue
			}
			if _, err = g.m.AddElement(mesh.Element{
				GlobalID: er.GlobalID,
				Rank:     er.Rank,
				Part:     er.Part,
				Type:     er.Type,
				Tag:      er.Tag,
				NodeIDs:  er.NodeIDs,
			}); err != nil {
				return st, err
			}
			st.ElementsReceived++
		}
	}
	if err = g.check(before, false); err != nil {
		return st, err
	}

	if err = g.fetchNodes(&st); err != nil {
		return st, err
	}
	if err = g.check(before, true); err != nil {
		return st, err
	}
	g.m.Flush()
	g.index = mesh.BuildIndex(g.m)
	st.Rings = 1
	after := g.m.Counts()
	g.pc.Log.Info().
		Int("candidates", st.Candidates).
		Int("ghostElements", after.GhostElements).
		Int("ghostNodes", after.GhostNodes).
		Int("dropped", st.DuplicatesDropped).
		Msg("overlap ring grown")
	return st, nil
}

// FetchMissingNodes pulls in every node that a resident element references
// but that is not resident, from the rank owning it. Collective.
func (g *Grower) FetchMissingNodes() (st Stats, err error) {
	before := g.m.Counts()
	if err = g.fetchNodes(&st); err != nil {
		return st, err
	}
	if err = g.check(before, true); err != nil {
		return st, err
	}
	g.m.Flush()
	g.index = mesh.BuildIndex(g.m)
	return st, nil
}

// candidates collects the nodes of faces without a resident neighbor of the
// same dimension, and the nodes of lower dimensional elements.
func (g *Grower) candidates() *roaring64.Bitmap {
	cand := roaring64.New()
	g.m.EachElement(func(_ mesh.ElemRef, e *mesh.Element) bool {
		if e.Type.Dimension() < g.m.Dim {
			for _, gid := range e.NodeIDs {
				cand.Add(uint64(gid))
			}
			return true
		}
		for _, face := range e.Type.Faces(e.NodeIDs) {
			if _, ok := g.m.FaceNeighbor(e, face); !ok {
				for _, gid := range face {
					cand.Add(uint64(gid))
				}
			}
		}
		return true
	})
	return cand
}

func (g *Grower) elementsTouching(set *roaring64.Bitmap) (records []elementRecord) {
	seen := make(map[int64]bool)
	it := set.Iterator()
	for it.HasNext() {
		node := int64(it.Next())
		for _, gid := range g.m.NodeElems[node] {
			if seen[gid] {
				continue
			}
			seen[gid] = true
			e := g.m.ElementByID(gid)
			if e == nil || !g.m.Owned(e.Rank) {
				continue
			}
			records = append(records, elementRecord{
				GlobalID: e.GlobalID,
				Rank:     e.Rank,
				Part:     e.Part,
				Type:     e.Type,
				Tag:      e.Tag,
				NodeIDs:  e.NodeIDs,
			})
		}
	}
	return
}

// fetchNodes requests every missing node from its owner and resolves the
// connectivity. A requested node that nobody owns is an inconsistency.
func (g *Grower) fetchNodes(st *Stats) error {
	missing := g.m.MissingNodes()
	st.NodesRequested += int(missing.GetCardinality())
	requests, err := g.allGatherSets(missing)
	if err != nil {
		return fmt.Errorf("overlap: broadcasting node requests: %w", err)
	}
	send := make([][]nodeRecord, g.pc.Size)
	for rank, set := range requests {
		if rank == g.pc.Rank {
			continue
		}
		it := set.Iterator()
		for it.HasNext() {
			n := g.m.NodeByID(int64(it.Next()))
			if n == nil || !g.m.Owned(n.Rank) {
				continue
			}
			send[rank] = append(send[rank], nodeRecord{
				GlobalID: n.GlobalID, Rank: n.Rank, Part: n.Part, Coords: n.Coords})
			st.NodesSent++
		}
	}
	recv, err := comm.AllToAllOf(g.pc, g.codec, send)
	if err != nil {
		return fmt.Errorf("overlap: exchanging nodes: %w", err)
	}
	for _, records := range recv {
		for _, nr := range records {
			if !missing.Contains(uint64(nr.GlobalID)) || g.m.NodeByID(nr.GlobalID) != nil {
				return &mesh.InconsistencyError{Op: "FetchMissingNodes",
					Msg: "received a node that was not requested", IDs: []int64{nr.GlobalID}}
			}
			if _, err = g.m.AddNode(mesh.Node{
				GlobalID: nr.GlobalID,
				Rank:     nr.Rank,
				Part:     nr.Part,
				Coords:   nr.Coords,
			}); err != nil {
				return err
			}
			st.NodesReceived++
		}
	}
	if unresolved := g.m.ResolveConnectivity(); len(unresolved) > 0 {
		return &mesh.InconsistencyError{Op: "FetchMissingNodes",
			Msg: "requested nodes owned by no process", IDs: unresolved}
	}
	return nil
}

// allGatherSets shares one id set per rank in roaring's portable format.
func (g *Grower) allGatherSets(mine *roaring64.Bitmap) ([]*roaring64.Bitmap, error) {
	mine.RunOptimize()
	payload, err := mine.MarshalBinary()
	if err != nil {
		return nil, err
	}
	all, err := g.pc.AllGather(payload)
	if err != nil {
		return nil, err
	}
	sets := make([]*roaring64.Bitmap, len(all))
	for rank, data := range all {
		sets[rank] = roaring64.New()
		if len(data) == 0 {
			continue
		}
		if err = sets[rank].UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("rank %d id set: %w", rank, err)
		}
	}
	return sets, nil
}

func (g *Grower) check(before mesh.Counts, connectivity bool) error {
	if !g.opts.CheckInvariants {
		return nil
	}
	if err := g.m.CheckConsistency(); err != nil {
		return err
	}
	after := g.m.Counts()
	if after.OwnedNodes != before.OwnedNodes || after.OwnedElements != before.OwnedElements {
		return &mesh.InconsistencyError{Op: "Grow",
			Msg: fmt.Sprintf("owned counts changed from %s to %s", before, after)}
	}
	if connectivity {
		return g.m.CheckConnectivity()
	}
	return nil
}
