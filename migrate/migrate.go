// Package migrate moves owned mesh entities between processes according to a
// partition move plan.
package migrate

import (
	"fmt"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/partition"
)

type nodeRecord struct {
	GlobalID int64
	Rank     int // new owner
	Part     int
	Coords   []float64
}

type elementRecord struct {
	GlobalID int64
	Rank     int // new owner
	Part     int
	Type     mesh.ElementType
	Tag      int
	NodeIDs  []int64
}

type shipment struct {
	Nodes    []nodeRecord
	Elements []elementRecord
}

// ownerUpdate tells every rank where an entity now lives.
type ownerUpdate struct {
	GlobalID int64
	Part     int
	Rank     int
}

type Stats struct {
	Repartitioned    int // changed partition without leaving this process
	SentNodes        int
	SentElements     int
	ReceivedNodes    int
	ReceivedElements int
	Promoted         int // ghost copies that became owned
	KeptAsGhost      int // departed nodes still referenced here
	Removed          int
	GhostsDropped    int // ghost elements of the previous overlap
	GhostsRetagged   int
	Dangling         []int64 // referenced nodes not resident after the move
}

type Migrator struct {
	pc    *comm.ProcessContext
	m     *mesh.Mesh
	codec *comm.Codec
}

func New(pc *comm.ProcessContext, m *mesh.Mesh, codec *comm.Codec) *Migrator {
	return &Migrator{pc: pc, m: m, codec: codec}
}

// Migrate executes plan. Entities are only removed once everything sent to
// this process has been added, and the mesh is flushed at the end. Ghost
// elements are dropped, so the result is disjoint again. Element
// references to nodes that are resident nowhere on this process are left
// dangling and reported in Stats. Collective.
func (mg *Migrator) Migrate(plan *partition.MovePlan) (st Stats, err error) {
	var (
		m            = mg.m
		send         = make([]shipment, mg.pc.Size)
		departNodes  []partition.Move
		departElems  []partition.Move
		updates      []ownerUpdate
		departedElem = make(map[int64]bool)
	)
	for _, mv := range plan.Sorted() {
		updates = append(updates, ownerUpdate{GlobalID: mv.GlobalID, Part: mv.To, Rank: mv.Rank})
		if mv.IsNode {
			n := m.NodeByID(mv.GlobalID)
			if n == nil || !m.Owned(n.Rank) {
				return st, &mesh.InconsistencyError{Op: "Migrate", Msg: "planned node is not owned here",
					IDs: []int64{mv.GlobalID}}
			}
			if mv.Rank == mg.pc.Rank {
				n.Part = mv.To
				st.Repartitioned++
				continue
			}
			send[mv.Rank].Nodes = append(send[mv.Rank].Nodes, nodeRecord{
				GlobalID: n.GlobalID, Rank: mv.Rank, Part: mv.To, Coords: n.Coords})
			departNodes = append(departNodes, mv)
			st.SentNodes++
			continue
		}
		e := m.ElementByID(mv.GlobalID)
		if e == nil || !m.Owned(e.Rank) {
			return st, &mesh.InconsistencyError{Op: "Migrate", Msg: "planned element is not owned here",
				IDs: []int64{mv.GlobalID}}
		}
		if mv.Rank == mg.pc.Rank {
			e.Part = mv.To
			st.Repartitioned++
			continue
		}
		send[mv.Rank].Elements = append(send[mv.Rank].Elements, elementRecord{
			GlobalID: e.GlobalID, Rank: mv.Rank, Part: mv.To, Type: e.Type, Tag: e.Tag, NodeIDs: e.NodeIDs})
		departElems = append(departElems, mv)
		departedElem[mv.GlobalID] = true
		st.SentElements++
	}

	recv, err := comm.AllToAllOf(mg.pc, mg.codec, send)
	if err != nil {
		return st, fmt.Errorf("migrate: exchanging entities: %w", err)
	}
	for src, sh := range recv {
		for _, nr := range sh.Nodes {
			if err = mg.receiveNode(nr, &st); err != nil {
				return st, fmt.Errorf("migrate: node from rank %d: %w", src, err)
			}
		}
		for _, er := range sh.Elements {
			if err = mg.receiveElement(er, &st); err != nil {
				return st, fmt.Errorf("migrate: element from rank %d: %w", src, err)
			}
		}
	}

	for _, mv := range departElems {
		ref, _ := m.ElementRef(mv.GlobalID)
		if err = m.RemoveElement(ref); err != nil {
			return st, err
		}
		st.Removed++
	}
	// Drop the previous overlap
	var ghosts []mesh.ElemRef
	m.EachElement(func(ref mesh.ElemRef, e *mesh.Element) bool {
		if !m.Owned(e.Rank) {
			ghosts = append(ghosts, ref)
		}
		return true
	})
	for _, ref := range ghosts {
		if err = m.RemoveElement(ref); err != nil {
			return st, err
		}
		st.GhostsDropped++
	}
	for _, mv := range departNodes {
		i, _ := m.NodeIndex(mv.GlobalID)
		if len(m.NodeElems[mv.GlobalID]) > 0 {
			n := m.Node(i)
			n.Rank, n.Part = mv.Rank, mv.To
			st.KeptAsGhost++
			continue
		}
		if err = m.RemoveNode(i); err != nil {
			return st, err
		}
		st.Removed++
	}
	// Ghost nodes that only served departed elements
	var orphans []int
	m.EachNode(func(i int, n *mesh.Node) bool {
		if !m.Owned(n.Rank) && len(m.NodeElems[n.GlobalID]) == 0 {
			orphans = append(orphans, i)
		}
		return true
	})
	for _, i := range orphans {
		if err = m.RemoveNode(i); err != nil {
			return st, err
		}
		st.Removed++
	}

	if st.GhostsRetagged, err = mg.retagGhosts(updates); err != nil {
		return st, err
	}
	st.Dangling = m.Flush()
	mg.pc.Log.Info().
		Int("sentNodes", st.SentNodes).
		Int("sentElements", st.SentElements).
		Int("receivedNodes", st.ReceivedNodes).
		Int("receivedElements", st.ReceivedElements).
		Int("repartitioned", st.Repartitioned).
		Int("dangling", len(st.Dangling)).
		Msg("migrated")
	return st, nil
}

func (mg *Migrator) receiveNode(nr nodeRecord, st *Stats) error {
	if nr.Rank != mg.m.Rank {
		return &mesh.InconsistencyError{Op: "Migrate",
			Msg: fmt.Sprintf("node addressed to rank %d arrived at rank %d", nr.Rank, mg.m.Rank),
			IDs: []int64{nr.GlobalID}}
	}
	st.ReceivedNodes++
	if n := mg.m.NodeByID(nr.GlobalID); n != nil {
		if mg.m.Owned(n.Rank) {
			return &mesh.InconsistencyError{Op: "Migrate", Msg: "received a node already owned",
				IDs: []int64{nr.GlobalID}}
		}
		n.Rank, n.Part, n.Coords = mg.m.Rank, nr.Part, nr.Coords
		st.Promoted++
		return nil
	}
	_, err := mg.m.AddNode(mesh.Node{GlobalID: nr.GlobalID, Rank: mg.m.Rank, Part: nr.Part, Coords: nr.Coords})
	return err
}

func (mg *Migrator) receiveElement(er elementRecord, st *Stats) error {
	if er.Rank != mg.m.Rank {
		return &mesh.InconsistencyError{Op: "Migrate",
			Msg: fmt.Sprintf("element addressed to rank %d arrived at rank %d", er.Rank, mg.m.Rank),
			IDs: []int64{er.GlobalID}}
	}
	st.ReceivedElements++
	if e := mg.m.ElementByID(er.GlobalID); e != nil {
		if mg.m.Owned(e.Rank) {
			return &mesh.InconsistencyError{Op: "Migrate", Msg: "received an element already owned",
				IDs: []int64{er.GlobalID}}
		}
		e.Rank, e.Part = mg.m.Rank, er.Part
		st.Promoted++
		return nil
	}
	_, err := mg.m.AddElement(mesh.Element{
		GlobalID: er.GlobalID,
		Rank:     mg.m.Rank,
		Part:     er.Part,
		Type:     er.Type,
		Tag:      er.Tag,
		NodeIDs:  er.NodeIDs,
	})
	return err
}

// retagGhosts shares every rank's moves so ghost copies carry their new
// owner and partition. Collective.
func (mg *Migrator) retagGhosts(mine []ownerUpdate) (n int, err error) {
	all, err := comm.AllGatherOf(mg.pc, mg.codec, mine)
	if err != nil {
		return 0, fmt.Errorf("migrate: exchanging owner tags: %w", err)
	}
	for rank, updates := range all {
		if rank == mg.pc.Rank {
			continue
		}
		for _, u := range updates {
			if u.Rank == mg.pc.Rank {
				continue // received and owned here
			}
			if node := mg.m.NodeByID(u.GlobalID); node != nil && !mg.m.Owned(node.Rank) {
				node.Rank, node.Part = u.Rank, u.Part
				n++
			} else if e := mg.m.ElementByID(u.GlobalID); e != nil && !mg.m.Owned(e.Rank) {
				e.Rank, e.Part = u.Rank, u.Part
				n++
			}
		}
	}
	return n, nil
}
