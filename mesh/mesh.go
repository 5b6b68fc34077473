// Package mesh holds one process's share of a distributed unstructured mesh:
// its nodes, its elements grouped by shape, and the node to element
// adjacency. Every entity carries a global id and the rank that owns it;
// entities owned by another rank are ghosts.
package mesh

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/notargets/meshdist/store"
)

type Node struct {
	GlobalID int64
	Rank     int // owning process
	Part     int
	Coords   []float64
}

type Element struct {
	GlobalID int64
	Rank     int
	Part     int
	Type     ElementType
	Tag      int
	NodeIDs  []int64 // global connectivity
	Nodes    []int   // local node offsets, -1 where the node is not resident
}

// ElemRef addresses an element row: its group and the index in that group's
// store.
type ElemRef struct {
	Type  ElementType
	Index int
}

type Mesh struct {
	Rank  int
	Dim   int
	Nodes *store.Store[Node]
	// NodeElems maps a node's global id to the global ids of every resident
	// element that references it.
	NodeElems  map[int64][]int64
	groups     [NumElementTypes]*store.Store[Element]
	nodeLoc    map[int64]int
	elemLoc    map[int64]ElemRef
	bufferSize int
}

func New(rank, dim, bufferSize int) *Mesh {
	return &Mesh{
		Rank:       rank,
		Dim:        dim,
		Nodes:      store.New[Node](bufferSize),
		NodeElems:  make(map[int64][]int64),
		nodeLoc:    make(map[int64]int),
		elemLoc:    make(map[int64]ElemRef),
		bufferSize: bufferSize,
	}
}

// Group returns the element store for t, nil when no element of that shape
// was ever added.
func (m *Mesh) Group(t ElementType) *store.Store[Element] {
	if t >= NumElementTypes {
		return nil
	}
	return m.groups[t]
}

// GroupTypes lists the element shapes that have a store, in type order.
func (m *Mesh) GroupTypes() (types []ElementType) {
	for t, g := range m.groups {
		if g != nil {
			types = append(types, ElementType(t))
		}
	}
	return
}

func (m *Mesh) AddNode(n Node) (int, error) {
	if _, dup := m.nodeLoc[n.GlobalID]; dup {
		return -1, inconsistent("AddNode", "duplicate node", n.GlobalID)
	}
	if _, dup := m.elemLoc[n.GlobalID]; dup {
		return -1, inconsistent("AddNode", "id already used by an element", n.GlobalID)
	}
	i := m.Nodes.Add(n)
	m.nodeLoc[n.GlobalID] = i
	return i, nil
}

// AddElement stores e and resolves its connectivity against the nodes that
// are already resident.
func (m *Mesh) AddElement(e Element) (ElemRef, error) {
	if e.Type >= NumElementTypes {
		return ElemRef{}, fmt.Errorf("mesh: unknown element type %d", e.Type)
	}
	if len(e.NodeIDs) != e.Type.NumNodes() {
		return ElemRef{}, inconsistent("AddElement",
			fmt.Sprintf("%s with %d nodes", e.Type, len(e.NodeIDs)), e.GlobalID)
	}
	if _, dup := m.elemLoc[e.GlobalID]; dup {
		return ElemRef{}, inconsistent("AddElement", "duplicate element", e.GlobalID)
	}
	if _, dup := m.nodeLoc[e.GlobalID]; dup {
		return ElemRef{}, inconsistent("AddElement", "id already used by a node", e.GlobalID)
	}
	e.NodeIDs = append([]int64(nil), e.NodeIDs...)
	e.Nodes = make([]int, len(e.NodeIDs))
	for k, gid := range e.NodeIDs {
		e.Nodes[k] = m.nodeIndex(gid)
		m.NodeElems[gid] = append(m.NodeElems[gid], e.GlobalID)
	}
	g := m.groups[e.Type]
	if g == nil {
		g = store.New[Element](m.bufferSize)
		m.groups[e.Type] = g
	}
	ref := ElemRef{Type: e.Type, Index: g.Add(e)}
	m.elemLoc[e.GlobalID] = ref
	return ref, nil
}

// RemoveNode removes the node at local index i. Elements that still
// reference it keep the global id and see -1 after the next Flush.
func (m *Mesh) RemoveNode(i int) error {
	n, err := m.Nodes.Get(i)
	if err != nil {
		return err
	}
	gid := n.GlobalID
	if err = m.Nodes.Remove(i); err != nil {
		return err
	}
	delete(m.nodeLoc, gid)
	return nil
}

func (m *Mesh) RemoveElement(ref ElemRef) error {
	g := m.Group(ref.Type)
	if g == nil {
		return fmt.Errorf("mesh: no %s elements", ref.Type)
	}
	e, err := g.Get(ref.Index)
	if err != nil {
		return err
	}
	gid, nodes := e.GlobalID, e.NodeIDs
	if err = g.Remove(ref.Index); err != nil {
		return err
	}
	delete(m.elemLoc, gid)
	for _, ngid := range nodes {
		m.unlinkNodeElem(ngid, gid)
	}
	return nil
}

func (m *Mesh) unlinkNodeElem(node, elem int64) {
	list := m.NodeElems[node]
	for k, id := range list {
		if id == elem {
			list = append(list[:k], list[k+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.NodeElems, node)
	} else {
		m.NodeElems[node] = list
	}
}

// NodeIndex returns the local index of a resident node.
func (m *Mesh) NodeIndex(gid int64) (int, bool) {
	i, ok := m.nodeLoc[gid]
	return i, ok
}

func (m *Mesh) nodeIndex(gid int64) int {
	if i, ok := m.nodeLoc[gid]; ok {
		return i
	}
	return -1
}

func (m *Mesh) ElementRef(gid int64) (ElemRef, bool) {
	ref, ok := m.elemLoc[gid]
	return ref, ok
}

func (m *Mesh) Node(i int) *Node { return m.Nodes.At(i) }

func (m *Mesh) Element(ref ElemRef) *Element { return m.groups[ref.Type].At(ref.Index) }

// ElementByID returns the resident element with the given global id, or nil.
func (m *Mesh) ElementByID(gid int64) *Element {
	ref, ok := m.elemLoc[gid]
	if !ok {
		return nil
	}
	return m.Element(ref)
}

func (m *Mesh) NodeByID(gid int64) *Node {
	i, ok := m.nodeLoc[gid]
	if !ok {
		return nil
	}
	return m.Nodes.At(i)
}

func (m *Mesh) EachNode(fn func(i int, n *Node) bool) { m.Nodes.Each(fn) }

// EachElement visits live elements group by group in type order.
func (m *Mesh) EachElement(fn func(ref ElemRef, e *Element) bool) {
	for t, g := range m.groups {
		if g == nil {
			continue
		}
		stop := false
		g.Each(func(i int, e *Element) bool {
			if !fn(ElemRef{Type: ElementType(t), Index: i}, e) {
				stop = true
			}
			return !stop
		})
		if stop {
			return
		}
	}
}

func (m *Mesh) Owned(rank int) bool { return rank == m.Rank }

// FaceNeighbor returns the resident element of the same dimension as e that
// shares every node of face, if there is one.
func (m *Mesh) FaceNeighbor(e *Element, face []int64) (*Element, bool) {
	if len(face) == 0 {
		return nil, false
	}
	dim := e.Type.Dimension()
	for _, gid := range m.NodeElems[face[0]] {
		if gid == e.GlobalID {
			continue
		}
		nbr := m.ElementByID(gid)
		if nbr == nil || nbr.Type.Dimension() != dim {
			continue
		}
		if containsAll(nbr.NodeIDs, face[1:]) {
			return nbr, true
		}
	}
	return nil, false
}

func containsAll(set, ids []int64) bool {
	for _, id := range ids {
		found := false
		for _, s := range set {
			if s == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Flush compacts every store, rebuilds the id lookups and re-resolves the
// connectivity. It returns the global ids of referenced nodes that are not
// resident.
func (m *Mesh) Flush() []int64 {
	m.Nodes.Flush()
	for _, g := range m.groups {
		if g != nil {
			g.Flush()
		}
	}
	m.nodeLoc = make(map[int64]int, m.Nodes.Size())
	m.Nodes.Each(func(i int, n *Node) bool {
		m.nodeLoc[n.GlobalID] = i
		return true
	})
	m.elemLoc = make(map[int64]ElemRef, len(m.elemLoc))
	m.EachElement(func(ref ElemRef, e *Element) bool {
		m.elemLoc[e.GlobalID] = ref
		return true
	})
	return m.ResolveConnectivity()
}

// ResolveConnectivity rewrites every element's local node offsets from its
// global node ids and returns the sorted ids that could not be resolved.
func (m *Mesh) ResolveConnectivity() []int64 {
	missing := roaring64.New()
	m.EachElement(func(_ ElemRef, e *Element) bool {
		for k, gid := range e.NodeIDs {
			e.Nodes[k] = m.nodeIndex(gid)
			if e.Nodes[k] < 0 {
				missing.Add(uint64(gid))
			}
		}
		return true
	})
	return toIDs(missing)
}

// MissingNodes is the set of referenced node ids that are not resident.
func (m *Mesh) MissingNodes() *roaring64.Bitmap {
	missing := roaring64.New()
	m.EachElement(func(_ ElemRef, e *Element) bool {
		for _, gid := range e.NodeIDs {
			if _, ok := m.nodeLoc[gid]; !ok {
				missing.Add(uint64(gid))
			}
		}
		return true
	})
	return missing
}

type Counts struct {
	OwnedNodes, GhostNodes       int
	OwnedElements, GhostElements int
}

func (c Counts) String() string {
	return fmt.Sprintf("nodes %d+%d ghost, elements %d+%d ghost",
		c.OwnedNodes, c.GhostNodes, c.OwnedElements, c.GhostElements)
}

func (m *Mesh) Counts() (c Counts) {
	m.EachNode(func(_ int, n *Node) bool {
		if m.Owned(n.Rank) {
			c.OwnedNodes++
		} else {
			c.GhostNodes++
		}
		return true
	})
	m.EachElement(func(_ ElemRef, e *Element) bool {
		if m.Owned(e.Rank) {
			c.OwnedElements++
		} else {
			c.GhostElements++
		}
		return true
	})
	return
}

// CheckConsistency verifies that global ids are unique across all resident
// entities and that the id lookups agree with the stores.
func (m *Mesh) CheckConsistency() error {
	seen := make(map[int64]struct{}, m.Nodes.Size())
	var dups []int64
	m.EachNode(func(i int, n *Node) bool {
		if _, ok := seen[n.GlobalID]; ok {
			dups = append(dups, n.GlobalID)
		}
		seen[n.GlobalID] = struct{}{}
		return true
	})
	m.EachElement(func(ref ElemRef, e *Element) bool {
		if _, ok := seen[e.GlobalID]; ok {
			dups = append(dups, e.GlobalID)
		}
		seen[e.GlobalID] = struct{}{}
		return true
	})
	if len(dups) > 0 {
		sort.Slice(dups, func(i, j int) bool { return dups[i] < dups[j] })
		return inconsistent("CheckConsistency", "duplicate global ids", dups...)
	}
	if len(seen) != len(m.nodeLoc)+len(m.elemLoc) {
		return inconsistent("CheckConsistency",
			fmt.Sprintf("%d resident entities but %d indexed", len(seen), len(m.nodeLoc)+len(m.elemLoc)))
	}
	return nil
}

// CheckConnectivity fails when any element references a node that is not
// resident.
func (m *Mesh) CheckConnectivity() error {
	if missing := m.MissingNodes(); !missing.IsEmpty() {
		return inconsistent("CheckConnectivity", "unresolved element nodes", toIDs(missing)...)
	}
	return nil
}

func toIDs(b *roaring64.Bitmap) []int64 {
	ids := make([]int64, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		ids = append(ids, int64(it.Next()))
	}
	return ids
}
