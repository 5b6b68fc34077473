package mesh

import (
	"fmt"
	"sort"
)

// Component is one store seen by a GlobalLocalIndex: the node store, or the
// element group of one shape. Offsets [Begin, End) of the concatenated local
// numbering belong to it.
type Component struct {
	IsNode     bool
	Type       ElementType // element shape, when !IsNode
	Begin, End int
}

func (c Component) String() string {
	if c.IsNode {
		return fmt.Sprintf("nodes[%d,%d)", c.Begin, c.End)
	}
	return fmt.Sprintf("%s[%d,%d)", c.Type, c.Begin, c.End)
}

// Location is where a global id lives.
type Location struct {
	Component int // index into Components()
	Offset    int // offset in the concatenated numbering
	Index     int // row index inside the component's store
}

type entry struct {
	gid    int64
	offset int
}

// GlobalLocalIndex maps global ids to local offsets and back for every
// resident entity of a mesh, as it was when the index was built.
type GlobalLocalIndex struct {
	m          *Mesh
	components []Component
	gens       []uint64
	entries    []entry // sorted by gid
	byOffset   []int64 // gid at each offset, -1 for removed rows
}

// BuildIndex makes one pass over the node store then each element group in
// type order. Removed rows keep their offset but are not indexed.
func BuildIndex(m *Mesh) *GlobalLocalIndex {
	ix := &GlobalLocalIndex{m: m}
	add := func(c Component, issued int, gen uint64, gidAt func(i int) (int64, bool)) {
		c.Begin = len(ix.byOffset)
		c.End = c.Begin + issued
		for i := 0; i < issued; i++ {
			off := c.Begin + i
			gid, live := gidAt(i)
			if !live {
				ix.byOffset = append(ix.byOffset, -1)
				continue
			}
			ix.byOffset = append(ix.byOffset, gid)
			ix.entries = append(ix.entries, entry{gid: gid, offset: off})
		}
		ix.components = append(ix.components, c)
		ix.gens = append(ix.gens, gen)
	}
	add(Component{IsNode: true}, m.Nodes.Issued(), m.Nodes.Generation(), func(i int) (int64, bool) {
		if m.Nodes.IsEmpty(i) {
			return 0, false
		}
		return m.Nodes.At(i).GlobalID, true
	})
	for _, t := range m.GroupTypes() {
		g := m.groups[t]
		add(Component{Type: t}, g.Issued(), g.Generation(), func(i int) (int64, bool) {
			if g.IsEmpty(i) {
				return 0, false
			}
			return g.At(i).GlobalID, true
		})
	}
	sort.Slice(ix.entries, func(i, j int) bool { return ix.entries[i].gid < ix.entries[j].gid })
	return ix
}

// Valid reports whether the mesh is unchanged since the index was built.
func (ix *GlobalLocalIndex) Valid() bool {
	if len(ix.m.GroupTypes())+1 != len(ix.components) {
		return false
	}
	if ix.m.Nodes.Generation() != ix.gens[0] {
		return false
	}
	for c := 1; c < len(ix.components); c++ {
		g := ix.m.groups[ix.components[c].Type]
		if g == nil || g.Generation() != ix.gens[c] {
			return false
		}
	}
	return true
}

// Generation sums the store generations recorded at build time; two indices
// over the same mesh with equal generations describe the same layout.
func (ix *GlobalLocalIndex) Generation() (gen uint64) {
	for _, g := range ix.gens {
		gen += g
	}
	return
}

func (ix *GlobalLocalIndex) Components() []Component { return ix.components }

// Len is the size of the concatenated numbering, removed rows included.
func (ix *GlobalLocalIndex) Len() int { return len(ix.byOffset) }

// NumIndexed is the number of global ids in the index.
func (ix *GlobalLocalIndex) NumIndexed() int { return len(ix.entries) }

// Locate finds gid. A gid that is not resident is found == false with no
// error.
func (ix *GlobalLocalIndex) Locate(gid int64) (loc Location, found bool, err error) {
	if !ix.Valid() {
		return loc, false, ErrStaleIndex
	}
	k := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].gid >= gid })
	if k == len(ix.entries) || ix.entries[k].gid != gid {
		return loc, false, nil
	}
	off := ix.entries[k].offset
	c, within, err := ix.LocateOffset(off)
	if err != nil {
		return loc, false, err
	}
	return Location{Component: c, Offset: off, Index: within}, true, nil
}

// LocateOffset splits a concatenated offset into its component and the row
// index inside that component.
func (ix *GlobalLocalIndex) LocateOffset(offset int) (component, within int, err error) {
	if !ix.Valid() {
		return 0, 0, ErrStaleIndex
	}
	for c, comp := range ix.components {
		if offset >= comp.Begin && offset < comp.End {
			return c, offset - comp.Begin, nil
		}
	}
	return 0, 0, fmt.Errorf("mesh: offset %d outside index of length %d", offset, ix.Len())
}

// GlobalID returns the id at offset, or -1 for a removed row.
func (ix *GlobalLocalIndex) GlobalID(offset int) (int64, error) {
	if !ix.Valid() {
		return 0, ErrStaleIndex
	}
	if offset < 0 || offset >= len(ix.byOffset) {
		return 0, fmt.Errorf("mesh: offset %d outside index of length %d", offset, ix.Len())
	}
	return ix.byOffset[offset], nil
}

// NodeAt and ElementAt resolve a Location to its row.
func (ix *GlobalLocalIndex) NodeAt(loc Location) *Node {
	if !ix.components[loc.Component].IsNode {
		return nil
	}
	return ix.m.Nodes.At(loc.Index)
}

func (ix *GlobalLocalIndex) ElementAt(loc Location) *Element {
	c := ix.components[loc.Component]
	if c.IsNode {
		return nil
	}
	return ix.m.Element(ElemRef{Type: c.Type, Index: loc.Index})
}
