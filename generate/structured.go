// Package generate builds small structured meshes and distributes them over
// the ranks of a world, standing in for a parallel mesh reader.
package generate

import (
	"fmt"

	"github.com/notargets/meshdist/mesh"
)

// ElementSet represents a set of elements of one type with connectivity
type ElementSet struct {
	Type     mesh.ElementType
	Elements [][]int // node indices into Global.Nodes
	Tags     []int   // physical tag per element
}

// Global is a complete, undistributed mesh. Node i has global id i; the
// elements of all sets, in set order, follow with ids starting at
// len(Nodes).
type Global struct {
	Name        string
	Dimension   int
	Nodes       [][]float64
	Elements    []ElementSet
	BoundingBox [2][3]float64
}

func (g *Global) NumNodes() int { return len(g.Nodes) }

func (g *Global) NumElements() (n int) {
	for _, set := range g.Elements {
		n += len(set.Elements)
	}
	return
}

// Each visits every element with its global id and global node ids.
func (g *Global) Each(fn func(gid int64, et mesh.ElementType, tag int, nodes []int64)) {
	gid := int64(len(g.Nodes))
	for _, set := range g.Elements {
		for k, conn := range set.Elements {
			nodes := make([]int64, len(conn))
			for i, n := range conn {
				nodes[i] = int64(n)
			}
			tag := 0
			if k < len(set.Tags) {
				tag = set.Tags[k]
			}
			fn(gid, set.Type, tag, nodes)
			gid++
		}
	}
}

// Chain1D is n line elements on [0,1]; element k joins nodes k and k+1.
func Chain1D(n int) *Global {
	g := &Global{
		Name:      fmt.Sprintf("chain%d", n),
		Dimension: 1,
		Nodes:     make([][]float64, n+1),
	}
	lines := ElementSet{Type: mesh.Line}
	for i := 0; i <= n; i++ {
		g.Nodes[i] = []float64{float64(i) / float64(n), 0, 0}
	}
	for k := 0; k < n; k++ {
		lines.Elements = append(lines.Elements, []int{k, k + 1})
	}
	g.Elements = []ElementSet{lines}
	g.BoundingBox = [2][3]float64{{0, 0, 0}, {1, 0, 0}}
	return g
}

// QuadGrid is an nx by ny grid of quads on the unit square. With boundary
// set the outline is added as Line elements tagged 1.
func QuadGrid(nx, ny int, boundary bool) *Global {
	g := gridNodes(nx, ny)
	g.Name = fmt.Sprintf("quad%dx%d", nx, ny)
	quads := ElementSet{Type: mesh.Quad}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n0 := j*(nx+1) + i
			quads.Elements = append(quads.Elements, []int{n0, n0 + 1, n0 + nx + 2, n0 + nx + 1})
		}
	}
	g.Elements = []ElementSet{quads}
	if boundary {
		g.Elements = append(g.Elements, outline(nx, ny))
	}
	return g
}

// TriGrid splits every cell of an nx by ny grid along its diagonal.
func TriGrid(nx, ny int) *Global {
	g := gridNodes(nx, ny)
	g.Name = fmt.Sprintf("tri%dx%d", nx, ny)
	tris := ElementSet{Type: mesh.Triangle}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n0 := j*(nx+1) + i
			tris.Elements = append(tris.Elements,
				[]int{n0, n0 + 1, n0 + nx + 2},
				[]int{n0, n0 + nx + 2, n0 + nx + 1})
		}
	}
	g.Elements = []ElementSet{tris}
	return g
}

// HexGrid is an nx by ny by nz block of hexahedra on the unit cube.
func HexGrid(nx, ny, nz int) *Global {
	g := &Global{
		Name:        fmt.Sprintf("hex%dx%dx%d", nx, ny, nz),
		Dimension:   3,
		BoundingBox: [2][3]float64{{0, 0, 0}, {1, 1, 1}},
	}
	id := func(i, j, k int) int { return (k*(ny+1)+j)*(nx+1) + i }
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				g.Nodes = append(g.Nodes, []float64{
					float64(i) / float64(nx), float64(j) / float64(ny), float64(k) / float64(nz)})
			}
		}
	}
	hexes := ElementSet{Type: mesh.Hex}
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				hexes.Elements = append(hexes.Elements, []int{
					id(i, j, k), id(i+1, j, k), id(i+1, j+1, k), id(i, j+1, k),
					id(i, j, k+1), id(i+1, j, k+1), id(i+1, j+1, k+1), id(i, j+1, k+1),
				})
			}
		}
	}
	g.Elements = []ElementSet{hexes}
	return g
}

// TwoTets is two tetrahedra sharing a face.
func TwoTets() *Global {
	return &Global{
		Name:      "twotets",
		Dimension: 3,
		Nodes: [][]float64{
			{0, 0, 0},
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
			{1, 1, 1},
		},
		Elements: []ElementSet{{
			Type:     mesh.Tet,
			Elements: [][]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
			Tags:     []int{1, 1},
		}},
		BoundingBox: [2][3]float64{{0, 0, 0}, {1, 1, 1}},
	}
}

// ByName returns one of the generated meshes: "chain", "quad", "quadb"
// (quads plus boundary lines), "tri" or "hex". n sets the resolution.
func ByName(name string, n int) (*Global, error) {
	if n < 1 {
		return nil, fmt.Errorf("generate: resolution must be positive, have %d", n)
	}
	switch name {
	case "chain":
		return Chain1D(n), nil
	case "quad":
		return QuadGrid(n, n, false), nil
	case "quadb":
		return QuadGrid(n, n, true), nil
	case "tri":
		return TriGrid(n, n), nil
	case "hex":
		return HexGrid(n, n, n), nil
	case "twotets":
		return TwoTets(), nil
	default:
		return nil, fmt.Errorf("generate: unknown mesh %q", name)
	}
}

func gridNodes(nx, ny int) *Global {
	g := &Global{
		Dimension:   2,
		BoundingBox: [2][3]float64{{0, 0, 0}, {1, 1, 0}},
	}
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			g.Nodes = append(g.Nodes, []float64{float64(i) / float64(nx), float64(j) / float64(ny), 0})
		}
	}
	return g
}

func outline(nx, ny int) ElementSet {
	var (
		lines = ElementSet{Type: mesh.Line}
		id    = func(i, j int) int { return j*(nx+1) + i }
		add   = func(a, b int) {
			lines.Elements = append(lines.Elements, []int{a, b})
			lines.Tags = append(lines.Tags, 1)
		}
	)
	for i := 0; i < nx; i++ {
		add(id(i, 0), id(i+1, 0))
		add(id(i+1, ny), id(i, ny))
	}
	for j := 0; j < ny; j++ {
		add(id(nx, j), id(nx, j+1))
		add(id(0, j+1), id(0, j))
	}
	return lines
}
