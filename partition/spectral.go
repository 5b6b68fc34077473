package partition

import (
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// Spectral is recursive spectral bisection on the gathered graph. Each cut
// orders the vertices by the Fiedler vector of the subgraph's Laplacian and
// splits that order by weight in proportion to the partitions on each side,
// moving the split within ImbalanceFactor when that cuts fewer edges.
type Spectral struct{}

func (s *Spectral) Name() string { return "spectral" }

func (s *Spectral) BuildGraph(view GraphView) (Graph, error) {
	global, err := GatherGraph(view)
	if err != nil {
		return nil, err
	}
	return &gatheredGraph{view: view, global: global}, nil
}

func (s *Spectral) PartitionGraph(g Graph) ([]int, error) {
	var (
		gathered = g.(*gatheredGraph)
		view     = gathered.view
		pc       = view.Context()
		assign   []int
		rootErr  error
	)
	if pc.IsRoot() {
		cfg := view.Config()
		assign, rootErr = bisect(gathered.global, view.NumPartitions(), cfg.MaxSpectralVertices, cfg.ImbalanceFactor)
	}
	return ScatterAssignment(pc, view.Codec(), gathered.global, assign, rootErr)
}

// bisect splits g into nparts. A cut may leave the first side up to
// imbalance times its share of the weight when that cuts less edge weight.
func bisect(g *GlobalGraph, nparts, maxVertices int, imbalance float64) ([]int, error) {
	n := g.NumVertices()
	if maxVertices > 0 && n > maxVertices {
		return nil, fmt.Errorf("%w: %d vertices, spectral limit %d", ErrTooLarge, n, maxVertices)
	}
	// Symmetric weighted adjacency over vertex indices
	adj := sparse.NewDOK(max(n, 1), max(n, 1))
	for i := 0; i < n; i++ {
		for k := g.Offsets[i]; k < g.Offsets[i+1]; k++ {
			j, ok := g.Lookup(g.Neighbors[k])
			if !ok || j == i {
				continue
			}
			w := float64(g.EdgeWeights[k])
			if adj.At(i, j) < w {
				adj.Set(i, j, w)
				adj.Set(j, i, w)
			}
		}
	}
	sb := &spectralBisector{g: g, adj: adj.ToCSR(), imbalance: imbalance, assign: make([]int, n)}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if err := sb.split(all, 0, nparts); err != nil {
		return nil, err
	}
	return sb.assign, nil
}

type spectralBisector struct {
	g         *GlobalGraph
	adj       *sparse.CSR
	imbalance float64
	assign    []int
}

// split assigns verts to partitions [lo, lo+nparts).
func (sb *spectralBisector) split(verts []int, lo, nparts int) error {
	if nparts == 1 || len(verts) <= 1 {
		for _, v := range verts {
			sb.assign[v] = lo
		}
		return nil
	}
	fiedler, err := sb.fiedler(verts)
	if err != nil {
		return err
	}
	order := make([]int, len(verts))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa, fb := fiedler[order[a]], fiedler[order[b]]
		if fa != fb {
			return fa < fb
		}
		return sb.g.IDs[verts[order[a]]] < sb.g.IDs[verts[order[b]]]
	})
	sorted := make([]int, len(order))
	for i, k := range order {
		sorted[i] = verts[k]
	}
	var total int64
	for _, v := range verts {
		total += int64(sb.g.VertexWeights[v])
	}
	var (
		left  = nparts / 2
		goal  = total * int64(left) / int64(nparts)
		slack int64
	)
	if sb.imbalance > 1 {
		slack = int64((sb.imbalance - 1) * float64(goal))
	}
	at := sb.cutPoint(sorted, goal, slack)
	if err = sb.split(sorted[:at], lo, left); err != nil {
		return err
	}
	return sb.split(sorted[at:], lo+left, nparts-left)
}

// cutPoint returns how many leading vertices of sorted go to the first side:
// the shortest prefix weighing at least goal, unless a prefix within slack of
// goal cuts less edge weight. Both sides keep at least one vertex when the
// weights allow it.
func (sb *spectralBisector) cutPoint(sorted []int, goal, slack int64) int {
	var (
		n       = len(sorted)
		inSub   = make(map[int]bool, n)
		first   = make(map[int]bool, n)
		cum     int64
		cut     float64
		at      int
		atCut   float64
		best    int
		bestCut float64
	)
	for _, v := range sorted {
		inSub[v] = true
	}
	for k, v := range sorted {
		sb.adj.DoRowNonZero(v, func(_, j int, w float64) {
			switch {
			case first[j]:
				cut -= w
			case inSub[j]:
				cut += w
			}
		})
		first[v] = true
		cum += int64(sb.g.VertexWeights[v])
		size := k + 1
		if at == 0 && cum >= goal {
			at, atCut = size, cut
		}
		if slack > 0 && size < n && abs64(cum-goal) <= slack && (best == 0 || cut < bestCut) {
			best, bestCut = size, cut
		}
	}
	if at == 0 {
		at, atCut = n, cut
	}
	if best > 0 && bestCut < atCut {
		return best
	}
	return at
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// fiedler returns the eigenvector of the second smallest eigenvalue of the
// Laplacian of the subgraph induced by verts.
func (sb *spectralBisector) fiedler(verts []int) ([]float64, error) {
	var (
		n     = len(verts)
		local = make(map[int]int, n)
		lap   = sparse.NewDOK(n, n)
		deg   = make([]float64, n)
	)
	for a, v := range verts {
		local[v] = a
	}
	for a, v := range verts {
		sb.adj.DoRowNonZero(v, func(_, j int, w float64) {
			if b, ok := local[j]; ok {
				lap.Set(a, b, -w)
				deg[a] += w
			}
		})
	}
	for a := range deg {
		lap.Set(a, a, deg[a])
	}
	dense := lap.ToDense()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, dense.At(i, j))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("partition: eigen decomposition of %d-vertex Laplacian failed", n)
	}
	vecs := mat.NewDense(n, n, nil)
	eig.VectorsTo(vecs)
	return mat.Col(nil, 1, vecs), nil
}
