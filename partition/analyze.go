package partition

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/mesh"
)

// PartitionStats holds statistics for a single partition
type PartitionStats struct {
	ID           int
	NumElements  int
	NumNodes     int
	ComputeLoad  int64
	ElementTypes map[mesh.ElementType]int
	NumNeighbors map[int]int // neighbor partition -> shared faces
}

// Report is the partition quality of the whole distributed mesh.
type Report struct {
	Parts      []PartitionStats
	CutFaces   int
	CommVolume int64
	Imbalance  float64 // max load / mean load - 1
	MinLoad    float64
	MaxLoad    float64
	MeanLoad   float64
	StdDevLoad float64
	Interfaces map[[2]int]int // [part1,part2] -> shared faces, part1 < part2
}

type rankReport struct {
	Parts      []PartitionStats
	CutFaces   int
	CommVolume int64
	Interfaces [][3]int // part1, part2, faces
}

// Analyze computes partition quality metrics from the owned elements'
// current partitions. Interfaces are found through resident face neighbors,
// so ghost elements one ring deep are needed to see every cut face. Each
// face is counted by the owner of its lower-id element. Collective; every
// rank gets the same report.
func Analyze(pc *comm.ProcessContext, codec *comm.Codec, m *mesh.Mesh, nparts int,
	cost CostModel) (*Report, error) {
	var (
		local      rankReport
		partStats  = make(map[int]*PartitionStats)
		interfaces = make(map[[2]int]int)
	)
	stats := func(part int) *PartitionStats {
		s, ok := partStats[part]
		if !ok {
			s = &PartitionStats{
				ID:           part,
				ElementTypes: make(map[mesh.ElementType]int),
				NumNeighbors: make(map[int]int),
			}
			partStats[part] = s
		}
		return s
	}
	m.EachNode(func(_ int, n *mesh.Node) bool {
		if m.Owned(n.Rank) {
			stats(n.Part).NumNodes++
		}
		return true
	})
	m.EachElement(func(_ mesh.ElemRef, e *mesh.Element) bool {
		if !m.Owned(e.Rank) {
			return true
		}
		s := stats(e.Part)
		s.NumElements++
		s.ElementTypes[e.Type]++
		s.ComputeLoad += int64(cost.Compute(e.Type, len(e.NodeIDs)))
		if e.Type.Dimension() != m.Dim {
			return true
		}
		for _, face := range e.Type.Faces(e.NodeIDs) {
			nbr, ok := m.FaceNeighbor(e, face)
			if !ok || nbr.GlobalID < e.GlobalID || nbr.Part == e.Part {
				continue
			}
			local.CutFaces++
			local.CommVolume += int64(cost.Comm(len(face), false))
			p1, p2 := e.Part, nbr.Part
			if p1 > p2 {
				p1, p2 = p2, p1
			}
			interfaces[[2]int{p1, p2}]++
			s.NumNeighbors[nbr.Part]++
			stats(nbr.Part).NumNeighbors[e.Part]++
		}
		return true
	})
	for _, s := range partStats {
		local.Parts = append(local.Parts, *s)
	}
	for pair, n := range interfaces {
		local.Interfaces = append(local.Interfaces, [3]int{pair[0], pair[1], n})
	}
	all, err := comm.AllGatherOf(pc, codec, local)
	if err != nil {
		return nil, fmt.Errorf("partition: gathering quality stats: %w", err)
	}

	r := &Report{Parts: make([]PartitionStats, nparts), Interfaces: make(map[[2]int]int)}
	for p := range r.Parts {
		r.Parts[p] = PartitionStats{
			ID:           p,
			ElementTypes: make(map[mesh.ElementType]int),
			NumNeighbors: make(map[int]int),
		}
	}
	for _, rr := range all {
		r.CutFaces += rr.CutFaces
		r.CommVolume += rr.CommVolume
		for _, s := range rr.Parts {
			if s.ID < 0 || s.ID >= nparts {
				return nil, fmt.Errorf("partition: entity in partition %d, have %d", s.ID, nparts)
			}
			dst := &r.Parts[s.ID]
			dst.NumElements += s.NumElements
			dst.NumNodes += s.NumNodes
			dst.ComputeLoad += s.ComputeLoad
			for et, n := range s.ElementTypes {
				dst.ElementTypes[et] += n
			}
			for nbr, n := range s.NumNeighbors {
				dst.NumNeighbors[nbr] += n
			}
		}
		for _, in := range rr.Interfaces {
			r.Interfaces[[2]int{in[0], in[1]}] += in[2]
		}
	}

	loads := make([]float64, nparts)
	for p, s := range r.Parts {
		loads[p] = float64(s.ComputeLoad)
	}
	r.MinLoad, r.MaxLoad = floats.Min(loads), floats.Max(loads)
	r.MeanLoad, r.StdDevLoad = stat.MeanStdDev(loads, nil)
	if r.MeanLoad > 0 {
		r.Imbalance = r.MaxLoad/r.MeanLoad - 1
	}
	if pc.IsRoot() {
		r.Log(pc)
	}
	return r, nil
}

// Log reports the statistics at Info, per-partition details at Debug.
func (r *Report) Log(pc *comm.ProcessContext) {
	pc.Log.Info().
		Int("cutFaces", r.CutFaces).
		Int64("commVolume", r.CommVolume).
		Str("imbalance", fmt.Sprintf("%.2f%%", r.Imbalance*100)).
		Float64("minLoad", r.MinLoad).
		Float64("maxLoad", r.MaxLoad).
		Float64("meanLoad", r.MeanLoad).
		Msg("partition analysis")
	for _, s := range r.Parts {
		pc.Log.Debug().
			Int("partition", s.ID).
			Int("elements", s.NumElements).
			Int("nodes", s.NumNodes).
			Int64("computeLoad", s.ComputeLoad).
			Int("neighbors", len(s.NumNeighbors)).
			Msg("partition stats")
	}
	pairs := make([][2]int, 0, len(r.Interfaces))
	for pair := range r.Interfaces {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, pair := range pairs {
		pc.Log.Debug().Msgf("partition %d <-> %d: %d faces", pair[0], pair[1], r.Interfaces[pair])
	}
}

// Analyze reports the quality of the mesh's current partitions.
func (e *Engine) Analyze() (*Report, error) {
	return Analyze(e.pc, e.codec, e.m, e.cfg.NumPartitions, e.cost)
}
