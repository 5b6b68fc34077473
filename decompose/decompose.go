// Package decompose runs the full decomposition of a distributed mesh:
// partition, migrate, resolve connectivity and grow the overlap.
package decompose

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/zeebo/blake3"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/migrate"
	"github.com/notargets/meshdist/overlap"
	"github.com/notargets/meshdist/partition"
)

type Config struct {
	Partition   *partition.Config
	Partitioner string // block, graph or spectral
	Rings       int
	// CheckInvariants verifies ownership conservation across the migration
	// and the overlap invariants on every ring.
	CheckInvariants bool
	Codec           *comm.Codec
}

func DefaultConfig(nparts int) Config {
	return Config{
		Partition:   partition.DefaultConfig(nparts),
		Partitioner: "graph",
		Rings:       1,
		Codec:       comm.NewCodec(comm.CompressionNone),
	}
}

type Result struct {
	Changes   []partition.Move
	Migration migrate.Stats
	Fetch     overlap.Stats
	Overlap   overlap.Stats
	Index     *mesh.GlobalLocalIndex
	Counts    mesh.Counts
	Report    *partition.Report
	Digest    Digest
}

// Run decomposes this rank's share of m in place. Collective.
func Run(pc *comm.ProcessContext, m *mesh.Mesh, cfg Config) (res *Result, err error) {
	if cfg.Codec == nil {
		cfg.Codec = comm.NewCodec(comm.CompressionNone)
	}
	if cfg.Rings < 0 {
		return nil, fmt.Errorf("decompose: negative ring count %d", cfg.Rings)
	}
	binding, err := partition.New(cfg.Partitioner)
	if err != nil {
		return nil, err
	}
	engine, err := partition.NewEngine(pc, m, cfg.Partition, cfg.Codec, binding)
	if err != nil {
		return nil, err
	}
	res = &Result{}

	var before Digest
	if cfg.CheckInvariants {
		if before, err = OwnedDigest(pc, m); err != nil {
			return nil, err
		}
	}
	if err = engine.Initialize(); err != nil {
		return nil, err
	}
	if err = engine.Partition(); err != nil {
		return nil, err
	}
	if res.Changes, err = engine.ShowChanges(); err != nil {
		return nil, err
	}
	plan, err := engine.MovePlan()
	if err != nil {
		return nil, err
	}
	if res.Migration, err = migrate.New(pc, m, cfg.Codec).Migrate(plan); err != nil {
		return nil, err
	}

	grower := overlap.New(pc, m, cfg.Codec, overlap.Options{CheckInvariants: cfg.CheckInvariants})
	if res.Fetch, err = grower.FetchMissingNodes(); err != nil {
		return nil, err
	}
	if res.Digest, err = OwnedDigest(pc, m); err != nil {
		return nil, err
	}
	if cfg.CheckInvariants && res.Digest != before {
		return nil, &mesh.InconsistencyError{Op: "Run",
			Msg: fmt.Sprintf("owned entities changed by migration, digest %s became %s", before, res.Digest)}
	}
	if res.Overlap, err = grower.GrowRings(cfg.Rings); err != nil {
		return nil, err
	}
	res.Index = grower.Index()
	res.Counts = m.Counts()
	if res.Report, err = engine.Analyze(); err != nil {
		return nil, err
	}
	pc.Log.Info().
		Str("partitioner", binding.Name()).
		Int("rings", cfg.Rings).
		Stringer("counts", res.Counts).
		Stringer("digest", res.Digest).
		Msg("decomposed")
	return res, nil
}

type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:8]) }

// OwnedDigest hashes the sorted union of every rank's owned global ids
// followed by the global owned count. All ranks get the same digest, and it
// is unchanged by any redistribution that conserves ownership. An id owned
// by two ranks is an inconsistency. Collective.
func OwnedDigest(pc *comm.ProcessContext, m *mesh.Mesh) (d Digest, err error) {
	var mine []int64
	m.EachNode(func(_ int, n *mesh.Node) bool {
		if m.Owned(n.Rank) {
			mine = append(mine, n.GlobalID)
		}
		return true
	})
	m.EachElement(func(_ mesh.ElemRef, e *mesh.Element) bool {
		if m.Owned(e.Rank) {
			mine = append(mine, e.GlobalID)
		}
		return true
	})
	sort.Slice(mine, func(i, j int) bool { return mine[i] < mine[j] })
	bm := roaring64.New()
	for _, gid := range mine {
		bm.Add(uint64(gid))
	}
	bm.RunOptimize()
	payload, err := bm.MarshalBinary()
	if err != nil {
		return d, err
	}
	all, err := pc.AllGather(payload)
	if err != nil {
		return d, fmt.Errorf("decompose: gathering owned ids: %w", err)
	}
	var (
		union = roaring64.New()
		total uint64
	)
	for rank, data := range all {
		if len(data) == 0 {
			continue
		}
		set := roaring64.New()
		if err = set.UnmarshalBinary(data); err != nil {
			return d, fmt.Errorf("decompose: rank %d owned ids: %w", rank, err)
		}
		total += set.GetCardinality()
		union.Or(set)
	}
	if union.GetCardinality() != total {
		return d, &mesh.InconsistencyError{Op: "OwnedDigest",
			Msg: fmt.Sprintf("%d ids owned by more than one process", total-union.GetCardinality())}
	}
	var (
		hasher = blake3.New()
		buf    [8]byte
		it     = union.Iterator()
	)
	for it.HasNext() {
		binary.LittleEndian.PutUint64(buf[:], it.Next())
		hasher.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], total)
	hasher.Write(buf[:])
	copy(d[:], hasher.Sum(nil))
	return d, nil
}
