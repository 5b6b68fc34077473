// Package hash maps global entity ids to partitions and processes without
// communication, once the size of each id sub-range is known.
package hash

import (
	"errors"
	"fmt"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/utils"
)

var ErrOutOfSpace = errors.New("hash: global id outside the id space")

type subRange struct {
	start, size int64
	chunk       int64 // ids per partition, the last partition takes the remainder
}

// MixedHash splits the global id space [base, base+sum(sizes)) into
// consecutive sub-ranges, one per entity kind, and each sub-range into
// NumPartitions contiguous chunks.
type MixedHash struct {
	NumPartitions int
	NumProcesses  int
	Base          int64
	ranges        []subRange
	procs         *utils.PartitionMap
}

func NewMixedHash(nparts, nprocs int, base int64, sizes ...int64) (mh *MixedHash, err error) {
	if nparts < 1 || nprocs < 1 {
		return nil, fmt.Errorf("hash: need at least one partition and one process, have %d and %d",
			nparts, nprocs)
	}
	mh = &MixedHash{
		NumPartitions: nparts,
		NumProcesses:  nprocs,
		Base:          base,
		procs:         utils.NewPartitionMap(nprocs, nparts),
	}
	start := base
	for _, size := range sizes {
		if size < 0 {
			return nil, fmt.Errorf("hash: negative sub-range size %d", size)
		}
		chunk := size / int64(nparts)
		if chunk < 1 {
			chunk = 1
		}
		mh.ranges = append(mh.ranges, subRange{start: start, size: size, chunk: chunk})
		start += size
	}
	return
}

// EstablishMixedHash sums every process's owned count per kind and builds
// the same hash on every rank. Collective.
func EstablishMixedHash(pc *comm.ProcessContext, codec *comm.Codec, nparts int,
	localCounts ...int64) (*MixedHash, error) {
	all, err := comm.AllGatherOf(pc, codec, localCounts)
	if err != nil {
		return nil, fmt.Errorf("hash: exchanging owned counts: %w", err)
	}
	sizes := make([]int64, len(localCounts))
	for rank, counts := range all {
		if len(counts) != len(sizes) {
			return nil, fmt.Errorf("hash: rank %d reported %d kinds, expected %d",
				rank, len(counts), len(sizes))
		}
		for k, c := range counts {
			sizes[k] += c
		}
	}
	return NewMixedHash(nparts, pc.Size, 0, sizes...)
}

// NumIDs is the size of the whole id space.
func (mh *MixedHash) NumIDs() (n int64) {
	for _, r := range mh.ranges {
		n += r.size
	}
	return
}

func (mh *MixedHash) NumKinds() int { return len(mh.ranges) }

// KindRange returns the global ids [lo, hi) of one kind.
func (mh *MixedHash) KindRange(kind int) (lo, hi int64) {
	r := mh.ranges[kind]
	return r.start, r.start + r.size
}

// PartitionOf returns the partition owning gid.
func (mh *MixedHash) PartitionOf(gid int64) (int, error) {
	for _, r := range mh.ranges {
		if r.size == 0 || gid < r.start || gid >= r.start+r.size {
			continue
		}
		p := (gid - r.start) / r.chunk
		if p > int64(mh.NumPartitions-1) {
			p = int64(mh.NumPartitions - 1)
		}
		return int(p), nil
	}
	return -1, fmt.Errorf("%w: %d not in [%d,%d)", ErrOutOfSpace, gid, mh.Base, mh.Base+mh.NumIDs())
}

// ProcessOf returns the process hosting a partition.
func (mh *MixedHash) ProcessOf(part int) int {
	bn, _, _ := mh.procs.GetBucket(part)
	return bn
}

// Partitions returns the partitions [lo, hi) hosted by a process; the range
// is empty when there are more processes than partitions.
func (mh *MixedHash) Partitions(rank int) (lo, hi int) {
	return mh.procs.GetBucketRange(rank)
}

func (mh *MixedHash) Owner(gid int64) (part, rank int, err error) {
	if part, err = mh.PartitionOf(gid); err != nil {
		return -1, -1, err
	}
	return part, mh.ProcessOf(part), nil
}

func (mh *MixedHash) Owns(gid int64, rank int) bool {
	_, r, err := mh.Owner(gid)
	return err == nil && r == rank
}

// PartitionRange returns the ids [lo, hi) of one kind assigned to part.
func (mh *MixedHash) PartitionRange(kind, part int) (lo, hi int64) {
	r := mh.ranges[kind]
	if r.size == 0 {
		return r.start, r.start
	}
	clamp := func(v int64) int64 {
		if v > r.start+r.size {
			return r.start + r.size
		}
		return v
	}
	lo = clamp(r.start + int64(part)*r.chunk)
	if part == mh.NumPartitions-1 {
		return lo, r.start + r.size
	}
	return lo, clamp(r.start + int64(part+1)*r.chunk)
}
