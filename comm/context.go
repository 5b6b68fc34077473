// Package comm carries the process context and the collective operations
// the partitioning and overlap code is written against.
//
// All cross-process coordination is collective: every rank must post the
// same sequence of AllGather/AllToAll/Barrier calls, and each call blocks
// until every rank has posted it.
package comm

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrAborted is returned from a collective when another rank failed and the
// world was torn down.
var ErrAborted = errors.New("comm: collective aborted")

// Collective is the transport every rank talks through. Payload slices handed
// to and returned from a collective must not be modified afterwards.
type Collective interface {
	Size() int
	// AllGather returns every rank's payload, indexed by rank.
	AllGather(rank int, payload []byte) ([][]byte, error)
	// AllToAll sends payloads[dst] to rank dst and returns what every rank
	// sent to this one, indexed by source rank. Payload sizes travel with
	// the payloads.
	AllToAll(rank int, payloads [][]byte) ([][]byte, error)
	Barrier(rank int) error
}

// ProcessContext replaces a process-wide communicator: every component takes
// one explicitly.
type ProcessContext struct {
	Rank int
	Size int
	Comm Collective
	Log  zerolog.Logger
}

func (pc *ProcessContext) AllGather(payload []byte) ([][]byte, error) {
	return pc.Comm.AllGather(pc.Rank, payload)
}

func (pc *ProcessContext) AllToAll(payloads [][]byte) ([][]byte, error) {
	if len(payloads) != pc.Size {
		return nil, errors.New("comm: all-to-all needs one payload per rank")
	}
	return pc.Comm.AllToAll(pc.Rank, payloads)
}

func (pc *ProcessContext) Barrier() error {
	return pc.Comm.Barrier(pc.Rank)
}

// IsRoot is true on rank 0.
func (pc *ProcessContext) IsRoot() bool { return pc.Rank == 0 }

// Serial returns a size-1 context, enough to unit test any component without
// spinning up a world.
func Serial(log zerolog.Logger) *ProcessContext {
	return NewLocalWorld(1).Context(0, log)
}
