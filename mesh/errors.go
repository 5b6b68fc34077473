package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleIndex is returned by a GlobalLocalIndex used after the mesh
	// it was built from changed size.
	ErrStaleIndex = errors.New("mesh: global/local index is stale")
	// ErrInconsistent matches every *InconsistencyError.
	ErrInconsistent = errors.New("mesh: inconsistent")
)

// InconsistencyError reports a violated mesh invariant: duplicate global
// ids, connectivity that cannot be resolved, or entities nobody owns. It is
// distinct from a plain lookup failure.
type InconsistencyError struct {
	Op  string
	Msg string
	IDs []int64
}

func (e *InconsistencyError) Error() string {
	const maxShown = 8
	ids := e.IDs
	more := ""
	if len(ids) > maxShown {
		more = fmt.Sprintf(" and %d more", len(ids)-maxShown)
		ids = ids[:maxShown]
	}
	return fmt.Sprintf("mesh inconsistency in %s: %s (ids %v%s)", e.Op, e.Msg, ids, more)
}

func (e *InconsistencyError) Is(target error) bool { return target == ErrInconsistent }

func inconsistent(op, msg string, ids ...int64) error {
	return &InconsistencyError{Op: op, Msg: msg, IDs: ids}
}
