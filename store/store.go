// Package store implements a buffered, compactable table of rows.
//
// Rows live either in the settled region or in one of the pending buffers
// appended behind it. Indices are contiguous across both: settled rows first,
// then each buffer in allocation order. Removing a row only marks its slot;
// rows move only during Flush, which returns where every moved row went.
package store

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

var (
	ErrOutOfRange = errors.New("store: index out of range")
	ErrDoubleFree = errors.New("store: row already removed")
)

const DefaultBufferSize = 64

type buffer[T any] struct {
	rows   []T
	filled int
}

// Store is a GrowableIndexedStore of T. It is not safe for concurrent use.
type Store[T any] struct {
	settled    []T
	buffers    []*buffer[T]
	empty      *roaring.Bitmap // removed slots, across settled and buffers
	issued     int             // settled + filled buffer slots
	bufferSize int
	generation uint64
}

func New[T any](bufferSize int) *Store[T] {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Store[T]{
		empty:      roaring.New(),
		bufferSize: bufferSize,
	}
}

// NewFrom settles rows directly, without going through buffers.
func NewFrom[T any](rows []T, bufferSize int) *Store[T] {
	s := New[T](bufferSize)
	s.settled = append(make([]T, 0, len(rows)), rows...)
	s.issued = len(rows)
	return s
}

// Add claims the next free buffer slot and returns its index.
func (s *Store[T]) Add(row T) int {
	var last *buffer[T]
	if nb := len(s.buffers); nb > 0 {
		last = s.buffers[nb-1]
	}
	if last == nil || last.filled == len(last.rows) {
		last = &buffer[T]{rows: make([]T, s.bufferSize)}
		s.buffers = append(s.buffers, last)
	}
	last.rows[last.filled] = row
	last.filled++
	index := s.issued
	s.issued++
	s.generation++
	return index
}

// Remove marks the row at i empty. Removing it again is ErrDoubleFree.
func (s *Store[T]) Remove(i int) error {
	row, err := s.slot(i)
	if err != nil {
		return err
	}
	if s.empty.Contains(uint32(i)) {
		return fmt.Errorf("%w: index %d", ErrDoubleFree, i)
	}
	var zero T
	*row = zero
	s.empty.Add(uint32(i))
	s.generation++
	return nil
}

// Get returns the row at i. Empty slots are returned as zero rows; use
// IsEmpty to tell them apart.
func (s *Store[T]) Get(i int) (*T, error) {
	return s.slot(i)
}

// At is Get for indices the caller knows to be valid.
func (s *Store[T]) At(i int) *T {
	row, err := s.slot(i)
	if err != nil {
		panic(err)
	}
	return row
}

func (s *Store[T]) IsEmpty(i int) bool {
	return s.empty.Contains(uint32(i))
}

// Each calls fn on every live row in index order until fn returns false.
func (s *Store[T]) Each(fn func(i int, row *T) bool) {
	for i := range s.settled {
		if !s.empty.Contains(uint32(i)) && !fn(i, &s.settled[i]) {
			return
		}
	}
	i := len(s.settled)
	for _, buf := range s.buffers {
		for j := 0; j < buf.filled; j++ {
			if !s.empty.Contains(uint32(i)) && !fn(i, &buf.rows[j]) {
				return
			}
			i++
		}
	}
}

// Size is the number of live rows.
func (s *Store[T]) Size() int { return s.issued - int(s.empty.GetCardinality()) }

// Issued is one past the highest index handed out since the last Flush.
func (s *Store[T]) Issued() int { return s.issued }

func (s *Store[T]) NumBuffers() int { return len(s.buffers) }

func (s *Store[T]) NumEmpty() int { return int(s.empty.GetCardinality()) }

// Generation changes on every mutation; indices cached under an older
// generation may no longer be valid.
func (s *Store[T]) Generation() uint64 { return s.generation }

func (s *Store[T]) slot(i int) (*T, error) {
	if i < 0 || i >= s.issued {
		return nil, fmt.Errorf("%w: index %d, issued %d", ErrOutOfRange, i, s.issued)
	}
	if i < len(s.settled) {
		return &s.settled[i], nil
	}
	// Every buffer but the last is full
	off := i - len(s.settled)
	b := off / s.bufferSize
	return &s.buffers[b].rows[off-b*s.bufferSize], nil
}

// Remap maps old indices to new ones for the rows a Flush moved. Rows not in
// the map kept their index.
type Remap map[int]int

// Flush compacts buffers into the settled region. Buffered rows fill freed
// settled slots first; if the table grows they are appended after that, and
// if it shrinks the live rows of the truncated tail are moved down into the
// remaining holes. Afterwards there are no buffers and no empty slots.
func (s *Store[T]) Flush() Remap {
	var (
		newSize = s.Size()
		nSet    = len(s.settled)
		remap   = make(Remap)
		holes   []int
		movers  []int
	)
	for _, i := range s.empty.ToArray() {
		if int(i) < nSet && int(i) < newSize {
			holes = append(holes, int(i))
		}
	}
	for i := nSet; i < s.issued; i++ {
		if !s.empty.Contains(uint32(i)) {
			movers = append(movers, i)
		}
	}
	for i := nSet - 1; i >= newSize; i-- {
		if !s.empty.Contains(uint32(i)) {
			movers = append(movers, i)
		}
	}
	if newSize > nSet {
		s.settled = append(s.settled, make([]T, newSize-nSet)...)
	}
	next := nSet
	for k, from := range movers {
		to := next
		if k < len(holes) {
			to = holes[k]
		} else {
			next++
		}
		s.settled[to] = *s.slotUnchecked(from, nSet)
		if from != to {
			remap[from] = to
		}
	}
	if newSize < len(s.settled) {
		var zero T
		for i := newSize; i < len(s.settled); i++ {
			s.settled[i] = zero
		}
		s.settled = s.settled[:newSize]
	}
	s.buffers = nil
	s.empty.Clear()
	s.issued = newSize
	s.generation++
	return remap
}

// slotUnchecked resolves i against the pre-flush layout where nSet was the
// settled length.
func (s *Store[T]) slotUnchecked(i, nSet int) *T {
	if i < nSet {
		return &s.settled[i]
	}
	off := i - nSet
	b := off / s.bufferSize
	return &s.buffers[b].rows[off-b*s.bufferSize]
}
