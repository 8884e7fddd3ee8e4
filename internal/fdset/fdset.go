package fdset

import (
	"errors"
	"fmt"
)

// DefaultCapacity is the reference sizing for each direction.
const DefaultCapacity = 32

var (
	ErrCapacityExceeded  = errors.New("fdset: capacity exceeded")
	ErrInvalidDescriptor = errors.New("fdset: invalid descriptor")
)

// Descriptor is an opaque readable or writable I/O handle owned by a subsystem.
type Descriptor int

// Direction identifies which list a descriptor was registered in.
type Direction string

const (
	DirRead  Direction = "read"
	DirWrite Direction = "write"
)

// List is an ordered, bounded sequence of descriptors.
type List struct {
	dir   Direction
	limit int
	items []Descriptor
}

func newList(dir Direction, limit int) List {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	return List{dir: dir, limit: limit, items: make([]Descriptor, 0, limit)}
}

// Append adds d at the end of the list. Duplicates are retained.
func (l *List) Append(d Descriptor) error {
	if d < 0 {
		return fmt.Errorf("%w: %s fd=%d", ErrInvalidDescriptor, l.dir, d)
	}
	if len(l.items) >= l.limit {
		return fmt.Errorf("%w: %s list full (capacity=%d)", ErrCapacityExceeded, l.dir, l.limit)
	}
	l.items = append(l.items, d)
	return nil
}

func (l *List) Len() int      { return len(l.items) }
func (l *List) Capacity() int { return l.limit }

// Items returns a copy of the list in insertion order.
func (l *List) Items() []Descriptor {
	out := make([]Descriptor, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) reset() {
	l.items = l.items[:0]
}

// Set is the pair of readable and writable lists gathered once per iteration.
type Set struct {
	read  List
	write List
	max   Descriptor
}

// New returns an empty Set with the given per-direction capacities.
// Non-positive capacities fall back to DefaultCapacity.
func New(readCap, writeCap int) *Set {
	return &Set{
		read:  newList(DirRead, readCap),
		write: newList(DirWrite, writeCap),
		max:   -1,
	}
}

// NewDefault returns an empty Set sized 32/32.
func NewDefault() *Set {
	return New(DefaultCapacity, DefaultCapacity)
}

// Reset empties both lists and clears the recorded maximum.
func (s *Set) Reset() {
	s.read.reset()
	s.write.reset()
	s.max = -1
}

// AddRead registers d for read readiness.
func (s *Set) AddRead(d Descriptor) error {
	if err := s.read.Append(d); err != nil {
		return err
	}
	s.track(d)
	return nil
}

// AddWrite registers d for write readiness.
func (s *Set) AddWrite(d Descriptor) error {
	if err := s.write.Append(d); err != nil {
		return err
	}
	s.track(d)
	return nil
}

func (s *Set) track(d Descriptor) {
	if d > s.max {
		s.max = d
	}
}

// Readable returns the readable descriptors in registration order.
func (s *Set) Readable() []Descriptor { return s.read.Items() }

// Writable returns the writable descriptors in registration order.
func (s *Set) Writable() []Descriptor { return s.write.Items() }

// Len returns the total number of registered descriptors.
func (s *Set) Len() int { return s.read.Len() + s.write.Len() }

// Empty reports whether no subsystem contributed any descriptor.
func (s *Set) Empty() bool { return s.Len() == 0 }

// Max returns the largest registered descriptor, or -1 when empty.
func (s *Set) Max() Descriptor { return s.max }

func (s *Set) String() string {
	return fmt.Sprintf("read=%v write=%v max=%d", s.read.items, s.write.items, s.max)
}
