package memory

import (
	"cmp"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

var (
	// ErrOverlap is returned when an allocation would overlap a live
	// allocation.
	ErrOverlap = errors.New("overlapping allocation")

	// ErrNotMapped is returned when an area is not contained in a
	// single live allocation.
	ErrNotMapped = errors.New("area not mapped by a single allocation")

	// ErrUndoMismatch is returned when an inverse does not match the
	// most recent mutation of an allocation.
	ErrUndoMismatch = errors.New("undo does not match last mutation")

	// ErrChainMismatch is returned when an overwrite-assist chain does
	// not describe the content being restored.
	ErrChainMismatch = errors.New("overwrite-assist chain mismatch")
)

// State is the memory of a process: an address-ordered set of
// non-overlapping allocations, plus the allocations that were freed,
// most recent last.
//
// State is not safe for concurrent use.
type State struct {
	allocs []*Allocation
	freed  []*Allocation
}

func (s *State) search(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(s.allocs, addr, func(a *Allocation, addr uint64) int {
		return cmp.Compare(a.area.Start, addr)
	})
}

// Lookup returns the allocation starting at addr, or nil.
func (s *State) Lookup(addr uint64) *Allocation {
	if i, ok := s.search(addr); ok {
		return s.allocs[i]
	}
	return nil
}

// Find returns the allocation containing addr, or nil.
func (s *State) Find(addr uint64) *Allocation {
	i, ok := s.search(addr)
	if ok {
		return s.allocs[i]
	}
	if i == 0 {
		return nil
	}
	if a := s.allocs[i-1]; a.area.Contains(addr) {
		return a
	}
	return nil
}

func (s *State) findArea(area Area) (*Allocation, error) {
	if err := area.Check(); err != nil {
		return nil, err
	}
	a := s.Find(area.Start)
	if a == nil || !a.area.ContainsArea(area) {
		return nil, fmt.Errorf("%w: %v", ErrNotMapped, area)
	}
	return a, nil
}

// Allocations returns the live allocations in address order.
func (s *State) Allocations() []*Allocation {
	return slices.Clone(s.allocs)
}

// Len returns the number of live allocations.
func (s *State) Len() int {
	return len(s.allocs)
}

// Add creates a new, uninitialized allocation covering area.
func (s *State) Add(area Area) (*Allocation, error) {
	if err := area.Check(); err != nil {
		return nil, err
	}
	a := newAllocation(area)
	if err := s.Insert(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Insert makes a previously removed allocation live again.
func (s *State) Insert(a *Allocation) error {
	i, ok := s.search(a.area.Start)
	if ok {
		return fmt.Errorf("%w: %v", ErrOverlap, a.area)
	}
	if i > 0 && s.allocs[i-1].area.Overlaps(a.area) {
		return fmt.Errorf("%w: %v overlaps %v", ErrOverlap, a.area, s.allocs[i-1].area)
	}
	if i < len(s.allocs) && s.allocs[i].area.Overlaps(a.area) {
		return fmt.Errorf("%w: %v overlaps %v", ErrOverlap, a.area, s.allocs[i].area)
	}
	s.allocs = slices.Insert(s.allocs, i, a)
	return nil
}

// Remove removes the allocation starting at addr and returns it. The
// allocation keeps its content and undo records, so it may later be
// reinserted with Insert.
func (s *State) Remove(addr uint64) (*Allocation, error) {
	i, ok := s.search(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no allocation at %#x", ErrNotMapped, addr)
	}
	a := s.allocs[i]
	s.allocs = slices.Delete(s.allocs, i, i+1)
	return a, nil
}

// Free removes the allocation starting at addr and remembers it so
// that Unfree can restore it.
func (s *State) Free(addr uint64) error {
	a, err := s.Remove(addr)
	if err != nil {
		return err
	}
	s.freed = append(s.freed, a)
	return nil
}

// Unfree restores the most recently freed allocation, which must
// start at addr.
func (s *State) Unfree(addr uint64) error {
	n := len(s.freed)
	if n == 0 || s.freed[n-1].area.Start != addr {
		return fmt.Errorf("%w: unfreeing %#x", ErrUndoMismatch, addr)
	}
	if err := s.Insert(s.freed[n-1]); err != nil {
		return err
	}
	s.freed[n-1] = nil
	s.freed = s.freed[:n-1]
	return nil
}

// Initialize sets the base content of an area without recording an
// undo record. It is used for memory whose content predates the
// trace, like the initial data of global variables.
func (s *State) Initialize(addr uint64, data []byte, origin Origin) error {
	area := Area{addr, uint64(len(data))}
	a, err := s.findArea(area)
	if err != nil {
		return err
	}
	a.initialize(area, data, origin)
	return nil
}

// Write overwrites the area starting at addr with data, which becomes
// a single initialized fragment attributed to origin.
func (s *State) Write(addr uint64, data []byte, origin Origin) error {
	area := Area{addr, uint64(len(data))}
	a, err := s.findArea(area)
	if err != nil {
		return err
	}
	a.write(area, data, origin)
	return nil
}

// Memmove copies size bytes from src to dst, including their
// initialization. The copied fragments are attributed to origin.
// The areas may overlap.
func (s *State) Memmove(src, dst, size uint64, origin Origin) error {
	from := Area{src, size}
	sa, err := s.findArea(from)
	if err != nil {
		return err
	}
	to := Area{dst, size}
	da, err := s.findArea(to)
	if err != nil {
		return err
	}
	bytes, init := sa.Bytes(from), sa.Initialization(from)
	var frags []Fragment
	for _, f := range sa.fragments {
		if x := f.Intersect(from); x.Size != 0 {
			frags = append(frags, Fragment{Area{x.Start - src + dst, x.Size}, origin})
		}
	}
	da.place(to, bytes, init, frags, origin)
	return nil
}

// Clear zeroes area and marks it uninitialized.
func (s *State) Clear(area Area) error {
	a, err := s.findArea(area)
	if err != nil {
		return err
	}
	a.clearArea(area)
	return nil
}

// Rewind undoes the most recent Write, Memmove or Clear of area. The
// bytes and initialization are restored from what the mutation
// captured, and the fragments are rebuilt from chain, which must
// describe exactly the fragments the mutation destroyed, in the order
// returned by Overwritten.
func (s *State) Rewind(area Area, chain []Assist) error {
	a, err := s.findArea(area)
	if err != nil {
		return err
	}
	return a.rewind(area, chain)
}

// Overwritten returns the overwrite-assist chain describing the
// fragments that a write over area would destroy.
func (s *State) Overwritten(area Area) ([]Assist, error) {
	a, err := s.findArea(area)
	if err != nil {
		return nil, err
	}
	return a.overwritten(area), nil
}

// Resize grows or shrinks the allocation starting at addr. Shrinking
// captures the vacated tail so that Unresize can restore it.
func (s *State) Resize(addr, size uint64) error {
	i, ok := s.search(addr)
	if !ok {
		return fmt.Errorf("%w: no allocation at %#x", ErrNotMapped, addr)
	}
	a := s.allocs[i]
	if err := (Area{addr, size}).Check(); err != nil {
		return err
	}
	if size > a.area.Size && i+1 < len(s.allocs) && s.allocs[i+1].area.Overlaps(Area{addr, size}) {
		return fmt.Errorf("%w: resizing %v to %d bytes", ErrOverlap, a.area, size)
	}
	a.resize(size)
	return nil
}

// Unresize undoes the most recent Resize of the allocation at addr.
func (s *State) Unresize(addr uint64) error {
	i, ok := s.search(addr)
	if !ok {
		return fmt.Errorf("%w: no allocation at %#x", ErrNotMapped, addr)
	}
	a := s.allocs[i]
	if n := len(a.undo); n > 0 && a.undo[n-1].kind == recordResize {
		if old := a.undo[n-1].oldSize; old > a.area.Size && i+1 < len(s.allocs) && s.allocs[i+1].area.Overlaps(Area{addr, old}) {
			return fmt.Errorf("%w: restoring %v to %d bytes", ErrOverlap, a.area, old)
		}
	}
	return a.unresize()
}

// Region holds the content of an area of memory.
type Region struct {
	Area

	// Bytes holds the value of each byte. Uninitialized and unmapped
	// bytes are zero.
	Bytes []byte

	// Init holds the initialization flag of each byte. Unmapped bytes
	// are uninitialized.
	Init []byte
}

// Region returns the content of area, which may span several
// allocations and unmapped memory.
func (s *State) Region(area Area) Region {
	r := Region{
		Area:  area,
		Bytes: make([]byte, area.Size),
		Init:  make([]byte, area.Size),
	}
	i, _ := s.search(area.Start)
	if i > 0 {
		i--
	}
	for ; i < len(s.allocs) && s.allocs[i].area.Start < area.End(); i++ {
		a := s.allocs[i]
		x := a.area.Intersect(area)
		if x.Size == 0 {
			continue
		}
		lo, hi := a.span(x)
		copy(r.Bytes[x.Start-area.Start:], a.bytes[lo:hi])
		copy(r.Init[x.Start-area.Start:], a.init[lo:hi])
	}
	return r
}

// Classify returns the initialization class of area. Unmapped bytes
// count as uninitialized.
func (s *State) Classify(area Area) Classification {
	return classify(s.Region(area).Init)
}

// IsInitialized reports whether every byte of area is initialized.
func (s *State) IsInitialized(area Area) bool {
	return area.Size != 0 && s.Classify(area) == Initialized
}
