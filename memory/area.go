package memory

import (
	"errors"
	"fmt"
)

// MaxAllocationSize is the largest area an allocation may cover. The
// bytes of every allocation are held in memory.
const MaxAllocationSize = 1 << 32

// ErrBadArea is returned for areas that wrap around the address space
// or exceed MaxAllocationSize.
var ErrBadArea = errors.New("bad area")

// Area is a contiguous range of addresses.
type Area struct {
	Start uint64
	Size  uint64
}

// Check returns an error wrapping ErrBadArea if the area extends past
// the top of the address space or is larger than MaxAllocationSize.
func (a Area) Check() error {
	switch {
	case a.Size > ^uint64(0)-a.Start:
		return fmt.Errorf("%w: %d bytes at %#x wrap around the address space", ErrBadArea, a.Size, a.Start)
	case a.Size > MaxAllocationSize:
		return fmt.Errorf("%w: %d bytes at %#x exceed %d", ErrBadArea, a.Size, a.Start, uint64(MaxAllocationSize))
	}
	return nil
}

// End returns the first address past the area.
func (a Area) End() uint64 {
	return a.Start + a.Size
}

// Contains reports whether addr is within the area.
func (a Area) Contains(addr uint64) bool {
	return addr >= a.Start && addr-a.Start < a.Size
}

// ContainsArea reports whether b lies entirely within a.
func (a Area) ContainsArea(b Area) bool {
	return b.Start >= a.Start && b.Size <= a.Size && b.Start-a.Start <= a.Size-b.Size
}

// Overlaps reports whether a and b share at least one address.
func (a Area) Overlaps(b Area) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// Intersect returns the addresses common to a and b. The result is
// empty if they don't overlap.
func (a Area) Intersect(b Area) Area {
	start, end := a.Start, a.End()
	if b.Start > start {
		start = b.Start
	}
	if e := b.End(); e < end {
		end = e
	}
	if end <= start {
		return Area{Start: start}
	}
	return Area{Start: start, Size: end - start}
}

func (a Area) String() string {
	return fmt.Sprintf("[%#x, %#x)", a.Start, a.End())
}

// Origin identifies the event that produced a fragment: a thread ID
// and the logical offset of the event in that thread's stream.
//
// Thread 0 denotes the initial data of a global variable, and Offset
// is then the global's index.
type Origin struct {
	Thread uint32
	Offset uint64
}

// Fragment is a contiguous run of initialized bytes with a single
// origin.
type Fragment struct {
	Area
	Origin Origin
}

// Classification describes the initialization of an area.
type Classification uint8

const (
	Uninitialized Classification = iota
	Initialized
	PartiallyInitialized
)

func (c Classification) String() string {
	switch c {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case PartiallyInitialized:
		return "partially initialized"
	}
	return fmt.Sprintf("Classification(%d)", uint8(c))
}

// Initialization flag values, one per byte.
const (
	FlagUninitialized byte = 0x00
	FlagInitialized   byte = 0xff
)

func classify(init []byte) Classification {
	n := 0
	for _, f := range init {
		if f == FlagInitialized {
			n++
		}
	}
	switch n {
	case 0:
		return Uninitialized
	case len(init):
		return Initialized
	}
	return PartiallyInitialized
}
