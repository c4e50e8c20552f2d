package memory

import (
	"cmp"
	"fmt"

	"golang.org/x/exp/slices"
)

// Allocation is a live block of tracked memory: its bytes, one
// initialization flag per byte, and the fragments that produced the
// initialized bytes.
//
// Every mutation pushes a record onto the allocation's undo stack,
// and inverses must be applied in the reverse order.
type Allocation struct {
	area      Area
	bytes     []byte
	init      []byte
	fragments []Fragment
	undo      []record
}

type recordKind uint8

const (
	recordWrite recordKind = iota
	recordResize
)

// record captures whatever a mutation destroyed. For writes only the
// bytes are kept; the fragments are described by the overwrite-assist
// chain supplied to Rewind.
type record struct {
	kind      recordKind
	area      Area
	class     Classification
	bytes     []byte
	init      []byte
	oldSize   uint64
	fragments []Fragment
}

func newAllocation(area Area) *Allocation {
	return &Allocation{
		area:  area,
		bytes: make([]byte, area.Size),
		init:  make([]byte, area.Size),
	}
}

// Address returns the start address of the allocation.
func (a *Allocation) Address() uint64 {
	return a.area.Start
}

// Size returns the size of the allocation in bytes.
func (a *Allocation) Size() uint64 {
	return a.area.Size
}

// Area returns the addresses covered by the allocation.
func (a *Allocation) Area() Area {
	return a.area
}

// Bytes returns a copy of the bytes in area, which must lie within
// the allocation. Uninitialized bytes are zero.
func (a *Allocation) Bytes(area Area) []byte {
	lo, hi := a.span(area)
	return slices.Clone(a.bytes[lo:hi])
}

// Initialization returns a copy of the initialization flags for area,
// which must lie within the allocation.
func (a *Allocation) Initialization(area Area) []byte {
	lo, hi := a.span(area)
	return slices.Clone(a.init[lo:hi])
}

// Classify returns the initialization class of area, which must lie
// within the allocation.
func (a *Allocation) Classify(area Area) Classification {
	lo, hi := a.span(area)
	return classify(a.init[lo:hi])
}

// Fragments returns the fragments of the allocation in address order.
func (a *Allocation) Fragments() []Fragment {
	return slices.Clone(a.fragments)
}

// Pending returns the number of mutations that have not been undone.
func (a *Allocation) Pending() int {
	return len(a.undo)
}

func (a *Allocation) span(area Area) (int, int) {
	lo := area.Start - a.area.Start
	return int(lo), int(lo + area.Size)
}

func (a *Allocation) capture(area Area) record {
	lo, hi := a.span(area)
	rec := record{kind: recordWrite, area: area, class: classify(a.init[lo:hi])}
	switch rec.class {
	case Initialized:
		rec.bytes = slices.Clone(a.bytes[lo:hi])
	case PartiallyInitialized:
		rec.bytes = slices.Clone(a.bytes[lo:hi])
		rec.init = slices.Clone(a.init[lo:hi])
	}
	return rec
}

func (a *Allocation) restore(rec *record) {
	lo, hi := a.span(rec.area)
	switch rec.class {
	case Uninitialized:
		clear(a.bytes[lo:hi])
		clear(a.init[lo:hi])
	case Initialized:
		copy(a.bytes[lo:hi], rec.bytes)
		fill(a.init[lo:hi], FlagInitialized)
	case PartiallyInitialized:
		copy(a.bytes[lo:hi], rec.bytes)
		copy(a.init[lo:hi], rec.init)
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// carve removes area from the fragments, trimming or splitting any
// fragment that extends beyond it.
func (a *Allocation) carve(area Area) {
	out := make([]Fragment, 0, len(a.fragments)+1)
	for _, f := range a.fragments {
		if !f.Overlaps(area) {
			out = append(out, f)
			continue
		}
		if f.Start < area.Start {
			out = append(out, Fragment{Area{f.Start, area.Start - f.Start}, f.Origin})
		}
		if f.End() > area.End() {
			out = append(out, Fragment{Area{area.End(), f.End() - area.End()}, f.Origin})
		}
	}
	a.fragments = out
}

func (a *Allocation) insert(f Fragment) {
	i, _ := slices.BinarySearchFunc(a.fragments, f.Start, func(g Fragment, start uint64) int {
		return cmp.Compare(g.Start, start)
	})
	a.fragments = slices.Insert(a.fragments, i, f)
}

func (a *Allocation) fragmentAt(start uint64) int {
	i, ok := slices.BinarySearchFunc(a.fragments, start, func(g Fragment, start uint64) int {
		return cmp.Compare(g.Start, start)
	})
	if !ok {
		return -1
	}
	return i
}

// initialize sets the base content of area without recording an
// undo record.
func (a *Allocation) initialize(area Area, data []byte, origin Origin) {
	lo, hi := a.span(area)
	copy(a.bytes[lo:hi], data)
	fill(a.init[lo:hi], FlagInitialized)
	a.carve(area)
	a.insert(Fragment{area, origin})
}

func (a *Allocation) write(area Area, data []byte, origin Origin) {
	rec := a.capture(area)
	lo, hi := a.span(area)
	copy(a.bytes[lo:hi], data)
	fill(a.init[lo:hi], FlagInitialized)
	a.carve(area)
	a.insert(Fragment{area, origin})
	a.undo = append(a.undo, rec)
}

// place writes a copy of moved memory: bytes, initialization, and the
// fragments of the source, all relocated to area and attributed to
// origin.
func (a *Allocation) place(area Area, bytes, init []byte, frags []Fragment, origin Origin) {
	rec := a.capture(area)
	lo, hi := a.span(area)
	copy(a.bytes[lo:hi], bytes)
	copy(a.init[lo:hi], init)
	a.carve(area)
	for _, f := range frags {
		a.insert(Fragment{f.Area, origin})
	}
	a.undo = append(a.undo, rec)
}

func (a *Allocation) clearArea(area Area) {
	rec := a.capture(area)
	lo, hi := a.span(area)
	clear(a.bytes[lo:hi])
	clear(a.init[lo:hi])
	a.carve(area)
	a.undo = append(a.undo, rec)
}

func (a *Allocation) rewind(area Area, chain []Assist) error {
	n := len(a.undo)
	if n == 0 {
		return fmt.Errorf("%w: rewinding %v with no recorded writes", ErrUndoMismatch, area)
	}
	rec := &a.undo[n-1]
	if rec.kind != recordWrite || rec.area != area {
		return fmt.Errorf("%w: rewinding %v, last write was %v", ErrUndoMismatch, area, rec.area)
	}
	a.restore(rec)
	kept := a.fragments[:0]
	for _, f := range a.fragments {
		if !f.Overlaps(area) {
			kept = append(kept, f)
		}
	}
	a.fragments = kept
	if err := a.replay(area, chain); err != nil {
		return err
	}
	if err := a.checkCoverage(area); err != nil {
		return err
	}
	a.undo = a.undo[:n-1]
	return nil
}

func (a *Allocation) checkCoverage(area Area) error {
	lo, hi := a.span(area)
	covered := make([]bool, hi-lo)
	for _, f := range a.fragments {
		if x := f.Intersect(area); x.Size != 0 {
			for i := x.Start - area.Start; i < x.End()-area.Start; i++ {
				covered[i] = true
			}
		}
	}
	for i, c := range covered {
		if c != (a.init[lo+i] == FlagInitialized) {
			return fmt.Errorf("%w: byte %#x of %v", ErrChainMismatch, area.Start+uint64(i), area)
		}
	}
	return nil
}

func (a *Allocation) resize(size uint64) {
	rec := record{kind: recordResize, oldSize: a.area.Size}
	if size < a.area.Size {
		tail := Area{a.area.Start + size, a.area.Size - size}
		w := a.capture(tail)
		rec.area, rec.class, rec.bytes, rec.init = tail, w.class, w.bytes, w.init
		rec.fragments = slices.Clone(a.fragments)
		a.carve(tail)
		a.bytes = a.bytes[:size:size]
		a.init = a.init[:size:size]
	} else {
		a.bytes = append(a.bytes, make([]byte, size-a.area.Size)...)
		a.init = append(a.init, make([]byte, size-a.area.Size)...)
	}
	a.area.Size = size
	a.undo = append(a.undo, rec)
}

func (a *Allocation) unresize() error {
	n := len(a.undo)
	if n == 0 || a.undo[n-1].kind != recordResize {
		return fmt.Errorf("%w: unresizing %v without a recorded resize", ErrUndoMismatch, a.area)
	}
	rec := &a.undo[n-1]
	size := a.area.Size
	switch {
	case rec.oldSize > size:
		a.bytes = append(a.bytes, make([]byte, rec.oldSize-size)...)
		a.init = append(a.init, make([]byte, rec.oldSize-size)...)
		a.area.Size = rec.oldSize
		a.restore(rec)
		a.fragments = rec.fragments
	case rec.oldSize < size:
		tail := Area{a.area.Start + rec.oldSize, size - rec.oldSize}
		if a.Classify(tail) != Uninitialized {
			return fmt.Errorf("%w: unresizing %v over initialized tail %v", ErrUndoMismatch, a.area, tail)
		}
		a.bytes = a.bytes[:rec.oldSize:rec.oldSize]
		a.init = a.init[:rec.oldSize:rec.oldSize]
		a.area.Size = rec.oldSize
	}
	a.undo = a.undo[:n-1]
	return nil
}
