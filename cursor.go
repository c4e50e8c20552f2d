// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"cmp"

	"golang.org/x/exp/slices"
)

// ThreadTrace is the event stream of a single thread.
//
// The stream may be split across several physically disjoint blocks.
// Offsets into the stream are logical: the sum of the sizes of all
// preceding blocks plus the position within the block.
type ThreadTrace struct {
	id     uint32
	blocks [][]byte
	bases  []uint64
	size   uint64

	// starts has one bit per offset, set where an event begins.
	starts []uint64
}

func newThreadTrace(id uint32, blocks [][]byte) *ThreadTrace {
	t := &ThreadTrace{id: id, blocks: blocks, bases: make([]uint64, len(blocks))}
	for i, b := range blocks {
		t.bases[i] = t.size
		t.size += uint64(len(b))
	}
	return t
}

// ID returns the thread's ID.
func (t *ThreadTrace) ID() uint32 {
	return t.id
}

// Len returns the size of the event stream in bytes.
func (t *ThreadTrace) Len() uint64 {
	return t.size
}

// linkTargets lists the types an event's Link may refer to, for the
// events whose Link is an offset in their own stream. Only a
// FunctionStart links forward.
var linkTargets = [eventTypeCount][]EventType{
	EventFunctionStart:             {EventFunctionEnd},
	EventFunctionEnd:               {EventFunctionStart},
	EventInstructionWithValue:      {EventInstructionWithValue, EventInstructionWithLargeValue},
	EventInstructionWithLargeValue: {EventInstructionWithValue, EventInstructionWithLargeValue},
	EventStackRestore:              {EventStackRestore},
	EventStackRestoreAlloca:        {EventAlloca},
}

// validate checks that every event is well-formed, that every
// previous-size field matches the event before it, and that every
// link lands on an event of the right type.
func (t *ThreadTrace) validate() error {
	t.starts = make([]uint64, (t.size+63)/64)
	prev := 0
	for i, b := range t.blocks {
		for pos := 0; pos < len(b); {
			off := t.bases[i] + uint64(pos)
			typ := EventType(b[pos])
			if !typ.Valid() {
				return Corruptf(t.id, off, typ, "unknown event type")
			}
			size := typ.Size()
			if pos+size > len(b) {
				return Corruptf(t.id, off, typ, "event straddles block boundary")
			}
			if int(b[pos+1]) != prev {
				return Corruptf(t.id, off, typ, "previous size %d, want %d", b[pos+1], prev)
			}
			t.starts[off/64] |= 1 << (off % 64)
			prev = size
			pos += size
		}
	}
	for c := t.Begin(); !c.AtEnd(); c.Next() {
		if err := t.checkEvent(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *ThreadTrace) isStart(off uint64) bool {
	return off < t.size && t.starts[off/64]&(1<<(off%64)) != 0
}

// checkEvent checks the fields of a well-formed event that the
// decoder cannot: inline sizes and links.
func (t *ThreadTrace) checkEvent(c Cursor) error {
	typ := c.Type()
	targets := linkTargets[typ]
	if targets == nil && typ != EventStateUntypedSmall {
		return nil
	}
	ev, off := c.Event(), c.Offset()
	if typ == EventStateUntypedSmall && ev.Size > MaxInlineSize {
		return Corruptf(t.id, off, typ, "%d bytes of inline data, at most %d", ev.Size, MaxInlineSize)
	}
	if targets == nil || ev.Link == NoOffset {
		return nil
	}
	if forward := typ == EventFunctionStart; forward && ev.Link <= off || !forward && ev.Link >= off {
		return Corruptf(t.id, off, typ, "link %d points the wrong way", ev.Link)
	}
	if !t.isStart(ev.Link) {
		return Corruptf(t.id, off, typ, "link %d is not the start of an event", ev.Link)
	}
	lc, _ := t.CursorAt(ev.Link)
	if !slices.Contains(targets, lc.Type()) {
		return Corruptf(t.id, off, typ, "link %d is a %v event", ev.Link, lc.Type())
	}
	return nil
}

// Begin returns a cursor to the first event of the stream.
func (t *ThreadTrace) Begin() Cursor {
	return Cursor{t: t}
}

// End returns a cursor past the last event of the stream.
func (t *ThreadTrace) End() Cursor {
	c := Cursor{t: t, block: len(t.blocks) - 1}
	b := t.blocks[c.block]
	c.pos = len(b) - int(t.lastSize(c.block))
	c.end = true
	return c
}

// lastSize returns the size of the final event in block i.
func (t *ThreadTrace) lastSize(i int) int {
	if i+1 < len(t.blocks) {
		return int(t.blocks[i+1][1])
	}
	// Walk the final block, which has no successor to ask.
	b := t.blocks[i]
	pos, size := 0, 0
	for pos < len(b) {
		size = EventType(b[pos]).Size()
		pos += size
	}
	return size
}

// CursorAt returns a cursor to the event at the given logical offset.
//
// Returns false if no event starts at offset.
func (t *ThreadTrace) CursorAt(offset uint64) (Cursor, bool) {
	if !t.isStart(offset) {
		return Cursor{}, false
	}
	i, found := slices.BinarySearchFunc(t.bases, offset, func(base, off uint64) int {
		return cmp.Compare(base, off)
	})
	if !found {
		i--
	}
	return Cursor{t: t, block: i, pos: int(offset - t.bases[i])}, true
}

// EventAt decodes the event at the given logical offset.
func (t *ThreadTrace) EventAt(offset uint64) (Event, error) {
	c, ok := t.CursorAt(offset)
	if !ok {
		return Event{}, Corruptf(t.id, offset, EventNone, "no event starts here")
	}
	return c.Event(), nil
}

// Cursor is a bidirectional position in a thread's event stream.
//
// A Cursor either points at an event or is past the end of the
// stream. The zero Cursor is not valid.
type Cursor struct {
	t     *ThreadTrace
	block int
	pos   int
	end   bool
}

// Trace returns the stream the cursor is in.
func (c Cursor) Trace() *ThreadTrace {
	return c.t
}

// AtEnd reports whether the cursor is past the last event.
func (c Cursor) AtEnd() bool {
	return c.end
}

// AtBegin reports whether the cursor is at the first event.
func (c Cursor) AtBegin() bool {
	return !c.end && c.block == 0 && c.pos == 0
}

// Offset returns the logical offset of the current event, or the
// length of the stream if the cursor is at the end.
func (c Cursor) Offset() uint64 {
	if c.end {
		return c.t.size
	}
	return c.t.bases[c.block] + uint64(c.pos)
}

// Event decodes the current event. The cursor must not be at the end.
func (c Cursor) Event() Event {
	ev, err := DecodeEvent(c.t.blocks[c.block][c.pos:])
	if err != nil {
		// Streams are validated when the trace is opened.
		panic("rewind: decoding validated event: " + err.Error())
	}
	return ev
}

// Type returns the type of the current event without decoding it.
func (c Cursor) Type() EventType {
	if c.end {
		return EventNone
	}
	return EventType(c.t.blocks[c.block][c.pos])
}

// Compare orders c and d, which must be in the same stream, by
// position. It returns -1, 0 or +1.
func (c Cursor) Compare(d Cursor) int {
	if c.end != d.end {
		if c.end {
			return +1
		}
		return -1
	}
	return cmp.Compare(c.Offset(), d.Offset())
}

// Next advances the cursor past the current event, crossing into the
// next block or flagging the end of the stream.
//
// Returns false, leaving the cursor unchanged, if it's already at the
// end.
func (c *Cursor) Next() bool {
	if c.end {
		return false
	}
	b := c.t.blocks[c.block]
	next := c.pos + EventType(b[c.pos]).Size()
	switch {
	case next < len(b):
		c.pos = next
	case c.block+1 < len(c.t.blocks):
		c.block++
		c.pos = 0
	default:
		c.end = true
	}
	return true
}

// Prev retreats the cursor to the previous event, crossing into the
// previous block if needed. From the end of the stream it returns to
// the last event.
//
// Returns false, leaving the cursor unchanged, if it's already at the
// first event.
func (c *Cursor) Prev() bool {
	if c.end {
		c.end = false
		return true
	}
	if c.pos == 0 {
		if c.block == 0 {
			return false
		}
		prevSize := int(c.t.blocks[c.block][1])
		c.block--
		c.pos = len(c.t.blocks[c.block]) - prevSize
		return true
	}
	c.pos -= int(c.t.blocks[c.block][c.pos+1])
	return true
}
