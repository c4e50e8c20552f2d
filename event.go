// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"encoding/binary"
	"fmt"
)

// EventType indicates what kind of trace event is captured.
type EventType uint8

const (
	EventNone                          EventType = iota
	EventTraceEnd                                // End of a thread's trace.
	EventFunctionStart                           // Function entered.
	EventFunctionEnd                             // Function returned.
	EventBasicBlockStart                         // Basic block entered.
	EventNewProcessTime                          // Thread observed a process time.
	EventInstruction                             // Instruction executed, no value.
	EventInstructionWithValue                    // Instruction produced a scalar value.
	EventInstructionWithLargeValue               // Instruction produced an out-of-line value.
	EventAlloca                                  // Stack allocation.
	EventByValRegion                             // Memory for a by-value argument.
	EventStackRestore                            // Stack restored to a bookmark.
	EventStackRestoreAlloca                      // An alloca kept by a stack restore.
	EventMalloc                                  // Dynamic allocation.
	EventFree                                    // Dynamic deallocation.
	EventRealloc                                 // In-place resize of a dynamic allocation.
	EventStateTyped                              // Typed memory write, out-of-line data.
	EventStateUntypedSmall                       // Untyped memory write, inline data.
	EventStateUntyped                            // Untyped memory write, out-of-line data.
	EventStateMemmove                            // Memory copied.
	EventStateClear                              // Memory cleared.
	EventStateOverwrite                          // A fragment wholly destroyed by a write.
	EventStateOverwriteFragment                  // The destroyed part of a fragment.
	EventStateOverwriteFragmentTrimmed           // A fragment trimmed by a write.
	EventStateOverwriteFragmentSplit             // A fragment split by a write.
	EventFileOpen                                // Stream opened.
	EventFileWrite                               // Data written to a stream.
	EventFileClose                               // Stream closed.
	EventDirOpen                                 // Directory opened.
	EventDirClose                                // Directory closed.
	EventKnownRegionAdd                          // Untracked memory became accessible.
	EventKnownRegionRemove                       // Untracked memory became inaccessible.
	EventRuntimeError                            // Runtime error detected.
	EventRuntimeErrorArgument                    // Argument of the preceding runtime error.
	eventTypeCount
)

// NoOffset is the offset used to indicate the absence of an event.
const NoOffset = ^uint64(0)

// Known region permission flags.
const (
	RegionReadable uint8 = 1 << iota
	RegionWritable
)

// RuntimeErrorTopLevel marks a RuntimeError that is not nested in
// another error.
const RuntimeErrorTopLevel uint8 = 1

// Event represents a single decoded trace event.
//
// Fields are shared between event types; each documents the types
// it is valid for.
type Event struct {
	// Type is the type of the event. Always valid.
	Type EventType

	// PrevSize is the size in bytes of the event preceding this one
	// in the thread's stream, or zero for the first event.
	PrevSize uint8

	// Index is a function index (FunctionStart, FunctionEnd), basic
	// block index (BasicBlockStart), instruction index (Instruction*,
	// Alloca), argument index (ByValRegion), type index (StateTyped),
	// or error/argument type (RuntimeError, RuntimeErrorArgument).
	Index uint32

	// Thread is the thread of the event that originally wrote a
	// fragment (StateOverwrite, StateOverwriteFragment). Zero means
	// global initial data, and Link is then the global's index.
	Thread uint32

	// Count is the number of subservient events that follow: kept
	// allocas (StackRestore), overwrite-assist events (State*), or
	// arguments (RuntimeError).
	Count uint32

	// Flags holds permissions (KnownRegionAdd) or RuntimeErrorTopLevel
	// (RuntimeError).
	Flags uint8

	// ThreadTime is the thread time after the event
	// (FunctionStart, FunctionEnd, Instruction*).
	ThreadTime uint64

	// ProcessTime is the process time set (shared state modifiers) or
	// observed (NewProcessTime) by the event.
	ProcessTime uint64

	// Link is an offset within the same thread's stream: the matching
	// FunctionEnd (FunctionStart) or FunctionStart (FunctionEnd), the
	// previous assignment of the same register (InstructionWith*Value),
	// the previous StackRestore (StackRestore), the kept Alloca
	// (StackRestoreAlloca). For StateOverwrite and
	// StateOverwriteFragment it is an offset in Thread's stream.
	// NoOffset when there is no such event.
	Link uint64

	// Address is the primary address the event refers to. For
	// StateMemmove it's the destination, and for the trimmed and split
	// overwrite-assist events it's the start of the surviving piece.
	Address uint64

	// Source is the source of a StateMemmove, the prior start of a
	// trimmed fragment, or the start of the right piece of a split.
	Source uint64

	// Size is an allocation or region size, the element size for
	// Alloca, the prior fragment size for trimmed and split
	// overwrite-assist events, and the byte count for
	// StateUntypedSmall.
	Size uint64

	// Value is a register value (InstructionWithValue), the element
	// count (Alloca), inline little-endian data (StateUntypedSmall) or
	// an argument value (RuntimeErrorArgument).
	Value uint64

	// DataOffset and DataSize locate out-of-line data in the process
	// auxiliary data.
	DataOffset uint64
	DataSize   uint64
}

type eventField uint8

const (
	fIndex eventField = iota
	fThread
	fCount
	fFlags
	fThreadTime
	fProcessTime
	fLink
	fAddress
	fSource
	fSize
	fValue
	fDataOffset
	fDataSize
)

type fieldSpec struct {
	field eventField
	width uint8
}

type eventTrait uint16

const (
	traitBlockStart eventTrait = 1 << iota
	traitSubservient
	traitFunctionLevel
	traitInstruction
	traitModifiesShared
	traitMemoryState
	traitProcessTime
	traitThreadTime
	traitTouchesMemory
)

type eventDesc struct {
	name   string
	fields []fieldSpec
	traits eventTrait
	size   int
}

func u8(f eventField) fieldSpec  { return fieldSpec{f, 1} }
func u16(f eventField) fieldSpec { return fieldSpec{f, 2} }
func u32(f eventField) fieldSpec { return fieldSpec{f, 4} }
func u64(f eventField) fieldSpec { return fieldSpec{f, 8} }

const (
	sharedTraits = traitModifiesShared | traitProcessTime | traitTouchesMemory
	stateTraits  = sharedTraits | traitMemoryState
)

var eventDescs = [eventTypeCount]eventDesc{
	EventNone:     {name: "None"},
	EventTraceEnd: {name: "TraceEnd"},
	EventFunctionStart: {
		name:   "FunctionStart",
		fields: []fieldSpec{u32(fIndex), u64(fThreadTime), u64(fLink)},
		traits: traitBlockStart | traitThreadTime,
	},
	EventFunctionEnd: {
		name:   "FunctionEnd",
		fields: []fieldSpec{u32(fIndex), u64(fThreadTime), u64(fLink)},
		traits: traitBlockStart | traitThreadTime | traitTouchesMemory,
	},
	EventBasicBlockStart: {
		name:   "BasicBlockStart",
		fields: []fieldSpec{u32(fIndex)},
		traits: traitBlockStart | traitFunctionLevel,
	},
	EventNewProcessTime: {
		name:   "NewProcessTime",
		fields: []fieldSpec{u64(fProcessTime)},
		traits: traitProcessTime,
	},
	EventInstruction: {
		name:   "Instruction",
		fields: []fieldSpec{u32(fIndex), u64(fThreadTime)},
		traits: traitFunctionLevel | traitInstruction | traitThreadTime,
	},
	EventInstructionWithValue: {
		name:   "InstructionWithValue",
		fields: []fieldSpec{u32(fIndex), u64(fThreadTime), u64(fLink), u64(fValue)},
		traits: traitFunctionLevel | traitInstruction | traitThreadTime,
	},
	EventInstructionWithLargeValue: {
		name:   "InstructionWithLargeValue",
		fields: []fieldSpec{u32(fIndex), u64(fThreadTime), u64(fLink), u64(fDataOffset), u32(fDataSize)},
		traits: traitFunctionLevel | traitInstruction | traitThreadTime,
	},
	EventAlloca: {
		name:   "Alloca",
		fields: []fieldSpec{u32(fIndex), u64(fAddress), u64(fSize), u64(fValue)},
		traits: traitFunctionLevel | traitTouchesMemory,
	},
	EventByValRegion: {
		name:   "ByValRegion",
		fields: []fieldSpec{u32(fIndex), u64(fAddress), u64(fSize)},
		traits: traitFunctionLevel | traitTouchesMemory,
	},
	EventStackRestore: {
		name:   "StackRestore",
		fields: []fieldSpec{u64(fLink), u32(fCount)},
		traits: traitFunctionLevel | traitTouchesMemory,
	},
	EventStackRestoreAlloca: {
		name:   "StackRestoreAlloca",
		fields: []fieldSpec{u64(fLink)},
		traits: traitSubservient,
	},
	EventMalloc: {
		name:   "Malloc",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fSize)},
		traits: sharedTraits,
	},
	EventFree: {
		name:   "Free",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress)},
		traits: sharedTraits,
	},
	EventRealloc: {
		name:   "Realloc",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fSize)},
		traits: sharedTraits,
	},
	EventStateTyped: {
		name:   "StateTyped",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u32(fIndex), u64(fDataOffset), u64(fDataSize), u32(fCount)},
		traits: stateTraits,
	},
	EventStateUntypedSmall: {
		name:   "StateUntypedSmall",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u8(fSize), u64(fValue), u32(fCount)},
		traits: stateTraits,
	},
	EventStateUntyped: {
		name:   "StateUntyped",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fDataOffset), u64(fDataSize), u32(fCount)},
		traits: stateTraits,
	},
	EventStateMemmove: {
		name:   "StateMemmove",
		fields: []fieldSpec{u64(fProcessTime), u64(fSource), u64(fAddress), u64(fSize), u32(fCount)},
		traits: stateTraits,
	},
	EventStateClear: {
		name:   "StateClear",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fSize), u32(fCount)},
		traits: stateTraits,
	},
	EventStateOverwrite: {
		name:   "StateOverwrite",
		fields: []fieldSpec{u32(fThread), u64(fLink), u64(fAddress), u64(fSize)},
		traits: traitSubservient,
	},
	EventStateOverwriteFragment: {
		name:   "StateOverwriteFragment",
		fields: []fieldSpec{u32(fThread), u64(fLink), u64(fAddress), u64(fSize)},
		traits: traitSubservient,
	},
	EventStateOverwriteFragmentTrimmed: {
		name:   "StateOverwriteFragmentTrimmed",
		fields: []fieldSpec{u64(fAddress), u64(fSource), u64(fSize)},
		traits: traitSubservient,
	},
	EventStateOverwriteFragmentSplit: {
		name:   "StateOverwriteFragmentSplit",
		fields: []fieldSpec{u64(fAddress), u64(fSource), u64(fSize)},
		traits: traitSubservient,
	},
	EventFileOpen: {
		name:   "FileOpen",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fDataOffset), u64(fDataSize)},
		traits: sharedTraits,
	},
	EventFileWrite: {
		name:   "FileWrite",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fDataOffset), u64(fDataSize)},
		traits: sharedTraits,
	},
	EventFileClose: {
		name:   "FileClose",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress)},
		traits: sharedTraits,
	},
	EventDirOpen: {
		name:   "DirOpen",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fDataOffset), u64(fDataSize)},
		traits: sharedTraits,
	},
	EventDirClose: {
		name:   "DirClose",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress)},
		traits: sharedTraits,
	},
	EventKnownRegionAdd: {
		name:   "KnownRegionAdd",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress), u64(fSize), u8(fFlags)},
		traits: sharedTraits,
	},
	EventKnownRegionRemove: {
		name:   "KnownRegionRemove",
		fields: []fieldSpec{u64(fProcessTime), u64(fAddress)},
		traits: sharedTraits,
	},
	EventRuntimeError: {
		name:   "RuntimeError",
		fields: []fieldSpec{u16(fIndex), u8(fCount), u8(fFlags)},
		traits: traitFunctionLevel,
	},
	EventRuntimeErrorArgument: {
		name:   "RuntimeErrorArgument",
		fields: []fieldSpec{u8(fIndex), u64(fValue)},
		traits: traitSubservient,
	},
}

// eventHeaderSize is the size of the {type, previous size} header.
const eventHeaderSize = 2

func init() {
	for i := range eventDescs {
		d := &eventDescs[i]
		d.size = eventHeaderSize
		for _, f := range d.fields {
			d.size += int(f.width)
		}
		if d.size > 0xff {
			panic("event " + d.name + " is too large")
		}
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t > EventNone && t < eventTypeCount
}

func (t EventType) String() string {
	if t >= eventTypeCount {
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
	return eventDescs[t].name
}

// Size returns the encoded size of events of this type.
func (t EventType) Size() int {
	if t >= eventTypeCount {
		return 0
	}
	return eventDescs[t].size
}

func (t EventType) has(tr eventTrait) bool {
	return t < eventTypeCount && eventDescs[t].traits&tr != 0
}

// IsBlockStart reports whether events of this type begin a new unit
// of movement.
func (t EventType) IsBlockStart() bool { return t.has(traitBlockStart) }

// IsSubservient reports whether events of this type only qualify the
// event preceding them and have no effect of their own.
func (t EventType) IsSubservient() bool { return t.has(traitSubservient) }

// IsFunctionLevel reports whether events of this type modify only the
// state of the active function.
func (t EventType) IsFunctionLevel() bool { return t.has(traitFunctionLevel) }

// IsInstruction reports whether events of this type mark an
// instruction as active.
func (t EventType) IsInstruction() bool { return t.has(traitInstruction) }

// ModifiesSharedState reports whether events of this type mutate
// state shared between threads. Such events carry a process time.
func (t EventType) ModifiesSharedState() bool { return t.has(traitModifiesShared) }

// IsMemoryState reports whether events of this type write memory and
// are followed by overwrite-assist events.
func (t EventType) IsMemoryState() bool { return t.has(traitMemoryState) }

// HasProcessTime reports whether events of this type carry a process
// time.
func (t EventType) HasProcessTime() bool { return t.has(traitProcessTime) }

// HasThreadTime reports whether events of this type carry a thread
// time.
func (t EventType) HasThreadTime() bool { return t.has(traitThreadTime) }

// TouchesMemory reports whether applying or undoing events of this
// type mutates the shared memory state, and therefore requires the
// process lock.
func (t EventType) TouchesMemory() bool { return t.has(traitTouchesMemory) }

func (e *Event) field(f eventField) *uint64 {
	switch f {
	case fThreadTime:
		return &e.ThreadTime
	case fProcessTime:
		return &e.ProcessTime
	case fLink:
		return &e.Link
	case fAddress:
		return &e.Address
	case fSource:
		return &e.Source
	case fSize:
		return &e.Size
	case fValue:
		return &e.Value
	case fDataOffset:
		return &e.DataOffset
	case fDataSize:
		return &e.DataSize
	}
	return nil
}

func (e *Event) get(f eventField) uint64 {
	switch f {
	case fIndex:
		return uint64(e.Index)
	case fThread:
		return uint64(e.Thread)
	case fCount:
		return uint64(e.Count)
	case fFlags:
		return uint64(e.Flags)
	}
	return *e.field(f)
}

func (e *Event) set(f eventField, v uint64) {
	switch f {
	case fIndex:
		e.Index = uint32(v)
	case fThread:
		e.Thread = uint32(v)
	case fCount:
		e.Count = uint32(v)
	case fFlags:
		e.Flags = uint8(v)
	default:
		*e.field(f) = v
	}
}

// DecodeEvent decodes the event at the start of buf.
//
// Returns an error if the event type is unknown or buf is too short.
func DecodeEvent(buf []byte) (Event, error) {
	if len(buf) < eventHeaderSize {
		return Event{}, fmt.Errorf("truncated event header")
	}
	ev := Event{Type: EventType(buf[0]), PrevSize: buf[1]}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %d", buf[0])
	}
	d := &eventDescs[ev.Type]
	if len(buf) < d.size {
		return Event{}, fmt.Errorf("truncated %s event", d.name)
	}
	idx := eventHeaderSize
	for _, f := range d.fields {
		var v uint64
		switch f.width {
		case 1:
			v = uint64(buf[idx])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(buf[idx:]))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(buf[idx:]))
		case 8:
			v = binary.LittleEndian.Uint64(buf[idx:])
		}
		ev.set(f.field, v)
		idx += int(f.width)
	}
	return ev, nil
}

// AppendEvent appends the encoding of ev to buf.
//
// Fields not used by ev.Type are ignored. Values are truncated to
// the width of their encoding.
func AppendEvent(buf []byte, ev Event) []byte {
	d := &eventDescs[ev.Type]
	buf = append(buf, uint8(ev.Type), ev.PrevSize)
	for _, f := range d.fields {
		v := ev.get(f.field)
		switch f.width {
		case 1:
			buf = append(buf, uint8(v))
		case 2:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		case 4:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		case 8:
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	return buf
}

// MaxInlineSize is the largest Size of a StateUntypedSmall event.
const MaxInlineSize = 8

// InlineData returns the bytes written by a StateUntypedSmall event.
// Streams with larger sizes are rejected when the trace is opened.
func (e *Event) InlineData() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e.Value)
	n := e.Size
	if n > MaxInlineSize {
		n = MaxInlineSize
	}
	return buf[:n]
}
