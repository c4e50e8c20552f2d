package tracegen

import (
	"encoding/binary"

	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// Thread builds the event stream of one thread.
type Thread struct {
	b  *Builder
	id uint32

	buf   []byte
	cuts  []int
	prev  uint8
	ended bool

	threadTime uint64
	frames     []*frame
}

type stackAlloc struct {
	offset uint64
	addr   uint64
}

type frame struct {
	index       uint32
	start       uint64
	assigned    map[uint32]uint64
	allocas     []stackAlloc
	byvals      []uint64
	lastRestore uint64
}

// ID returns the thread's identifier.
func (t *Thread) ID() uint32 {
	return t.id
}

// Offset returns the logical offset the next event will have.
func (t *Thread) Offset() uint64 {
	return uint64(len(t.buf))
}

// ThreadTime returns the thread time of the latest event.
func (t *Thread) ThreadTime() uint64 {
	return t.threadTime
}

// Cut ends the current block of the event stream. Later events go into
// a new block.
func (t *Thread) Cut() {
	if n := len(t.buf); n != 0 && (len(t.cuts) == 0 || t.cuts[len(t.cuts)-1] != n) {
		t.cuts = append(t.cuts, n)
	}
}

func (t *Thread) blocks() [][]byte {
	var blks [][]byte
	lo := 0
	for _, hi := range t.cuts {
		blks = append(blks, t.buf[lo:hi])
		lo = hi
	}
	if lo < len(t.buf) {
		blks = append(blks, t.buf[lo:])
	}
	return blks
}

// Raw appends ev as is, apart from its previous size, and returns its
// offset. It is meant for building malformed streams.
func (t *Thread) Raw(ev rewind.Event) uint64 {
	off := t.Offset()
	ev.PrevSize = t.prev
	t.buf = rewind.AppendEvent(t.buf, ev)
	t.prev = uint8(ev.Type.Size())
	return off
}

// patchLink rewrites the Link field of the event at off.
func (t *Thread) patchLink(off, link uint64) {
	ev, err := rewind.DecodeEvent(t.buf[off:])
	if err != nil {
		t.b.fail("thread %d: patching event at %d: %v", t.id, off, err)
		return
	}
	ev.Link = link
	rewind.AppendEvent(t.buf[off:off], ev)
}

func (t *Thread) top() *frame {
	if n := len(t.frames); n > 0 {
		return t.frames[n-1]
	}
	t.b.fail("thread %d: event outside of any function", t.id)
	return &frame{assigned: make(map[uint32]uint64)}
}

func (t *Thread) tick() uint64 {
	t.threadTime++
	return t.threadTime
}

// FunctionStart enters function index.
func (t *Thread) FunctionStart(index uint32) uint64 {
	off := t.Raw(rewind.Event{
		Type:       rewind.EventFunctionStart,
		Index:      index,
		ThreadTime: t.tick(),
		Link:       rewind.NoOffset,
	})
	t.frames = append(t.frames, &frame{
		index:       index,
		start:       off,
		assigned:    make(map[uint32]uint64),
		lastRestore: rewind.NoOffset,
	})
	return off
}

// FunctionEnd returns from the innermost function, releasing its stack
// memory.
func (t *Thread) FunctionEnd() uint64 {
	f := t.top()
	if len(t.frames) > 0 {
		t.frames = t.frames[:len(t.frames)-1]
	}
	off := t.Raw(rewind.Event{
		Type:       rewind.EventFunctionEnd,
		Index:      f.index,
		ThreadTime: t.tick(),
		Link:       f.start,
	})
	t.patchLink(f.start, off)
	for _, a := range f.allocas {
		t.release(a.addr)
	}
	for _, addr := range f.byvals {
		t.release(addr)
	}
	return off
}

func (t *Thread) release(addr uint64) {
	if _, err := t.b.mem.Remove(addr); err != nil {
		t.b.fail("thread %d: releasing %#x: %v", t.id, addr, err)
	}
}

// BasicBlock enters basic block index of the innermost function.
func (t *Thread) BasicBlock(index uint32) uint64 {
	t.top()
	return t.Raw(rewind.Event{Type: rewind.EventBasicBlockStart, Index: index})
}

// Instruction executes instruction index, which produces no value.
func (t *Thread) Instruction(index uint32) uint64 {
	t.top()
	return t.Raw(rewind.Event{Type: rewind.EventInstruction, Index: index, ThreadTime: t.tick()})
}

func (f *frame) assign(index uint32, off uint64) uint64 {
	prev, ok := f.assigned[index]
	if !ok {
		prev = rewind.NoOffset
	}
	f.assigned[index] = off
	return prev
}

// Value executes instruction index, which produces v.
func (t *Thread) Value(index uint32, v uint64) uint64 {
	f := t.top()
	return t.Raw(rewind.Event{
		Type:       rewind.EventInstructionWithValue,
		Index:      index,
		ThreadTime: t.tick(),
		Link:       f.assign(index, t.Offset()),
		Value:      v,
	})
}

// LargeValue executes instruction index, which produces v.
func (t *Thread) LargeValue(index uint32, v []byte) uint64 {
	f := t.top()
	return t.Raw(rewind.Event{
		Type:       rewind.EventInstructionWithLargeValue,
		Index:      index,
		ThreadTime: t.tick(),
		Link:       f.assign(index, t.Offset()),
		DataOffset: t.b.Data(v),
		DataSize:   uint64(len(v)),
	})
}

// Alloca allocates count elements of elemSize bytes at addr on the
// stack of the innermost function.
func (t *Thread) Alloca(index uint32, addr, elemSize, count uint64) uint64 {
	f := t.top()
	off := t.Raw(rewind.Event{
		Type:    rewind.EventAlloca,
		Index:   index,
		Address: addr,
		Size:    elemSize,
		Value:   count,
	})
	if _, err := t.b.mem.Add(memory.Area{Start: addr, Size: elemSize * count}); err != nil {
		t.b.fail("thread %d: alloca at %d: %v", t.id, off, err)
	}
	f.allocas = append(f.allocas, stackAlloc{off, addr})
	return off
}

// ByVal records the memory holding by-value argument arg.
func (t *Thread) ByVal(arg uint32, addr, size uint64) uint64 {
	f := t.top()
	off := t.Raw(rewind.Event{
		Type:    rewind.EventByValRegion,
		Index:   arg,
		Address: addr,
		Size:    size,
	})
	if _, err := t.b.mem.Add(memory.Area{Start: addr, Size: size}); err != nil {
		t.b.fail("thread %d: byval region at %d: %v", t.id, off, err)
	}
	f.byvals = append(f.byvals, addr)
	return off
}

// StackRestore drops every alloca of the innermost function except
// those created by the Alloca events at the offsets in keep.
func (t *Thread) StackRestore(keep ...uint64) uint64 {
	f := t.top()
	off := t.Raw(rewind.Event{
		Type:  rewind.EventStackRestore,
		Link:  f.lastRestore,
		Count: uint32(len(keep)),
	})
	var kept []stackAlloc
	for _, a := range f.allocas {
		if slices.Contains(keep, a.offset) {
			kept = append(kept, a)
		} else {
			t.release(a.addr)
		}
	}
	if len(kept) != len(keep) {
		t.b.fail("thread %d: stack restore at %d keeps allocas that are not live", t.id, off)
	}
	// Keep events follow the order of the kept allocas.
	for _, a := range kept {
		t.Raw(rewind.Event{Type: rewind.EventStackRestoreAlloca, Link: a.offset})
	}
	f.allocas = kept
	f.lastRestore = off
	return off
}

// NewProcessTime records that the thread observed the current process
// time.
func (t *Thread) NewProcessTime() uint64 {
	return t.Raw(rewind.Event{Type: rewind.EventNewProcessTime, ProcessTime: t.b.processTime})
}

// shared appends a shared state event with the next process time.
func (t *Thread) shared(ev rewind.Event) uint64 {
	t.b.processTime++
	ev.ProcessTime = t.b.processTime
	return t.Raw(ev)
}

// Malloc allocates size bytes at addr.
func (t *Thread) Malloc(addr, size uint64) uint64 {
	off := t.shared(rewind.Event{Type: rewind.EventMalloc, Address: addr, Size: size})
	if _, err := t.b.mem.Add(memory.Area{Start: addr, Size: size}); err != nil {
		t.b.fail("thread %d: malloc at %d: %v", t.id, off, err)
	}
	return off
}

// Free frees the allocation at addr.
func (t *Thread) Free(addr uint64) uint64 {
	off := t.shared(rewind.Event{Type: rewind.EventFree, Address: addr})
	if _, err := t.b.mem.Remove(addr); err != nil {
		t.b.fail("thread %d: free at %d: %v", t.id, off, err)
	}
	return off
}

// Realloc resizes the allocation at addr in place.
func (t *Thread) Realloc(addr, size uint64) uint64 {
	off := t.shared(rewind.Event{Type: rewind.EventRealloc, Address: addr, Size: size})
	if err := t.b.mem.Resize(addr, size); err != nil {
		t.b.fail("thread %d: realloc at %d: %v", t.id, off, err)
	}
	return off
}

// Store writes data at addr. Writes of up to eight bytes are recorded
// inline.
func (t *Thread) Store(addr uint64, data []byte) uint64 {
	area := memory.Area{Start: addr, Size: uint64(len(data))}
	if len(data) <= 8 {
		var v [8]byte
		copy(v[:], data)
		return t.state(rewind.Event{
			Type:    rewind.EventStateUntypedSmall,
			Address: addr,
			Size:    area.Size,
			Value:   binary.LittleEndian.Uint64(v[:]),
		}, area, func(o memory.Origin) error {
			return t.b.mem.Write(addr, data, o)
		})
	}
	return t.state(rewind.Event{
		Type:       rewind.EventStateUntyped,
		Address:    addr,
		DataOffset: t.b.Data(data),
		DataSize:   area.Size,
	}, area, func(o memory.Origin) error {
		return t.b.mem.Write(addr, data, o)
	})
}

// StoreTyped writes data of type typ at addr.
func (t *Thread) StoreTyped(addr uint64, typ uint32, data []byte) uint64 {
	area := memory.Area{Start: addr, Size: uint64(len(data))}
	return t.state(rewind.Event{
		Type:       rewind.EventStateTyped,
		Address:    addr,
		Index:      typ,
		DataOffset: t.b.Data(data),
		DataSize:   area.Size,
	}, area, func(o memory.Origin) error {
		return t.b.mem.Write(addr, data, o)
	})
}

// Memmove copies size bytes from src to dst.
func (t *Thread) Memmove(dst, src, size uint64) uint64 {
	return t.state(rewind.Event{
		Type:    rewind.EventStateMemmove,
		Source:  src,
		Address: dst,
		Size:    size,
	}, memory.Area{Start: dst, Size: size}, func(o memory.Origin) error {
		return t.b.mem.Memmove(src, dst, size, o)
	})
}

// Clear clears size bytes at addr.
func (t *Thread) Clear(addr, size uint64) uint64 {
	area := memory.Area{Start: addr, Size: size}
	return t.state(rewind.Event{
		Type:    rewind.EventStateClear,
		Address: addr,
		Size:    size,
	}, area, func(memory.Origin) error {
		return t.b.mem.Clear(area)
	})
}

// state appends a memory state event for a write over area, followed
// by the overwrite-assist chain describing what it destroys.
func (t *Thread) state(ev rewind.Event, area memory.Area, write func(memory.Origin) error) uint64 {
	var chain []memory.Assist
	if area.Size != 0 {
		var err error
		if chain, err = t.b.mem.Overwritten(area); err != nil {
			t.b.fail("thread %d: %v at %d: %v", t.id, ev.Type, t.Offset(), err)
		}
	}
	ev.Count = uint32(len(chain))
	off := t.shared(ev)
	if area.Size != 0 {
		if err := write(memory.Origin{Thread: t.id, Offset: off}); err != nil {
			t.b.fail("thread %d: %v at %d: %v", t.id, ev.Type, off, err)
		}
	}
	for _, as := range chain {
		t.Raw(assistEvent(as))
	}
	return off
}

func assistEvent(as memory.Assist) rewind.Event {
	switch as.Kind {
	case memory.AssistOverwrite, memory.AssistFragment:
		typ := rewind.EventStateOverwrite
		if as.Kind == memory.AssistFragment {
			typ = rewind.EventStateOverwriteFragment
		}
		return rewind.Event{
			Type:    typ,
			Thread:  as.Origin.Thread,
			Link:    as.Origin.Offset,
			Address: as.Area.Start,
			Size:    as.Area.Size,
		}
	case memory.AssistTrimmed:
		return rewind.Event{
			Type:    rewind.EventStateOverwriteFragmentTrimmed,
			Address: as.Piece,
			Source:  as.Prior.Start,
			Size:    as.Prior.Size,
		}
	default:
		return rewind.Event{
			Type:    rewind.EventStateOverwriteFragmentSplit,
			Address: as.Prior.Start,
			Source:  as.Piece,
			Size:    as.Prior.Size,
		}
	}
}

// FileOpen opens a stream.
func (t *Thread) FileOpen(addr uint64, name, mode string) uint64 {
	data := []byte(name + "\x00" + mode)
	return t.shared(rewind.Event{
		Type:       rewind.EventFileOpen,
		Address:    addr,
		DataOffset: t.b.Data(data),
		DataSize:   uint64(len(data)),
	})
}

// FileWrite writes data to a stream.
func (t *Thread) FileWrite(addr uint64, data []byte) uint64 {
	return t.shared(rewind.Event{
		Type:       rewind.EventFileWrite,
		Address:    addr,
		DataOffset: t.b.Data(data),
		DataSize:   uint64(len(data)),
	})
}

// FileClose closes a stream.
func (t *Thread) FileClose(addr uint64) uint64 {
	return t.shared(rewind.Event{Type: rewind.EventFileClose, Address: addr})
}

// DirOpen opens a directory.
func (t *Thread) DirOpen(addr uint64, name string) uint64 {
	return t.shared(rewind.Event{
		Type:       rewind.EventDirOpen,
		Address:    addr,
		DataOffset: t.b.Data([]byte(name)),
		DataSize:   uint64(len(name)),
	})
}

// DirClose closes a directory.
func (t *Thread) DirClose(addr uint64) uint64 {
	return t.shared(rewind.Event{Type: rewind.EventDirClose, Address: addr})
}

// KnownRegionAdd makes an untracked area accessible.
func (t *Thread) KnownRegionAdd(addr, size uint64, flags uint8) uint64 {
	return t.shared(rewind.Event{Type: rewind.EventKnownRegionAdd, Address: addr, Size: size, Flags: flags})
}

// KnownRegionRemove makes the known region at addr inaccessible.
func (t *Thread) KnownRegionRemove(addr uint64) uint64 {
	return t.shared(rewind.Event{Type: rewind.EventKnownRegionRemove, Address: addr})
}

// ErrorArg is an argument of a runtime error.
type ErrorArg struct {
	Type  uint8
	Value uint64
}

// RuntimeError raises a runtime error of type typ in the innermost
// function.
func (t *Thread) RuntimeError(typ uint16, topLevel bool, args ...ErrorArg) uint64 {
	t.top()
	var flags uint8
	if topLevel {
		flags = rewind.RuntimeErrorTopLevel
	}
	off := t.Raw(rewind.Event{
		Type:  rewind.EventRuntimeError,
		Index: uint32(typ),
		Count: uint32(len(args)),
		Flags: flags,
	})
	for _, a := range args {
		t.Raw(rewind.Event{Type: rewind.EventRuntimeErrorArgument, Index: uint32(a.Type), Value: a.Value})
	}
	return off
}

// End ends the thread's trace.
func (t *Thread) End() uint64 {
	t.ended = true
	return t.Raw(rewind.Event{Type: rewind.EventTraceEnd})
}
