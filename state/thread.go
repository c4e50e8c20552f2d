package state

import (
	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// endedFrame is the memory of a function invocation that returned,
// kept so that the return can be undone.
type endedFrame struct {
	memory   []*memory.Allocation
	restored [][]*memory.Allocation
}

// ThreadState is the replay state of one thread: its position in its
// event stream, its call stack, and its view of time.
type ThreadState struct {
	process *ProcessState
	trace   *rewind.ThreadTrace
	id      uint32

	// next is the next event to apply.
	next rewind.Cursor

	threadTime  uint64
	processTime uint64

	stack []*FunctionState
	ended []endedFrame

	stats Stats
}

func newThreadState(p *ProcessState, tt *rewind.ThreadTrace) *ThreadState {
	return &ThreadState{
		process: p,
		trace:   tt,
		id:      tt.ID(),
		next:    tt.Begin(),
	}
}

// ID returns the thread's identifier. Identifiers are 1-based.
func (t *ThreadState) ID() uint32 {
	return t.id
}

// Process returns the process the thread belongs to.
func (t *ThreadState) Process() *ProcessState {
	return t.process
}

// Trace returns the thread's event stream.
func (t *ThreadState) Trace() *rewind.ThreadTrace {
	return t.trace
}

// ThreadTime returns the number of thread-time-bearing events applied.
func (t *ThreadState) ThreadTime() uint64 {
	return t.threadTime
}

// ProcessTime returns the process time as last observed by the thread.
func (t *ThreadState) ProcessTime() uint64 {
	return t.processTime
}

// Cursor returns the position of the next event to apply.
func (t *ThreadState) Cursor() rewind.Cursor {
	return t.next
}

// AtEnd reports whether every event of the thread has been applied.
func (t *ThreadState) AtEnd() bool {
	return t.next.AtEnd()
}

// AtBegin reports whether no event of the thread has been applied.
func (t *ThreadState) AtBegin() bool {
	return t.next.AtBegin()
}

// CallStack returns the active function invocations, outermost first.
func (t *ThreadState) CallStack() []*FunctionState {
	return slices.Clone(t.stack)
}

// TopFunction returns the innermost active function, or nil.
func (t *ThreadState) TopFunction() *FunctionState {
	if n := len(t.stack); n > 0 {
		return t.stack[n-1]
	}
	return nil
}

// CurrentError returns the runtime error raised by the innermost
// function's active instruction, or nil.
func (t *ThreadState) CurrentError() *RuntimeError {
	if fs := t.TopFunction(); fs != nil {
		return fs.currentError()
	}
	return nil
}

// Stats returns the thread's replay statistics.
func (t *ThreadState) Stats() Stats {
	return t.stats.clone()
}

// ApplyNext applies the next event of the thread, returning false if
// the thread is at its end.
//
// ApplyNext does not wait for other threads, so it may apply shared
// state events out of order, which is reported as corruption. It must
// not be called while a movement is in progress.
func (t *ThreadState) ApplyNext() (bool, error) {
	if t.next.AtEnd() {
		return false, nil
	}
	if t.next.Type().TouchesMemory() {
		t.process.mu.Lock()
		defer t.process.mu.Unlock()
	}
	return true, t.applyNext()
}

// UndoPrevious undoes the most recently applied event of the thread,
// returning false if the thread is at its beginning.
//
// The same restrictions as ApplyNext apply.
func (t *ThreadState) UndoPrevious() (bool, error) {
	if t.next.AtBegin() {
		return false, nil
	}
	c := t.next
	c.Prev()
	if c.Type().TouchesMemory() {
		t.process.mu.Lock()
		defer t.process.mu.Unlock()
	}
	return true, t.undoPrevious()
}

// applyNext applies the event under the cursor and advances it. The
// caller must hold the process lock if the event touches memory.
func (t *ThreadState) applyNext() error {
	off := t.next.Offset()
	ev := t.next.Event()
	if err := t.apply(ev, off); err != nil {
		return err
	}
	t.next.Next()
	t.stats.Applied++
	t.stats.count(ev.Type)
	return nil
}

// undoPrevious undoes the event before the cursor and retreats it. The
// caller must hold the process lock if the event touches memory.
func (t *ThreadState) undoPrevious() error {
	c := t.next
	c.Prev()
	if err := t.unapply(c.Event(), c.Offset()); err != nil {
		return err
	}
	t.next = c
	t.stats.Undone++
	return nil
}

func (t *ThreadState) corrupt(ev rewind.Event, off uint64, format string, args ...interface{}) error {
	return rewind.Corruptf(t.id, off, ev.Type, format, args...)
}

// top returns the innermost function, or a corruption error for an
// event that needs one.
func (t *ThreadState) top(ev rewind.Event, off uint64) (*FunctionState, error) {
	fs := t.TopFunction()
	if fs == nil {
		return nil, t.corrupt(ev, off, "no active function")
	}
	return fs, nil
}

// following returns the count subservient events after the event at
// off.
func (t *ThreadState) following(ev rewind.Event, off uint64, count uint32) ([]rewind.Event, error) {
	if count == 0 {
		return nil, nil
	}
	c, ok := t.trace.CursorAt(off)
	if !ok {
		return nil, t.corrupt(ev, off, "no event starts at %d", off)
	}
	evs := make([]rewind.Event, 0, min(count, 16))
	for range count {
		c.Next()
		if c.AtEnd() || !c.Type().IsSubservient() {
			return nil, t.corrupt(ev, off, "expected %d subservient events, found %d", count, len(evs))
		}
		evs = append(evs, c.Event())
	}
	return evs, nil
}

// previousProcessTime returns the process time carried by the last
// event before off, or zero.
func (t *ThreadState) previousProcessTime(off uint64) uint64 {
	c, ok := t.trace.CursorAt(off)
	if !ok {
		c = t.trace.End()
	}
	for c.Prev() {
		if c.Type().HasProcessTime() {
			return c.Event().ProcessTime
		}
	}
	return 0
}
