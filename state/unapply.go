package state

import (
	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// unapply undoes ev, found at logical offset off. Every event after it
// has already been undone.
func (t *ThreadState) unapply(ev rewind.Event, off uint64) error {
	switch ev.Type {
	case rewind.EventTraceEnd:
		return nil
	case rewind.EventFunctionStart:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		if fs.start != off || len(fs.allocas) != 0 || len(fs.byvals) != 0 {
			return t.corrupt(ev, off, "function started at %d still holds state", fs.start)
		}
		t.stack = t.stack[:len(t.stack)-1]
		t.threadTime = ev.ThreadTime - 1
		return nil
	case rewind.EventFunctionEnd:
		return t.unendFunction(ev, off)
	case rewind.EventNewProcessTime:
		t.processTime = t.previousProcessTime(off)
		return nil
	case rewind.EventBasicBlockStart:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		if !fs.leaveBlock(ev.Index, off) {
			return t.corrupt(ev, off, "block %d is not the active visit", ev.Index)
		}
		return nil
	case rewind.EventInstruction, rewind.EventInstructionWithValue, rewind.EventInstructionWithLargeValue:
		return t.unapplyInstruction(ev, off)
	case rewind.EventAlloca:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		n := len(fs.allocas)
		if n == 0 || fs.allocas[n-1].Offset != off {
			return t.corrupt(ev, off, "alloca is not the most recent")
		}
		if err := t.release(fs.allocas[n-1].Address); err != nil {
			return t.corrupt(ev, off, "%v", err)
		}
		fs.allocas = fs.allocas[:n-1]
		return nil
	case rewind.EventByValRegion:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		n := len(fs.byvals)
		if n == 0 || fs.byvals[n-1].Offset != off {
			return t.corrupt(ev, off, "byval region is not the most recent")
		}
		if err := t.release(fs.byvals[n-1].Area.Start); err != nil {
			return t.corrupt(ev, off, "%v", err)
		}
		fs.byvals = fs.byvals[:n-1]
		return nil
	case rewind.EventStackRestore:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		return t.unrestoreStack(fs, ev, off)
	case rewind.EventRuntimeError:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		n := len(fs.errors)
		if n == 0 || fs.errors[n-1].Offset != off {
			return t.corrupt(ev, off, "runtime error is not the most recent")
		}
		fs.errors = fs.errors[:n-1]
		return nil
	case rewind.EventStackRestoreAlloca,
		rewind.EventStateOverwrite,
		rewind.EventStateOverwriteFragment,
		rewind.EventStateOverwriteFragmentTrimmed,
		rewind.EventStateOverwriteFragmentSplit,
		rewind.EventRuntimeErrorArgument:
		return nil
	}
	if ev.Type.ModifiesSharedState() {
		return t.unapplyShared(ev, off)
	}
	return t.corrupt(ev, off, "unexpected event")
}

// release removes a stack allocation whose every write was undone.
func (t *ThreadState) release(addr uint64) error {
	mem := t.process.memory
	if a := mem.Lookup(addr); a != nil && a.Pending() != 0 {
		return memory.ErrUndoMismatch
	}
	_, err := mem.Remove(addr)
	return err
}

func (t *ThreadState) unapplyInstruction(ev rewind.Event, off uint64) error {
	fs, err := t.top(ev, off)
	if err != nil {
		return err
	}
	if ev.Type != rewind.EventInstruction {
		cur, ok := fs.values[ev.Index]
		if !ok || cur.Offset != off {
			return t.corrupt(ev, off, "value of %d was not assigned here", ev.Index)
		}
		if ev.Link != rewind.NoOffset && ev.Link > fs.visitStart(cur.Block) {
			prior, err := t.trace.EventAt(ev.Link)
			if err != nil {
				return err
			}
			var v RuntimeValue
			switch prior.Type {
			case rewind.EventInstructionWithValue:
				v = RuntimeValue{Offset: ev.Link, Raw: prior.Value}
			case rewind.EventInstructionWithLargeValue:
				if v, err = t.largeValue(prior, ev.Link); err != nil {
					return err
				}
			default:
				return t.corrupt(ev, off, "previous assignment at %d is %v", ev.Link, prior.Type)
			}
			v.Block = cur.Block
			fs.values[ev.Index] = v
		} else {
			fs.unsetValue(ev.Index)
		}
	}
	if err := t.restoreActive(fs, off); err != nil {
		return err
	}
	t.threadTime = ev.ThreadTime - 1
	return nil
}

// restoreActive makes the last instruction of fs before off active
// again, skipping over nested calls.
func (t *ThreadState) restoreActive(fs *FunctionState, off uint64) error {
	c, ok := t.trace.CursorAt(off)
	if !ok {
		return rewind.Corruptf(t.id, off, rewind.EventNone, "no event starts here")
	}
	for c.Prev() && c.Offset() > fs.start {
		switch typ := c.Type(); {
		case typ == rewind.EventFunctionEnd:
			ev, at := c.Event(), c.Offset()
			if c, ok = t.trace.CursorAt(ev.Link); !ok || ev.Link < fs.start {
				return t.corrupt(ev, at, "call started at %d is outside its caller", ev.Link)
			}
		case typ.IsInstruction():
			fs.setActive(c.Event().Index, c.Offset())
			return nil
		}
	}
	fs.clearActive()
	return nil
}

// unrestoreStack rebuilds the allocas that were live before the
// StackRestore at off and returns their memory to the process.
func (t *ThreadState) unrestoreStack(fs *FunctionState, ev rewind.Event, off uint64) error {
	n := len(fs.restored)
	if n == 0 {
		return t.corrupt(ev, off, "no stack restore to undo")
	}
	var allocas []AllocaState
	from := fs.start
	if ev.Link != rewind.NoOffset {
		prev, err := t.trace.EventAt(ev.Link)
		if err != nil {
			return err
		}
		if prev.Type != rewind.EventStackRestore || ev.Link < fs.start || ev.Link >= off {
			return t.corrupt(ev, off, "previous stack restore at %d is %v", ev.Link, prev.Type)
		}
		keeps, err := t.following(prev, ev.Link, prev.Count)
		if err != nil {
			return err
		}
		for _, k := range keeps {
			a, err := t.trace.EventAt(k.Link)
			if err != nil {
				return err
			}
			if a.Type != rewind.EventAlloca {
				return t.corrupt(ev, off, "kept alloca at %d is %v", k.Link, a.Type)
			}
			allocas = append(allocas, allocaFromEvent(a, k.Link))
		}
		from = ev.Link
	}
	c, ok := t.trace.CursorAt(from)
	if !ok {
		return t.corrupt(ev, off, "no event starts at %d", from)
	}
	for c.Next(); !c.AtEnd() && c.Offset() < off; c.Next() {
		switch c.Type() {
		case rewind.EventFunctionStart:
			nested, at := c.Event(), c.Offset()
			if nested.Link == rewind.NoOffset || nested.Link >= off {
				return t.corrupt(nested, at, "call does not return before %d", off)
			}
			if c, ok = t.trace.CursorAt(nested.Link); !ok {
				return t.corrupt(nested, at, "no event starts at %d", nested.Link)
			}
		case rewind.EventAlloca:
			allocas = append(allocas, allocaFromEvent(c.Event(), c.Offset()))
		}
	}
	dropped := fs.restored[n-1]
	if len(allocas) != len(fs.allocas)+len(dropped) {
		return t.corrupt(ev, off, "rebuilt %d allocas, had %d kept and %d dropped", len(allocas), len(fs.allocas), len(dropped))
	}
	for _, m := range dropped {
		if err := t.process.memory.Insert(m); err != nil {
			return t.corrupt(ev, off, "%v", err)
		}
	}
	fs.allocas = allocas
	fs.restored = fs.restored[:n-1]
	return nil
}

// unendFunction brings a returned function back onto the stack. Its
// bookkeeping is rebuilt by replaying its own events without memory
// effects, and its memory is taken back from the ended frame.
func (t *ThreadState) unendFunction(ev rewind.Event, off uint64) error {
	n := len(t.ended)
	if n == 0 {
		return t.corrupt(ev, off, "no returned function to restore")
	}
	start, err := t.trace.EventAt(ev.Link)
	if err != nil {
		return err
	}
	if start.Type != rewind.EventFunctionStart || start.Index != ev.Index || start.Link != off {
		return t.corrupt(ev, off, "no matching FunctionStart at %d", ev.Link)
	}
	fs := newFunctionState(t, ev.Index, ev.Link)
	c, ok := t.trace.CursorAt(ev.Link)
	if !ok {
		return t.corrupt(ev, off, "no event starts at %d", ev.Link)
	}
	for c.Next(); !c.AtEnd() && c.Offset() < off; c.Next() {
		typ := c.Type()
		switch {
		case typ == rewind.EventFunctionStart:
			nested, at := c.Event(), c.Offset()
			if nested.Link == rewind.NoOffset || nested.Link >= off {
				return t.corrupt(nested, at, "call does not return before %d", off)
			}
			if c, ok = t.trace.CursorAt(nested.Link); !ok {
				return t.corrupt(nested, at, "no event starts at %d", nested.Link)
			}
		case typ.IsFunctionLevel():
			if err := t.applyFunctionLevel(fs, c.Event(), c.Offset(), false); err != nil {
				return err
			}
		}
	}
	frame := t.ended[n-1]
	if len(frame.memory) != len(fs.allocas)+len(fs.byvals) || len(frame.restored) != len(fs.restored) {
		return t.corrupt(ev, off, "rebuilt frame does not match the returned one")
	}
	for _, m := range frame.memory {
		if err := t.process.memory.Insert(m); err != nil {
			return t.corrupt(ev, off, "%v", err)
		}
	}
	fs.restored = frame.restored
	t.ended = t.ended[:n-1]
	t.stack = append(t.stack, fs)
	t.threadTime = ev.ThreadTime - 1
	return nil
}

// unapplyShared undoes an event that modified process-wide state. The
// caller holds the process lock.
func (t *ThreadState) unapplyShared(ev rewind.Event, off uint64) error {
	p := t.process
	if ev.ProcessTime != p.processTime {
		return t.corrupt(ev, off, "undoing process time %d at process time %d", ev.ProcessTime, p.processTime)
	}
	var chain []memory.Assist
	if ev.Type.IsMemoryState() {
		assists, err := t.following(ev, off, ev.Count)
		if err != nil {
			return err
		}
		for _, a := range assists {
			as, ok := assistFromEvent(a)
			if !ok {
				return t.corrupt(ev, off, "missing overwrite-assist chain, found %v", a.Type)
			}
			chain = append(chain, as)
		}
	}
	if err := p.unapplyShared(ev, chain); err != nil {
		return t.corrupt(ev, off, "%v", err)
	}
	p.processTime = ev.ProcessTime - 1
	t.processTime = t.previousProcessTime(off)
	return nil
}

func assistFromEvent(ev rewind.Event) (memory.Assist, bool) {
	switch ev.Type {
	case rewind.EventStateOverwrite:
		return memory.Assist{
			Kind:   memory.AssistOverwrite,
			Origin: memory.Origin{Thread: ev.Thread, Offset: ev.Link},
			Area:   memory.Area{Start: ev.Address, Size: ev.Size},
		}, true
	case rewind.EventStateOverwriteFragment:
		return memory.Assist{
			Kind:   memory.AssistFragment,
			Origin: memory.Origin{Thread: ev.Thread, Offset: ev.Link},
			Area:   memory.Area{Start: ev.Address, Size: ev.Size},
		}, true
	case rewind.EventStateOverwriteFragmentTrimmed:
		return memory.Assist{
			Kind:  memory.AssistTrimmed,
			Piece: ev.Address,
			Prior: memory.Area{Start: ev.Source, Size: ev.Size},
		}, true
	case rewind.EventStateOverwriteFragmentSplit:
		return memory.Assist{
			Kind:  memory.AssistSplit,
			Piece: ev.Source,
			Prior: memory.Area{Start: ev.Address, Size: ev.Size},
		}, true
	}
	return memory.Assist{}, false
}
