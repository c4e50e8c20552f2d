package state

import (
	"math"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// apply applies ev, found at logical offset off, in the forward
// direction.
func (t *ThreadState) apply(ev rewind.Event, off uint64) error {
	switch ev.Type {
	case rewind.EventTraceEnd:
		return nil
	case rewind.EventFunctionStart:
		t.stack = append(t.stack, newFunctionState(t, ev.Index, off))
		t.threadTime = ev.ThreadTime
		return nil
	case rewind.EventFunctionEnd:
		return t.endFunction(ev, off)
	case rewind.EventNewProcessTime:
		t.processTime = ev.ProcessTime
		return nil
	case rewind.EventBasicBlockStart,
		rewind.EventInstruction,
		rewind.EventInstructionWithValue,
		rewind.EventInstructionWithLargeValue,
		rewind.EventAlloca,
		rewind.EventByValRegion,
		rewind.EventStackRestore,
		rewind.EventRuntimeError:
		fs, err := t.top(ev, off)
		if err != nil {
			return err
		}
		if err := t.applyFunctionLevel(fs, ev, off, true); err != nil {
			return err
		}
		if ev.Type.HasThreadTime() {
			t.threadTime = ev.ThreadTime
		}
		return nil
	case rewind.EventStackRestoreAlloca,
		rewind.EventStateOverwrite,
		rewind.EventStateOverwriteFragment,
		rewind.EventStateOverwriteFragmentTrimmed,
		rewind.EventStateOverwriteFragmentSplit,
		rewind.EventRuntimeErrorArgument:
		// Read by the event they belong to.
		return nil
	}
	if ev.Type.ModifiesSharedState() {
		return t.applyShared(ev, off)
	}
	return t.corrupt(ev, off, "unexpected event")
}

// applyFunctionLevel applies an event that only affects fs. Without
// withMemory, the event's bookkeeping is rebuilt but memory is left
// alone, which is how a returned function is rematerialized.
func (t *ThreadState) applyFunctionLevel(fs *FunctionState, ev rewind.Event, off uint64, withMemory bool) error {
	mem := t.process.memory
	switch ev.Type {
	case rewind.EventBasicBlockStart:
		fs.enterBlock(ev.Index, off)
	case rewind.EventInstruction:
		fs.setActive(ev.Index, off)
	case rewind.EventInstructionWithValue:
		fs.setValue(ev.Index, RuntimeValue{Offset: off, Raw: ev.Value})
		fs.setActive(ev.Index, off)
	case rewind.EventInstructionWithLargeValue:
		v, err := t.largeValue(ev, off)
		if err != nil {
			return err
		}
		fs.setValue(ev.Index, v)
		fs.setActive(ev.Index, off)
	case rewind.EventAlloca:
		if ev.Value != 0 && ev.Size > math.MaxUint64/ev.Value {
			return t.corrupt(ev, off, "alloca of %d elements of %d bytes overflows", ev.Value, ev.Size)
		}
		a := allocaFromEvent(ev, off)
		if withMemory {
			if _, err := mem.Add(a.Area()); err != nil {
				return t.corrupt(ev, off, "alloca: %v", err)
			}
		}
		fs.allocas = append(fs.allocas, a)
	case rewind.EventByValRegion:
		b := ByValState{Argument: ev.Index, Area: memory.Area{Start: ev.Address, Size: ev.Size}, Offset: off}
		if withMemory {
			if _, err := mem.Add(b.Area); err != nil {
				return t.corrupt(ev, off, "byval region: %v", err)
			}
		}
		fs.byvals = append(fs.byvals, b)
	case rewind.EventStackRestore:
		return t.restoreStack(fs, ev, off, withMemory)
	case rewind.EventRuntimeError:
		args, err := t.following(ev, off, ev.Count)
		if err != nil {
			return err
		}
		re := RuntimeError{
			Type:     ev.Index,
			TopLevel: ev.Flags&rewind.RuntimeErrorTopLevel != 0,
			Offset:   off,
		}
		re.Instruction, re.HasInstruction = fs.ActiveInstruction()
		for _, a := range args {
			if a.Type != rewind.EventRuntimeErrorArgument {
				return t.corrupt(ev, off, "runtime error followed by %v", a.Type)
			}
			re.Args = append(re.Args, RuntimeErrorArg{Type: uint8(a.Index), Value: a.Value})
		}
		fs.errors = append(fs.errors, re)
	default:
		return t.corrupt(ev, off, "not a function-level event")
	}
	return nil
}

func allocaFromEvent(ev rewind.Event, off uint64) AllocaState {
	return AllocaState{
		Instruction:  ev.Index,
		Address:      ev.Address,
		ElementSize:  ev.Size,
		ElementCount: ev.Value,
		Offset:       off,
	}
}

func (t *ThreadState) largeValue(ev rewind.Event, off uint64) (RuntimeValue, error) {
	data, err := t.process.trace.Data(ev.DataOffset, ev.DataSize)
	if err != nil {
		return RuntimeValue{}, t.corrupt(ev, off, "large value: %v", err)
	}
	return RuntimeValue{Offset: off, Large: data}, nil
}

// restoreStack drops every alloca that the StackRestore at off does not
// list as kept.
func (t *ThreadState) restoreStack(fs *FunctionState, ev rewind.Event, off uint64, withMemory bool) error {
	keeps, err := t.following(ev, off, ev.Count)
	if err != nil {
		return err
	}
	used := make([]bool, len(fs.allocas))
	var kept []AllocaState
	for _, k := range keeps {
		if k.Type != rewind.EventStackRestoreAlloca {
			return t.corrupt(ev, off, "stack restore followed by %v", k.Type)
		}
		i := -1
		for j, a := range fs.allocas {
			if !used[j] && a.Offset == k.Link {
				i = j
				break
			}
		}
		if i < 0 {
			return t.corrupt(ev, off, "kept alloca at %d is not live", k.Link)
		}
		used[i] = true
		kept = append(kept, fs.allocas[i])
	}
	var dropped []*memory.Allocation
	if withMemory {
		for i, a := range fs.allocas {
			if used[i] {
				continue
			}
			m, err := t.process.memory.Remove(a.Address)
			if err != nil {
				return t.corrupt(ev, off, "stack restore: %v", err)
			}
			dropped = append(dropped, m)
		}
	}
	fs.allocas = kept
	fs.restored = append(fs.restored, dropped)
	return nil
}

// endFunction pops the innermost function, taking its stack memory out
// of the process.
func (t *ThreadState) endFunction(ev rewind.Event, off uint64) error {
	fs, err := t.top(ev, off)
	if err != nil {
		return err
	}
	if fs.index != ev.Index || fs.start != ev.Link {
		return t.corrupt(ev, off, "ending function %d started at %d, active is %d started at %d",
			ev.Index, ev.Link, fs.index, fs.start)
	}
	frame := endedFrame{restored: fs.restored}
	for _, a := range fs.allocas {
		m, err := t.process.memory.Remove(a.Address)
		if err != nil {
			return t.corrupt(ev, off, "releasing alloca: %v", err)
		}
		frame.memory = append(frame.memory, m)
	}
	for _, b := range fs.byvals {
		m, err := t.process.memory.Remove(b.Area.Start)
		if err != nil {
			return t.corrupt(ev, off, "releasing byval region: %v", err)
		}
		frame.memory = append(frame.memory, m)
	}
	t.ended = append(t.ended, frame)
	t.stack = t.stack[:len(t.stack)-1]
	t.threadTime = ev.ThreadTime
	return nil
}

// applyShared applies an event that modifies process-wide state. The
// caller holds the process lock.
func (t *ThreadState) applyShared(ev rewind.Event, off uint64) error {
	p := t.process
	if ev.ProcessTime != p.processTime+1 {
		return t.corrupt(ev, off, "applying process time %d at process time %d", ev.ProcessTime, p.processTime)
	}
	if err := p.applyShared(t, ev, off); err != nil {
		return t.corrupt(ev, off, "%v", err)
	}
	p.processTime = ev.ProcessTime
	t.processTime = ev.ProcessTime
	return nil
}
