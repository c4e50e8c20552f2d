package state

import (
	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind/memory"
)

// NoBlock is the basic block reported before a function enters its
// first basic block.
const NoBlock = ^uint32(0)

// AllocaState is a live stack allocation.
type AllocaState struct {
	Instruction  uint32
	Address      uint64
	ElementSize  uint64
	ElementCount uint64

	// Offset is the logical offset of the Alloca event.
	Offset uint64
}

// Area returns the memory covered by the allocation.
func (a AllocaState) Area() memory.Area {
	return memory.Area{Start: a.Address, Size: a.ElementSize * a.ElementCount}
}

// ByValState is the memory holding a by-value argument.
type ByValState struct {
	Argument uint32
	Area     memory.Area
	Offset   uint64
}

// RuntimeValue is the value of a virtual register.
type RuntimeValue struct {
	// Offset is the logical offset of the event that assigned the
	// value.
	Offset uint64

	// Block is the basic block that was active when the value was
	// assigned.
	Block uint32

	// Raw holds scalar values. Large is nil for scalar values.
	Raw   uint64
	Large []byte
}

// RuntimeErrorArg is an argument of a RuntimeError.
type RuntimeErrorArg struct {
	Type  uint8
	Value uint64
}

// RuntimeError is a runtime error detected in a function.
type RuntimeError struct {
	Type     uint32
	TopLevel bool
	Args     []RuntimeErrorArg

	// Instruction is the instruction that was active when the error
	// was raised. Only valid if HasInstruction.
	Instruction    uint32
	HasInstruction bool

	// Offset is the logical offset of the RuntimeError event.
	Offset uint64
}

type registerEntry struct {
	index uint32
	value RuntimeValue
}

// blockVisit is one dynamic entry into a basic block, along with the
// values it invalidated because they were left by an earlier visit.
type blockVisit struct {
	block       uint32
	offset      uint64
	invalidated []registerEntry
}

// FunctionState is the state of one function invocation.
type FunctionState struct {
	thread *ThreadState
	index  uint32
	start  uint64

	active       uint32
	activeOffset uint64
	hasActive    bool

	allocas []AllocaState
	byvals  []ByValState

	// restored holds, per StackRestore, the memory of the allocas it
	// dropped.
	restored [][]*memory.Allocation

	values      map[uint32]RuntimeValue
	blockValues map[uint32][]uint32
	visits      []blockVisit
	lastVisit   map[uint32][]uint64

	errors []RuntimeError
}

func newFunctionState(t *ThreadState, index uint32, start uint64) *FunctionState {
	return &FunctionState{
		thread:      t,
		index:       index,
		start:       start,
		values:      make(map[uint32]RuntimeValue),
		blockValues: make(map[uint32][]uint32),
		lastVisit:   make(map[uint32][]uint64),
	}
}

// Thread returns the thread executing the function.
func (fs *FunctionState) Thread() *ThreadState {
	return fs.thread
}

// Index returns the index of the function.
func (fs *FunctionState) Index() uint32 {
	return fs.index
}

// StartOffset returns the logical offset of the function's
// FunctionStart event.
func (fs *FunctionState) StartOffset() uint64 {
	return fs.start
}

// ActiveInstruction returns the index of the most recently executed
// instruction, if any.
func (fs *FunctionState) ActiveInstruction() (uint32, bool) {
	return fs.active, fs.hasActive
}

// ActiveBlock returns the basic block the function is in, or NoBlock.
func (fs *FunctionState) ActiveBlock() uint32 {
	if n := len(fs.visits); n > 0 {
		return fs.visits[n-1].block
	}
	return NoBlock
}

// BackwardJumps returns the number of basic block entries that
// revisited a block and invalidated its values.
func (fs *FunctionState) BackwardJumps() int {
	n := 0
	for _, v := range fs.visits {
		if len(v.invalidated) != 0 {
			n++
		}
	}
	return n
}

// Allocas returns the live stack allocations, oldest first.
func (fs *FunctionState) Allocas() []AllocaState {
	return slices.Clone(fs.allocas)
}

// ByVals returns the memory areas of by-value arguments.
func (fs *FunctionState) ByVals() []ByValState {
	return slices.Clone(fs.byvals)
}

// Value returns the current value of the register for instruction
// index.
func (fs *FunctionState) Value(index uint32) (RuntimeValue, bool) {
	v, ok := fs.values[index]
	return v, ok
}

// Values returns the instruction indices that currently have a value,
// in increasing order.
func (fs *FunctionState) Values() []uint32 {
	idx := make([]uint32, 0, len(fs.values))
	for i := range fs.values {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}

// Errors returns the runtime errors raised in this invocation.
func (fs *FunctionState) Errors() []RuntimeError {
	return slices.Clone(fs.errors)
}

// currentError returns the error raised by the active instruction,
// if any.
func (fs *FunctionState) currentError() *RuntimeError {
	n := len(fs.errors)
	if n == 0 {
		return nil
	}
	e := fs.errors[n-1]
	if fs.hasActive && e.Offset < fs.activeOffset {
		return nil
	}
	return &e
}

func (fs *FunctionState) setActive(index uint32, off uint64) {
	fs.active, fs.activeOffset, fs.hasActive = index, off, true
}

func (fs *FunctionState) clearActive() {
	fs.active, fs.activeOffset, fs.hasActive = 0, 0, false
}

func (fs *FunctionState) enterBlock(block uint32, off uint64) {
	v := blockVisit{block: block, offset: off}
	for _, r := range fs.blockValues[block] {
		v.invalidated = append(v.invalidated, registerEntry{r, fs.values[r]})
		delete(fs.values, r)
	}
	delete(fs.blockValues, block)
	fs.visits = append(fs.visits, v)
	fs.lastVisit[block] = append(fs.lastVisit[block], off)
}

func (fs *FunctionState) leaveBlock(block uint32, off uint64) bool {
	n := len(fs.visits)
	if n == 0 || fs.visits[n-1].block != block || fs.visits[n-1].offset != off {
		return false
	}
	if len(fs.blockValues[block]) != 0 {
		return false
	}
	v := fs.visits[n-1]
	fs.visits = fs.visits[:n-1]
	lv := fs.lastVisit[block]
	if len(lv) == 1 {
		delete(fs.lastVisit, block)
	} else {
		fs.lastVisit[block] = lv[:len(lv)-1]
	}
	delete(fs.blockValues, block)
	for _, e := range v.invalidated {
		fs.values[e.index] = e.value
		fs.blockValues[block] = append(fs.blockValues[block], e.index)
	}
	return true
}

func (fs *FunctionState) setValue(index uint32, v RuntimeValue) {
	v.Block = fs.ActiveBlock()
	if old, ok := fs.values[index]; !ok {
		fs.blockValues[v.Block] = append(fs.blockValues[v.Block], index)
	} else if old.Block != v.Block {
		fs.forget(old.Block, index)
		fs.blockValues[v.Block] = append(fs.blockValues[v.Block], index)
	}
	fs.values[index] = v
}

// visitStart returns the offset at which the current visit of block
// began.
func (fs *FunctionState) visitStart(block uint32) uint64 {
	if lv := fs.lastVisit[block]; len(lv) != 0 {
		return lv[len(lv)-1]
	}
	return fs.start
}

func (fs *FunctionState) forget(block, index uint32) {
	regs := fs.blockValues[block]
	if i := slices.Index(regs, index); i >= 0 {
		regs = slices.Delete(regs, i, i+1)
	}
	if len(regs) == 0 {
		delete(fs.blockValues, block)
	} else {
		fs.blockValues[block] = regs
	}
}

func (fs *FunctionState) unsetValue(index uint32) {
	if v, ok := fs.values[index]; ok {
		delete(fs.values, index)
		fs.forget(v.Block, index)
	}
}
