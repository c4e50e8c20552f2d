package state

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind/memory"
)

// Snapshot is a deep copy of every observable part of a ProcessState.
// Two snapshots of the same point in a trace compare equal with
// reflect.DeepEqual, however that point was reached.
type Snapshot struct {
	ProcessTime  uint64
	Memory       []AllocationSnapshot
	Mallocs      []MallocState
	KnownRegions []KnownRegion
	Streams      []StreamSnapshot
	Dirs         []DirState
	Threads      []ThreadSnapshot
}

// AllocationSnapshot is the content of one allocation.
type AllocationSnapshot struct {
	Area      memory.Area
	Bytes     []byte
	Init      []byte
	Fragments []memory.Fragment
}

// StreamSnapshot is the state of one open stream.
type StreamSnapshot struct {
	Address uint64
	Name    string
	Mode    string
	Written []byte
	Writes  []int
}

// ThreadSnapshot is the state of one thread.
type ThreadSnapshot struct {
	ID           uint32
	Offset       uint64
	AtEnd        bool
	ThreadTime   uint64
	ProcessTime  uint64
	Stack        []FunctionSnapshot
	CurrentError *RuntimeError
}

// FunctionSnapshot is the state of one function invocation.
type FunctionSnapshot struct {
	Index         uint32
	Start         uint64
	Active        uint32
	ActiveOffset  uint64
	HasActive     bool
	ActiveBlock   uint32
	BackwardJumps int
	Allocas       []AllocaState
	ByVals        []ByValState
	StackRestores int
	Values        map[uint32]RuntimeValue
	Errors        []RuntimeError
}

// Snapshot returns a deep copy of the state. It must not be called
// while a movement is in progress.
func (p *ProcessState) Snapshot() *Snapshot {
	s := &Snapshot{
		ProcessTime:  p.processTime,
		Mallocs:      orNil(p.Mallocs()),
		KnownRegions: orNil(p.KnownRegions()),
	}
	for _, a := range p.memory.Allocations() {
		s.Memory = append(s.Memory, AllocationSnapshot{
			Area:      a.Area(),
			Bytes:     orNil(a.Bytes(a.Area())),
			Init:      orNil(a.Initialization(a.Area())),
			Fragments: orNil(a.Fragments()),
		})
	}
	for _, st := range p.Streams() {
		s.Streams = append(s.Streams, StreamSnapshot{
			Address: st.Address,
			Name:    st.Name,
			Mode:    st.Mode,
			Written: orNil(st.Written()),
			Writes:  orNil(slices.Clone(st.writes)),
		})
	}
	for _, d := range p.Dirs() {
		s.Dirs = append(s.Dirs, *d)
	}
	for _, t := range p.threads {
		ts := ThreadSnapshot{
			ID:           t.id,
			Offset:       t.next.Offset(),
			AtEnd:        t.next.AtEnd(),
			ThreadTime:   t.threadTime,
			ProcessTime:  t.processTime,
			CurrentError: cloneError(t.CurrentError()),
		}
		for _, fs := range t.stack {
			ts.Stack = append(ts.Stack, fs.snapshot())
		}
		s.Threads = append(s.Threads, ts)
	}
	return s
}

func (fs *FunctionState) snapshot() FunctionSnapshot {
	s := FunctionSnapshot{
		Index:         fs.index,
		Start:         fs.start,
		Active:        fs.active,
		ActiveOffset:  fs.activeOffset,
		HasActive:     fs.hasActive,
		ActiveBlock:   fs.ActiveBlock(),
		BackwardJumps: fs.BackwardJumps(),
		Allocas:       orNil(fs.Allocas()),
		ByVals:        orNil(fs.ByVals()),
		StackRestores: len(fs.restored),
	}
	if len(fs.values) != 0 {
		s.Values = maps.Clone(fs.values)
		for i, v := range s.Values {
			v.Large = slices.Clone(v.Large)
			s.Values[i] = v
		}
	}
	for _, e := range fs.errors {
		s.Errors = append(s.Errors, *cloneError(&e))
	}
	return s
}

func cloneError(e *RuntimeError) *RuntimeError {
	if e == nil {
		return nil
	}
	c := *e
	c.Args = orNil(slices.Clone(e.Args))
	return &c
}

// orNil normalizes empty slices to nil, so that snapshots compare
// equal however their slices were built.
func orNil[S ~[]E, E any](s S) S {
	if len(s) == 0 {
		return nil
	}
	return s
}
