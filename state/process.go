package state

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// MallocState is a live dynamic allocation.
type MallocState struct {
	Address uint64
	Size    uint64

	// Thread and Offset locate the event that allocated it.
	Thread uint32
	Offset uint64
}

// KnownRegion is memory that is accessible but not tracked, such as
// memory mapped by the runtime.
type KnownRegion struct {
	memory.Area
	Readable bool
	Writable bool
}

type resizeRecord struct {
	address uint64
	oldSize uint64
}

// Option configures a ProcessState.
type Option func(p *ProcessState)

// WithLogger sets the logger used to report movements. Defaults to the
// trace's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *ProcessState) {
		p.logger = l
	}
}

// ProcessState is the reconstructed state of a traced process at one
// point in its execution.
//
// Methods that move the process must not be called concurrently with
// each other or with accessors.
type ProcessState struct {
	trace  *rewind.Trace
	logger *slog.Logger

	// mu protects memory and every field below it while threads are
	// moving. cond is signalled whenever processTime changes or a
	// movement worker stops.
	mu     sync.Mutex
	cond   *sync.Cond
	moving sync.Mutex

	processTime uint64
	memory      *memory.State
	globals     []memory.Area

	mallocs map[uint64]MallocState
	freed   []MallocState
	resized []resizeRecord

	regions        []KnownRegion
	removedRegions []KnownRegion

	streams       map[uint64]*StreamState
	closedStreams []*StreamState
	dirs          map[uint64]*DirState
	closedDirs    []*DirState

	threads []*ThreadState
}

// New creates the state of the process recorded in trace, positioned
// before any event.
func New(trace *rewind.Trace, opts ...Option) (*ProcessState, error) {
	p := &ProcessState{
		trace:   trace,
		logger:  trace.Logger(),
		memory:  new(memory.State),
		mallocs: make(map[uint64]MallocState),
		streams: make(map[uint64]*StreamState),
		dirs:    make(map[uint64]*DirState),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	md := trace.Metadata()
	for i, g := range md.Globals {
		area := memory.Area{Start: g.Address, Size: g.Size}
		if _, err := p.memory.Add(area); err != nil {
			return nil, fmt.Errorf("%w: global %d: %v", rewind.ErrMalformedTrace, i, err)
		}
		p.globals = append(p.globals, area)
		if g.Size == 0 {
			continue
		}
		data, err := trace.Data(g.DataOffset, g.Size)
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		if err := p.memory.Initialize(g.Address, data, memory.Origin{Offset: uint64(i)}); err != nil {
			return nil, fmt.Errorf("%w: global %d: %v", rewind.ErrMalformedTrace, i, err)
		}
	}
	for _, s := range md.Streams {
		p.streams[s.Address] = &StreamState{Address: s.Address, Name: s.Name, Mode: s.Mode}
	}
	for _, tt := range trace.Threads() {
		p.threads = append(p.threads, newThreadState(p, tt))
	}
	return p, nil
}

// Trace returns the trace being replayed.
func (p *ProcessState) Trace() *rewind.Trace {
	return p.trace
}

// ProcessTime returns the number of shared state events applied.
func (p *ProcessState) ProcessTime() uint64 {
	return p.processTime
}

// FinalProcessTime returns the process time at the end of the trace.
func (p *ProcessState) FinalProcessTime() uint64 {
	return p.trace.FinalProcessTime()
}

// Progress returns the fraction of the trace's process time reached so
// far. Unlike ProcessTime, it may be called while a movement is in
// progress.
func (p *ProcessState) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	final := p.FinalProcessTime()
	if final == 0 {
		return 1
	}
	return float64(p.processTime) / float64(final)
}

// Threads returns the threads of the process, ordered by ID.
func (p *ProcessState) Threads() []*ThreadState {
	return slices.Clone(p.threads)
}

// Thread returns the thread with the given ID, or nil.
func (p *ProcessState) Thread(id uint32) *ThreadState {
	if id == 0 || int(id) > len(p.threads) {
		return nil
	}
	return p.threads[id-1]
}

// Memory returns the tracked memory of the process.
func (p *ProcessState) Memory() *memory.State {
	return p.memory
}

// Globals returns the areas of the process's global variables.
func (p *ProcessState) Globals() []memory.Area {
	return slices.Clone(p.globals)
}

// FunctionAddress returns the address of the function with the given
// index.
func (p *ProcessState) FunctionAddress(index uint32) (uint64, bool) {
	fns := p.trace.Metadata().Functions
	if int(index) >= len(fns) {
		return 0, false
	}
	return fns[index], true
}

// Mallocs returns the live dynamic allocations in address order.
func (p *ProcessState) Mallocs() []MallocState {
	ms := make([]MallocState, 0, len(p.mallocs))
	for _, m := range p.mallocs {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(a, b MallocState) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return ms
}

// Malloc returns the live dynamic allocation starting at addr.
func (p *ProcessState) Malloc(addr uint64) (MallocState, bool) {
	m, ok := p.mallocs[addr]
	return m, ok
}

// KnownRegions returns the known regions in address order.
func (p *ProcessState) KnownRegions() []KnownRegion {
	return slices.Clone(p.regions)
}

// Streams returns the open streams in address order.
func (p *ProcessState) Streams() []*StreamState {
	ss := make([]*StreamState, 0, len(p.streams))
	for _, s := range p.streams {
		ss = append(ss, s)
	}
	slices.SortFunc(ss, func(a, b *StreamState) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return ss
}

// Stream returns the open stream at addr, or nil.
func (p *ProcessState) Stream(addr uint64) *StreamState {
	return p.streams[addr]
}

// Dirs returns the open directories in address order.
func (p *ProcessState) Dirs() []*DirState {
	ds := make([]*DirState, 0, len(p.dirs))
	for _, d := range p.dirs {
		ds = append(ds, d)
	}
	slices.SortFunc(ds, func(a, b *DirState) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return ds
}

// Stats returns the replay statistics summed over all threads.
func (p *ProcessState) Stats() Stats {
	var s Stats
	for _, t := range p.threads {
		s.Add(&t.stats)
	}
	return s
}

// AreaKind identifies what kind of memory an Area is.
type AreaKind uint8

const (
	AreaGlobal AreaKind = iota
	AreaDynamic
	AreaKnown
	AreaStack
	AreaByVal
)

func (k AreaKind) String() string {
	switch k {
	case AreaGlobal:
		return "global"
	case AreaDynamic:
		return "dynamic"
	case AreaKnown:
		return "known"
	case AreaStack:
		return "stack"
	case AreaByVal:
		return "byval"
	}
	return fmt.Sprintf("AreaKind(%d)", uint8(k))
}

// Area is an area of memory found by FindArea.
type Area struct {
	memory.Area
	Kind AreaKind

	// Thread owns stack and byval areas.
	Thread uint32
}

// FindArea returns the area of memory containing addr. Globals are
// searched first, then dynamic allocations, known regions, and finally
// the stack memory of each thread.
func (p *ProcessState) FindArea(addr uint64) (Area, bool) {
	for _, g := range p.globals {
		if g.Contains(addr) {
			return Area{Area: g, Kind: AreaGlobal}, true
		}
	}
	if a := p.memory.Find(addr); a != nil {
		if _, ok := p.mallocs[a.Address()]; ok {
			return Area{Area: a.Area(), Kind: AreaDynamic}, true
		}
	}
	for _, r := range p.regions {
		if r.Contains(addr) {
			return Area{Area: r.Area, Kind: AreaKnown}, true
		}
	}
	for _, t := range p.threads {
		for _, fs := range t.stack {
			for _, a := range fs.allocas {
				if a.Area().Contains(addr) {
					return Area{Area: a.Area(), Kind: AreaStack, Thread: t.id}, true
				}
			}
			for _, b := range fs.byvals {
				if b.Area.Contains(addr) {
					return Area{Area: b.Area, Kind: AreaByVal, Thread: t.id}, true
				}
			}
		}
	}
	return Area{}, false
}

func (p *ProcessState) data(ev rewind.Event) ([]byte, error) {
	return p.trace.Data(ev.DataOffset, ev.DataSize)
}

// applyShared performs the effect of a shared state event. Errors are
// reported without position; the caller adds it.
func (p *ProcessState) applyShared(t *ThreadState, ev rewind.Event, off uint64) error {
	origin := memory.Origin{Thread: t.id, Offset: off}
	switch ev.Type {
	case rewind.EventMalloc:
		if _, err := p.memory.Add(memory.Area{Start: ev.Address, Size: ev.Size}); err != nil {
			return err
		}
		p.mallocs[ev.Address] = MallocState{Address: ev.Address, Size: ev.Size, Thread: t.id, Offset: off}
	case rewind.EventFree:
		m, ok := p.mallocs[ev.Address]
		if !ok {
			return fmt.Errorf("free of unknown allocation %#x", ev.Address)
		}
		if err := p.memory.Free(ev.Address); err != nil {
			return err
		}
		delete(p.mallocs, ev.Address)
		p.freed = append(p.freed, m)
	case rewind.EventRealloc:
		m, ok := p.mallocs[ev.Address]
		if !ok {
			return fmt.Errorf("realloc of unknown allocation %#x", ev.Address)
		}
		if err := p.memory.Resize(ev.Address, ev.Size); err != nil {
			return err
		}
		p.resized = append(p.resized, resizeRecord{ev.Address, m.Size})
		m.Size = ev.Size
		p.mallocs[ev.Address] = m
	case rewind.EventStateTyped, rewind.EventStateUntyped:
		if ev.DataSize == 0 {
			return nil
		}
		data, err := p.data(ev)
		if err != nil {
			return err
		}
		return p.memory.Write(ev.Address, data, origin)
	case rewind.EventStateUntypedSmall:
		if ev.Size == 0 {
			return nil
		}
		return p.memory.Write(ev.Address, ev.InlineData(), origin)
	case rewind.EventStateMemmove:
		if ev.Size == 0 {
			return nil
		}
		return p.memory.Memmove(ev.Source, ev.Address, ev.Size, origin)
	case rewind.EventStateClear:
		if ev.Size == 0 {
			return nil
		}
		return p.memory.Clear(memory.Area{Start: ev.Address, Size: ev.Size})
	case rewind.EventFileOpen:
		data, err := p.data(ev)
		if err != nil {
			return err
		}
		return p.openStream(ev.Address, data)
	case rewind.EventFileWrite:
		data, err := p.data(ev)
		if err != nil {
			return err
		}
		return p.writeStream(ev.Address, data)
	case rewind.EventFileClose:
		return p.closeStream(ev.Address)
	case rewind.EventDirOpen:
		data, err := p.data(ev)
		if err != nil {
			return err
		}
		return p.openDir(ev.Address, data)
	case rewind.EventDirClose:
		return p.closeDir(ev.Address)
	case rewind.EventKnownRegionAdd:
		return p.addRegion(KnownRegion{
			Area:     memory.Area{Start: ev.Address, Size: ev.Size},
			Readable: ev.Flags&rewind.RegionReadable != 0,
			Writable: ev.Flags&rewind.RegionWritable != 0,
		})
	case rewind.EventKnownRegionRemove:
		return p.removeRegion(ev.Address)
	default:
		return fmt.Errorf("%v does not modify shared state", ev.Type)
	}
	return nil
}

// unapplyShared undoes the effect of a shared state event. chain is the
// overwrite-assist chain of memory state events.
func (p *ProcessState) unapplyShared(ev rewind.Event, chain []memory.Assist) error {
	switch ev.Type {
	case rewind.EventMalloc:
		if _, ok := p.mallocs[ev.Address]; !ok {
			return fmt.Errorf("undoing malloc of unknown allocation %#x", ev.Address)
		}
		if a := p.memory.Lookup(ev.Address); a != nil && a.Pending() != 0 {
			return fmt.Errorf("undoing malloc of %#x with %d mutations left: %w", ev.Address, a.Pending(), memory.ErrUndoMismatch)
		}
		if _, err := p.memory.Remove(ev.Address); err != nil {
			return err
		}
		delete(p.mallocs, ev.Address)
	case rewind.EventFree:
		n := len(p.freed)
		if n == 0 || p.freed[n-1].Address != ev.Address {
			return fmt.Errorf("undoing free of %#x, which was not the last freed: %w", ev.Address, memory.ErrUndoMismatch)
		}
		if err := p.memory.Unfree(ev.Address); err != nil {
			return err
		}
		p.mallocs[ev.Address] = p.freed[n-1]
		p.freed = p.freed[:n-1]
	case rewind.EventRealloc:
		n := len(p.resized)
		if n == 0 || p.resized[n-1].address != ev.Address {
			return fmt.Errorf("undoing realloc of %#x, which was not the last resized: %w", ev.Address, memory.ErrUndoMismatch)
		}
		if err := p.memory.Unresize(ev.Address); err != nil {
			return err
		}
		m := p.mallocs[ev.Address]
		m.Size = p.resized[n-1].oldSize
		p.mallocs[ev.Address] = m
		p.resized = p.resized[:n-1]
	case rewind.EventStateTyped, rewind.EventStateUntyped:
		if ev.DataSize == 0 {
			return nil
		}
		return p.memory.Rewind(memory.Area{Start: ev.Address, Size: ev.DataSize}, chain)
	case rewind.EventStateUntypedSmall, rewind.EventStateMemmove, rewind.EventStateClear:
		if ev.Size == 0 {
			return nil
		}
		return p.memory.Rewind(memory.Area{Start: ev.Address, Size: ev.Size}, chain)
	case rewind.EventFileOpen:
		return p.unopenStream(ev.Address)
	case rewind.EventFileWrite:
		return p.unwriteStream(ev.Address, int(ev.DataSize))
	case rewind.EventFileClose:
		return p.uncloseStream(ev.Address)
	case rewind.EventDirOpen:
		return p.unopenDir(ev.Address)
	case rewind.EventDirClose:
		return p.uncloseDir(ev.Address)
	case rewind.EventKnownRegionAdd:
		return p.unaddRegion(ev.Address)
	case rewind.EventKnownRegionRemove:
		return p.unremoveRegion(ev.Address)
	default:
		return fmt.Errorf("%v does not modify shared state", ev.Type)
	}
	return nil
}

func (p *ProcessState) searchRegion(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(p.regions, addr, func(r KnownRegion, addr uint64) int {
		return cmp.Compare(r.Start, addr)
	})
}

func (p *ProcessState) addRegion(r KnownRegion) error {
	if r.Size > math.MaxUint64-r.Start {
		return fmt.Errorf("%w: known region of %d bytes at %#x wraps around the address space", memory.ErrBadArea, r.Size, r.Start)
	}
	i, ok := p.searchRegion(r.Start)
	if ok {
		return fmt.Errorf("known region %v already exists", r.Area)
	}
	p.regions = slices.Insert(p.regions, i, r)
	return nil
}

func (p *ProcessState) unaddRegion(addr uint64) error {
	i, ok := p.searchRegion(addr)
	if !ok {
		return fmt.Errorf("no known region at %#x", addr)
	}
	p.regions = slices.Delete(p.regions, i, i+1)
	return nil
}

func (p *ProcessState) removeRegion(addr uint64) error {
	i, ok := p.searchRegion(addr)
	if !ok {
		return fmt.Errorf("no known region at %#x", addr)
	}
	p.removedRegions = append(p.removedRegions, p.regions[i])
	p.regions = slices.Delete(p.regions, i, i+1)
	return nil
}

func (p *ProcessState) unremoveRegion(addr uint64) error {
	n := len(p.removedRegions)
	if n == 0 || p.removedRegions[n-1].Start != addr {
		return fmt.Errorf("known region at %#x was not the last removed", addr)
	}
	if err := p.addRegion(p.removedRegions[n-1]); err != nil {
		return err
	}
	p.removedRegions = p.removedRegions[:n-1]
	return nil
}
