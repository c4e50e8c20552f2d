package state

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/mknyszek/rewind/memory"
)

// Fprint writes a human-readable dump of the state to w. It must not be
// called while a movement is in progress.
func Fprint(w io.Writer, p *ProcessState) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "process time %d of %d\n", p.processTime, p.FinalProcessTime())
	for _, t := range p.threads {
		printThread(bw, t)
	}
	for _, a := range p.memory.Allocations() {
		printAllocation(bw, p, a)
	}
	for _, m := range p.Mallocs() {
		fmt.Fprintf(bw, "malloc %v by thread %d at %d\n", memory.Area{Start: m.Address, Size: m.Size}, m.Thread, m.Offset)
	}
	for _, r := range p.regions {
		perm := []byte("--")
		if r.Readable {
			perm[0] = 'r'
		}
		if r.Writable {
			perm[1] = 'w'
		}
		fmt.Fprintf(bw, "region %v %s\n", r.Area, perm)
	}
	for _, s := range p.Streams() {
		fmt.Fprintf(bw, "stream %#x %q (%s): %d bytes in %d writes\n", s.Address, s.Name, s.Mode, len(s.written), len(s.writes))
		if len(s.written) != 0 {
			fmt.Fprintf(bw, "  %q\n", s.written)
		}
	}
	for _, d := range p.Dirs() {
		fmt.Fprintf(bw, "dir %#x %q\n", d.Address, d.Name)
	}
	return bw.Flush()
}

func printThread(w io.Writer, t *ThreadState) {
	at := fmt.Sprintf("offset %d", t.next.Offset())
	if t.next.AtEnd() {
		at = "end"
	}
	fmt.Fprintf(w, "thread %d at %s (thread time %d, process time %d)\n", t.id, at, t.threadTime, t.processTime)
	for _, fs := range t.stack {
		fmt.Fprintf(w, "  function %d started at %d", fs.index, fs.start)
		if b := fs.ActiveBlock(); b != NoBlock {
			fmt.Fprintf(w, ", block %d", b)
		}
		if fs.hasActive {
			fmt.Fprintf(w, ", instruction %d", fs.active)
		}
		fmt.Fprintln(w)
		for _, a := range fs.allocas {
			fmt.Fprintf(w, "    alloca %v %dx%d (instruction %d)\n", a.Area(), a.ElementCount, a.ElementSize, a.Instruction)
		}
		for _, b := range fs.byvals {
			fmt.Fprintf(w, "    byval %v (argument %d)\n", b.Area, b.Argument)
		}
		for _, i := range fs.Values() {
			v := fs.values[i]
			if v.Large != nil {
				fmt.Fprintf(w, "    value %d = % x\n", i, v.Large)
			} else {
				fmt.Fprintf(w, "    value %d = %#x\n", i, v.Raw)
			}
		}
		for _, e := range fs.errors {
			fmt.Fprintf(w, "    error %s\n", formatError(&e))
		}
	}
	if e := t.CurrentError(); e != nil {
		fmt.Fprintf(w, "  current error %s\n", formatError(e))
	}
}

func formatError(e *RuntimeError) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d at %d", e.Type, e.Offset)
	if e.TopLevel {
		sb.WriteString(" top-level")
	}
	for _, a := range e.Args {
		fmt.Fprintf(&sb, " %d:%#x", a.Type, a.Value)
	}
	return sb.String()
}

func printAllocation(w io.Writer, p *ProcessState, a *memory.Allocation) {
	kind := "unknown"
	if area, ok := p.FindArea(a.Address()); ok {
		kind = area.Kind.String()
	}
	area := a.Area()
	fmt.Fprintf(w, "allocation %v %s %v\n", area, kind, a.Classify(area))
	if area.Size == 0 {
		return
	}
	fmt.Fprintf(w, "  bytes % x\n", a.Bytes(area))
	fmt.Fprintf(w, "  init  % x\n", a.Initialization(area))
	for _, f := range a.Fragments() {
		if f.Origin.Thread == 0 {
			fmt.Fprintf(w, "  fragment %v from global %d\n", f.Area, f.Origin.Offset)
		} else {
			fmt.Fprintf(w, "  fragment %v from thread %d at %d\n", f.Area, f.Origin.Thread, f.Origin.Offset)
		}
	}
}
