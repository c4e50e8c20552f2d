// Package tracegen builds trace containers from a description of what
// a program did. It derives the bookkeeping that the recording runtime
// would produce: back-links, thread and process times, and the
// overwrite-assist chains of memory state events.
//
// Builder methods must be called in the order the events happened.
// Events of different threads are ordered by the process time of their
// shared state events, which the Builder hands out in call order.
package tracegen

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
)

// Builder accumulates the contents of a trace.
type Builder struct {
	module    []byte
	globals   []rewind.Global
	functions []uint64
	streams   []rewind.Stream
	data      []byte
	threads   []*Thread

	processTime uint64

	// mem mirrors the memory of the traced process, to compute the
	// overwrite-assist chains.
	mem *memory.State

	err error
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{
		module: []byte("module"),
		mem:    new(memory.State),
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = fmt.Errorf("tracegen: "+format, args...)
	}
}

// Module sets the contents of the module block.
func (b *Builder) Module(m []byte) {
	b.module = m
}

// Data appends p to the process data, returning its offset.
func (b *Builder) Data(p []byte) uint64 {
	off := uint64(len(b.data))
	b.data = append(b.data, p...)
	return off
}

// Global adds a global variable with the given initial content.
func (b *Builder) Global(addr uint64, init []byte) {
	i := len(b.globals)
	b.globals = append(b.globals, rewind.Global{
		Address:    addr,
		Size:       uint64(len(init)),
		DataOffset: b.Data(init),
	})
	if _, err := b.mem.Add(memory.Area{Start: addr, Size: uint64(len(init))}); err != nil {
		b.fail("global %d: %v", i, err)
		return
	}
	if len(init) != 0 {
		if err := b.mem.Initialize(addr, init, memory.Origin{Offset: uint64(i)}); err != nil {
			b.fail("global %d: %v", i, err)
		}
	}
}

// Function registers a function at addr and returns its index.
func (b *Builder) Function(addr uint64) uint32 {
	b.functions = append(b.functions, addr)
	return uint32(len(b.functions) - 1)
}

// Stream registers a stream that is open when the process starts.
func (b *Builder) Stream(addr uint64, name, mode string) {
	b.streams = append(b.streams, rewind.Stream{Address: addr, Name: name, Mode: mode})
}

// Thread starts the event stream of a new thread.
func (b *Builder) Thread() *Thread {
	t := &Thread{b: b, id: uint32(len(b.threads) + 1)}
	b.threads = append(b.threads, t)
	return t
}

// ProcessTime returns the process time of the latest shared state
// event.
func (b *Builder) ProcessTime() uint64 {
	return b.processTime
}

// Bytes returns the trace container. Threads that have not ended get a
// TraceEnd event.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, t := range b.threads {
		if len(t.frames) != 0 {
			return nil, fmt.Errorf("tracegen: thread %d has %d functions that did not return", t.id, len(t.frames))
		}
		if !t.ended {
			t.End()
		}
	}
	buf := []byte(rewind.Magic)
	buf = rewind.AppendBlock(buf, rewind.BlockModule, b.module)
	buf = rewind.AppendBlock(buf, rewind.BlockProcessMetadata, rewind.AppendMetadata(nil, &rewind.Metadata{
		Version:          rewind.FormatVersion,
		ThreadCount:      uint32(len(b.threads)),
		FinalProcessTime: b.processTime,
		Globals:          b.globals,
		Functions:        b.functions,
		Streams:          b.streams,
	}))
	buf = rewind.AppendBlock(buf, rewind.BlockProcessData, b.data)
	for _, t := range b.threads {
		for _, blk := range t.blocks() {
			buf = rewind.AppendBlock(buf, rewind.BlockThreadEvents, binary.LittleEndian.AppendUint32(nil, t.id), blk)
		}
	}
	return buf, nil
}

// Trace builds the trace and opens it.
func (b *Builder) Trace(opts ...rewind.Option) (*rewind.Trace, error) {
	buf, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return rewind.NewTrace(bytes.NewReader(buf), opts...)
}
