// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Trace is a parsed trace container.
//
// A Trace is immutable once created and safe for concurrent use.
type Trace struct {
	module   []byte
	metadata *Metadata
	data     []byte
	threads  []*ThreadTrace
	logger   *slog.Logger
	cleanup  []func() error
}

// Source is a trace container source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the trace container
	// in bytes.
	Len() int
}

type record struct {
	typ    BlockType
	thread uint32
	start  int64 // payload start
	end    int64 // payload end
}

func scanRecords(r Source) ([]record, error) {
	size := int64(r.Len())
	var magic [len(Magic)]byte
	if n, _ := r.ReadAt(magic[:], 0); n != len(magic) || string(magic[:]) != Magic {
		return nil, malformedf("bad magic")
	}
	var recs []record
	var buf [recordHeaderSize + 4]byte
	for off := int64(len(Magic)); off < size; {
		if size-off < recordHeaderSize {
			return nil, malformedf("truncated record header at %d", off)
		}
		if _, err := r.ReadAt(buf[:recordHeaderSize], off); err != nil {
			return nil, malformedf("reading record header at %d: %v", off, err)
		}
		rec := record{
			typ:   BlockType(buf[0]),
			start: off + recordHeaderSize,
		}
		next := binary.LittleEndian.Uint64(buf[1:])
		if next < uint64(rec.start) || next > uint64(size) {
			return nil, malformedf("%v block at %d: next offset %d out of range", rec.typ, off, next)
		}
		rec.end = int64(next)
		switch rec.typ {
		case BlockModule, BlockProcessMetadata, BlockProcessData:
		case BlockThreadEvents:
			if rec.end-rec.start <= 4 {
				return nil, malformedf("empty thread block at %d", off)
			}
			if _, err := r.ReadAt(buf[:4], rec.start); err != nil {
				return nil, malformedf("reading thread id at %d: %v", off, err)
			}
			rec.thread = binary.LittleEndian.Uint32(buf[:4])
			rec.start += 4
		default:
			return nil, malformedf("unknown block type %d at %d", uint8(rec.typ), off)
		}
		recs = append(recs, rec)
		off = rec.end
	}
	return recs, nil
}

// NewTrace creates and initializes a new Trace given a Source.
//
// Initialization copies every block into memory, so r is not used
// once NewTrace returns, and validates each
// thread's event stream, which may be computationally expensive; the
// work is spread over GOMAXPROCS goroutines.
func NewTrace(r Source, opts ...Option) (*Trace, error) {
	cfg := newConfig(opts)
	recs, err := scanRecords(r)
	if err != nil {
		return nil, err
	}

	// Read all the payloads.
	payloads := make([][]byte, len(recs))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(-1))
	for i, rec := range recs {
		eg.Go(func() error {
			buf := make([]byte, rec.end-rec.start)
			if _, err := r.ReadAt(buf, rec.start); err != nil && err != io.EOF {
				return malformedf("reading %v block: %v", rec.typ, err)
			}
			payloads[i] = buf
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	t := &Trace{logger: cfg.logger}
	var haveMetadata, haveData bool
	var mdBuf []byte
	threadBlocks := make(map[uint32][][]byte)
	for i, rec := range recs {
		switch rec.typ {
		case BlockModule:
			if t.module != nil {
				return nil, malformedf("duplicate module block")
			}
			t.module = payloads[i]
		case BlockProcessMetadata:
			if haveMetadata {
				return nil, malformedf("duplicate process metadata block")
			}
			haveMetadata = true
			mdBuf = payloads[i]
		case BlockProcessData:
			if haveData {
				return nil, malformedf("duplicate process data block")
			}
			haveData = true
			t.data = payloads[i]
		case BlockThreadEvents:
			threadBlocks[rec.thread] = append(threadBlocks[rec.thread], payloads[i])
		}
	}
	if t.module == nil {
		return nil, malformedf("missing module block")
	}
	if !haveMetadata {
		return nil, malformedf("missing process metadata block")
	}
	if t.metadata, err = parseMetadata(mdBuf); err != nil {
		return nil, err
	}
	for id := range threadBlocks {
		if id == 0 || id > t.metadata.ThreadCount {
			return nil, malformedf("events for unknown thread %d", id)
		}
	}
	for _, g := range t.metadata.Globals {
		if _, err := t.Data(g.DataOffset, g.Size); err != nil {
			return nil, malformedf("global at %#x: %v", g.Address, err)
		}
	}

	// Build and validate each thread's stream.
	t.threads = make([]*ThreadTrace, t.metadata.ThreadCount)
	for i := range t.threads {
		id := uint32(i + 1)
		blocks, ok := threadBlocks[id]
		if !ok {
			return nil, malformedf("missing events for thread %d", id)
		}
		t.threads[i] = newThreadTrace(id, blocks)
	}
	for _, tt := range t.threads {
		eg.Go(tt.validate)
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	t.logger.Debug("parsed trace",
		slog.Int("records", len(recs)),
		slog.Int("threads", len(t.threads)),
		slog.Uint64("final_process_time", t.metadata.FinalProcessTime))
	return t, nil
}

// Module returns the contents of the module block.
func (t *Trace) Module() []byte {
	return t.module
}

// Metadata returns the process metadata.
func (t *Trace) Metadata() *Metadata {
	return t.metadata
}

// FinalProcessTime returns the process time at the end of the trace.
func (t *Trace) FinalProcessTime() uint64 {
	return t.metadata.FinalProcessTime
}

// Data returns size bytes of process data starting at offset.
func (t *Trace) Data(offset, size uint64) ([]byte, error) {
	if offset > uint64(len(t.data)) || size > uint64(len(t.data))-offset {
		return nil, fmt.Errorf("process data [%d, +%d) out of range", offset, size)
	}
	return t.data[offset : offset+size : offset+size], nil
}

// Threads returns the event streams of every thread, ordered by ID.
func (t *Trace) Threads() []*ThreadTrace {
	return t.threads
}

// Thread returns the event stream for the thread with the given ID,
// or nil if there is no such thread.
func (t *Trace) Thread(id uint32) *ThreadTrace {
	if id == 0 || int(id) > len(t.threads) {
		return nil
	}
	return t.threads[id-1]
}

// Logger returns the logger the trace was opened with.
func (t *Trace) Logger() *slog.Logger {
	return t.logger
}

// Close releases any resources held by the trace, including any
// temporary files extracted from an archive.
func (t *Trace) Close() error {
	var first error
	for i := len(t.cleanup) - 1; i >= 0; i-- {
		if err := t.cleanup[i](); err != nil && first == nil {
			first = err
		}
	}
	t.cleanup = nil
	return first
}
