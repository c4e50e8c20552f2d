// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"encoding/binary"
	"fmt"
)

// Magic is the header of every trace container.
const Magic = "RWTRACE\x00"

// FormatVersion is the version of the process metadata this package
// reads and writes.
const FormatVersion uint64 = 2

// BlockType identifies the payload of a container record.
type BlockType uint8

const (
	BlockBad BlockType = iota
	BlockModule
	BlockProcessMetadata
	BlockProcessData
	BlockThreadEvents
)

func (b BlockType) String() string {
	switch b {
	case BlockModule:
		return "module"
	case BlockProcessMetadata:
		return "process metadata"
	case BlockProcessData:
		return "process data"
	case BlockThreadEvents:
		return "thread events"
	}
	return fmt.Sprintf("BlockType(%d)", uint8(b))
}

// recordHeaderSize is the size of {u8 blockType, u64 nextBlockOffset}.
const recordHeaderSize = 9

// Global describes a global variable of the traced process.
type Global struct {
	Address    uint64
	Size       uint64
	DataOffset uint64
}

// Stream describes a stream that was open when the process started.
type Stream struct {
	Address uint64
	Name    string
	Mode    string
}

// Metadata is the process-wide information recorded for a trace.
type Metadata struct {
	Version          uint64
	ThreadCount      uint32
	FinalProcessTime uint64
	Globals          []Global
	Functions        []uint64
	Streams          []Stream
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = fmt.Errorf("unexpected end of data")
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u32()
	return string(d.take(int(n)))
}

func parseMetadata(buf []byte) (*Metadata, error) {
	d := decoder{buf: buf}
	md := &Metadata{Version: d.u64()}
	if d.err != nil {
		return nil, malformedf("process metadata: %v", d.err)
	}
	if md.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, md.Version, FormatVersion)
	}
	md.ThreadCount = d.u32()
	md.FinalProcessTime = d.u64()
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		md.Globals = append(md.Globals, Global{
			Address:    d.u64(),
			Size:       d.u64(),
			DataOffset: d.u64(),
		})
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		md.Functions = append(md.Functions, d.u64())
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		md.Streams = append(md.Streams, Stream{
			Address: d.u64(),
			Name:    d.str(),
			Mode:    d.str(),
		})
	}
	if d.err != nil {
		return nil, malformedf("process metadata: %v", d.err)
	}
	return md, nil
}

// AppendMetadata appends the encoding of md to buf.
func AppendMetadata(buf []byte, md *Metadata) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint64(buf, md.Version)
	buf = le.AppendUint32(buf, md.ThreadCount)
	buf = le.AppendUint64(buf, md.FinalProcessTime)
	buf = le.AppendUint32(buf, uint32(len(md.Globals)))
	for _, g := range md.Globals {
		buf = le.AppendUint64(buf, g.Address)
		buf = le.AppendUint64(buf, g.Size)
		buf = le.AppendUint64(buf, g.DataOffset)
	}
	buf = le.AppendUint32(buf, uint32(len(md.Functions)))
	for _, f := range md.Functions {
		buf = le.AppendUint64(buf, f)
	}
	buf = le.AppendUint32(buf, uint32(len(md.Streams)))
	for _, s := range md.Streams {
		buf = le.AppendUint64(buf, s.Address)
		buf = le.AppendUint32(buf, uint32(len(s.Name)))
		buf = append(buf, s.Name...)
		buf = le.AppendUint32(buf, uint32(len(s.Mode)))
		buf = append(buf, s.Mode...)
	}
	return buf
}

// AppendBlock appends a container record of type typ with the given
// payload to buf, which must hold the container written so far
// (starting with Magic).
func AppendBlock(buf []byte, typ BlockType, payload ...[]byte) []byte {
	size := recordHeaderSize
	for _, p := range payload {
		size += len(p)
	}
	next := uint64(len(buf) + size)
	buf = append(buf, uint8(typ))
	buf = binary.LittleEndian.AppendUint64(buf, next)
	for _, p := range payload {
		buf = append(buf, p...)
	}
	return buf
}
