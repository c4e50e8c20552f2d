// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/tracegen"
)

func TestCursorAcrossBlocks(t *testing.T) {
	b := tracegen.New()
	fn := b.Function(0x1000)
	th := b.Thread()
	var offsets []uint64
	offsets = append(offsets, th.FunctionStart(fn))
	offsets = append(offsets, th.BasicBlock(0))
	th.Cut()
	offsets = append(offsets, th.Value(1, 7))
	offsets = append(offsets, th.Instruction(2))
	th.Cut()
	offsets = append(offsets, th.FunctionEnd())
	offsets = append(offsets, th.End())
	tr, err := b.Trace()
	require.NoError(t, err)
	tt := tr.Thread(1)

	want := []rewind.EventType{
		rewind.EventFunctionStart,
		rewind.EventBasicBlockStart,
		rewind.EventInstructionWithValue,
		rewind.EventInstruction,
		rewind.EventFunctionEnd,
		rewind.EventTraceEnd,
	}

	// Forward.
	c := tt.Begin()
	assert.True(t, c.AtBegin())
	var got []rewind.EventType
	var gotOffsets []uint64
	for !c.AtEnd() {
		got = append(got, c.Type())
		gotOffsets = append(gotOffsets, c.Offset())
		require.True(t, c.Next())
	}
	assert.Equal(t, want, got)
	assert.Equal(t, offsets, gotOffsets)
	assert.Equal(t, tt.Len(), c.Offset())
	assert.False(t, c.Next())
	assert.Zero(t, c.Compare(tt.End()))

	// Backward.
	got = got[:0]
	for c.Prev() {
		got = append(got, c.Type())
	}
	assert.True(t, c.AtBegin())
	for i, j := 0, len(got)-1; i < j; i, j = i+1, j-1 {
		got[i], got[j] = got[j], got[i]
	}
	assert.Equal(t, want, got)

	// Random access.
	for i, off := range offsets {
		c, ok := tt.CursorAt(off)
		require.True(t, ok)
		assert.Equal(t, want[i], c.Type())
		assert.Equal(t, off, c.Offset())
	}
	_, ok := tt.CursorAt(tt.Len())
	assert.False(t, ok)
	_, ok = tt.CursorAt(offsets[2] + 1)
	assert.False(t, ok)
	_, err = tt.EventAt(offsets[2] + 1)
	assert.ErrorIs(t, err, rewind.ErrCorruptEventStream)

	// Links are patched.
	start, err := tt.EventAt(offsets[0])
	require.NoError(t, err)
	assert.Equal(t, offsets[4], start.Link)
	end, err := tt.EventAt(offsets[4])
	require.NoError(t, err)
	assert.Equal(t, offsets[0], end.Link)
	assert.Equal(t, uint64(4), end.ThreadTime)
}

func TestCursorCompare(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.NewProcessTime()
	tr, err := b.Trace()
	require.NoError(t, err)
	tt := tr.Thread(1)

	begin, end := tt.Begin(), tt.End()
	assert.Equal(t, -1, begin.Compare(end))
	assert.Equal(t, 1, end.Compare(begin))
	last := end
	require.True(t, last.Prev())
	assert.Equal(t, rewind.EventTraceEnd, last.Type())
	assert.Equal(t, -1, last.Compare(end))
}

func TestPrevSizeMismatch(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.Raw(rewind.Event{Type: rewind.EventNewProcessTime})
	buf, err := b.Bytes()
	require.NoError(t, err)

	// Corrupt the previous size of the TraceEnd event, the last two
	// bytes of the container.
	buf[len(buf)-1] = 3
	_, err = rewind.NewTrace(bytes.NewReader(buf))
	var ce *rewind.CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint32(1), ce.Thread)
	assert.Equal(t, rewind.EventTraceEnd, ce.Type)
}

func TestBadLinks(t *testing.T) {
	for _, tc := range []struct {
		name   string
		link   func(valueAt uint64) uint64
		reason string
	}{
		{"MidEvent", func(uint64) uint64 { return 1 }, "not the start of an event"},
		{"WrongType", func(uint64) uint64 { return 0 }, "is a FunctionStart event"},
		{"Self", func(at uint64) uint64 { return at }, "points the wrong way"},
		{"PastEnd", func(uint64) uint64 { return 1 << 20 }, "points the wrong way"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := tracegen.New()
			th := b.Thread()
			th.FunctionStart(b.Function(0x1000))
			at := th.Offset()
			th.Raw(rewind.Event{Type: rewind.EventInstructionWithValue, Index: 1, ThreadTime: 2, Link: tc.link(at), Value: 5})
			th.FunctionEnd()
			buf, err := b.Bytes()
			require.NoError(t, err)

			_, err = rewind.NewTrace(bytes.NewReader(buf))
			var ce *rewind.CorruptError
			require.ErrorAs(t, err, &ce)
			assert.ErrorIs(t, err, rewind.ErrCorruptEventStream)
			assert.Equal(t, rewind.EventInstructionWithValue, ce.Type)
			assert.Equal(t, at, ce.Offset)
			assert.ErrorContains(t, err, tc.reason)
		})
	}
}

func TestInlineTooLarge(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.Malloc(0x2000, 16)
	th.Raw(rewind.Event{Type: rewind.EventStateUntypedSmall, ProcessTime: 2, Address: 0x2000, Size: rewind.MaxInlineSize + 8})
	_, err := b.Trace()
	var ce *rewind.CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, rewind.EventStateUntypedSmall, ce.Type)
	assert.ErrorContains(t, err, "inline data")
}
