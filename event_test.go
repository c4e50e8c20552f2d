// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSizes(t *testing.T) {
	for typ := EventTraceEnd; typ < eventTypeCount; typ++ {
		assert.GreaterOrEqual(t, typ.Size(), eventHeaderSize, typ.String())
		assert.LessOrEqual(t, typ.Size(), 255, typ.String())
	}
	assert.Zero(t, EventType(200).Size())
	assert.False(t, EventNone.Valid())
	assert.Equal(t, "EventType(200)", EventType(200).String())
}

func TestEventTraits(t *testing.T) {
	for typ := EventTraceEnd; typ < eventTypeCount; typ++ {
		if typ.ModifiesSharedState() {
			assert.True(t, typ.HasProcessTime(), typ.String())
			assert.True(t, typ.TouchesMemory(), typ.String())
		}
		if typ.IsMemoryState() {
			assert.True(t, typ.ModifiesSharedState(), typ.String())
		}
		if typ.IsInstruction() {
			assert.True(t, typ.HasThreadTime(), typ.String())
			assert.True(t, typ.IsFunctionLevel(), typ.String())
		}
		assert.False(t, typ.IsSubservient() && typ.IsBlockStart(), typ.String())
	}
	assert.True(t, EventNewProcessTime.HasProcessTime())
	assert.False(t, EventNewProcessTime.ModifiesSharedState())
	assert.True(t, EventFunctionEnd.TouchesMemory())
	assert.False(t, EventFunctionStart.TouchesMemory())
}

func TestEventEncoding(t *testing.T) {
	events := []Event{
		{Type: EventFunctionStart, Index: 3, ThreadTime: 9, Link: NoOffset},
		{Type: EventInstructionWithLargeValue, Index: 1, ThreadTime: 2, Link: 77, DataOffset: 1 << 40, DataSize: 12},
		{Type: EventStateUntypedSmall, ProcessTime: 5, Address: 0xc000001000, Size: 3, Value: 0x030201, Count: 2},
		{Type: EventStateOverwriteFragmentSplit, Address: 0x10, Source: 0x18, Size: 16},
		{Type: EventKnownRegionAdd, ProcessTime: 1, Address: 0x7000, Size: 4096, Flags: RegionReadable | RegionWritable},
		{Type: EventRuntimeError, Index: 513, Count: 2, Flags: RuntimeErrorTopLevel},
		{Type: EventTraceEnd},
	}
	var buf []byte
	prev := uint8(0)
	for _, ev := range events {
		ev.PrevSize = prev
		buf = AppendEvent(buf, ev)
		prev = uint8(ev.Type.Size())
	}
	pos := 0
	prev = 0
	for _, want := range events {
		want.PrevSize = prev
		got, err := DecodeEvent(buf[pos:])
		require.NoError(t, err)
		assert.Equal(t, want, got)
		pos += got.Type.Size()
		prev = uint8(got.Type.Size())
	}
	assert.Equal(t, len(buf), pos)
}

func TestDecodeEventErrors(t *testing.T) {
	_, err := DecodeEvent([]byte{byte(EventMalloc)})
	assert.Error(t, err)
	_, err = DecodeEvent([]byte{byte(EventMalloc), 0, 1, 2})
	assert.Error(t, err)
	_, err = DecodeEvent([]byte{byte(eventTypeCount), 0})
	assert.Error(t, err)
}

func TestInlineData(t *testing.T) {
	ev := Event{Type: EventStateUntypedSmall, Size: 3, Value: 0x0a0b0c0d}
	assert.Equal(t, []byte{0x0d, 0x0c, 0x0b}, ev.InlineData())
	ev.Size = 0
	assert.Empty(t, ev.InlineData())
}

func TestCorruptError(t *testing.T) {
	err := Corruptf(2, 40, EventFree, "free of unknown allocation %#x", 0x10)
	assert.ErrorIs(t, err, ErrCorruptEventStream)
	assert.Contains(t, err.Error(), "Free")
	assert.Contains(t, err.Error(), "0x10")
}
