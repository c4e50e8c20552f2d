package tracegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/rewind"
)

func events(t *testing.T, tt *rewind.ThreadTrace) []rewind.Event {
	t.Helper()
	var evs []rewind.Event
	for c := tt.Begin(); !c.AtEnd(); c.Next() {
		evs = append(evs, c.Event())
	}
	return evs
}

func TestOverwriteChain(t *testing.T) {
	b := New()
	th := b.Thread()
	th.Malloc(0x2000, 16)
	first := th.Store(0x2000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	th.Store(0x2002, []byte{9, 9})
	tr, err := b.Trace()
	require.NoError(t, err)
	defer tr.Close()

	evs := events(t, tr.Thread(1))
	require.Len(t, evs, 6)
	store := evs[2]
	assert.Equal(t, rewind.EventStateUntypedSmall, store.Type)
	assert.Equal(t, uint64(3), store.ProcessTime)
	assert.Equal(t, uint32(2), store.Count)
	assert.Equal(t, rewind.EventStateOverwriteFragment, evs[3].Type)
	assert.Equal(t, uint32(1), evs[3].Thread)
	assert.Equal(t, first, evs[3].Link)
	assert.Equal(t, uint64(0x2002), evs[3].Address)
	assert.Equal(t, uint64(2), evs[3].Size)
	assert.Equal(t, rewind.EventStateOverwriteFragmentSplit, evs[4].Type)
	assert.Equal(t, uint64(0x2000), evs[4].Address)
	assert.Equal(t, uint64(0x2004), evs[4].Source)
	assert.Equal(t, uint64(8), evs[4].Size)
	assert.Equal(t, rewind.EventTraceEnd, evs[5].Type)
	assert.Equal(t, uint64(3), tr.FinalProcessTime())
}

func TestLinks(t *testing.T) {
	b := New()
	fn := b.Function(0x400000)
	th := b.Thread()
	start := th.FunctionStart(fn)
	a := th.Alloca(0, 0x7f00, 8, 1)
	first := th.Value(1, 1)
	second := th.Value(1, 2)
	restore := th.StackRestore(a)
	again := th.StackRestore()
	end := th.FunctionEnd()
	tr, err := b.Trace()
	require.NoError(t, err)
	defer tr.Close()
	tt := tr.Thread(1)

	at := func(off uint64) rewind.Event {
		ev, err := tt.EventAt(off)
		require.NoError(t, err)
		return ev
	}
	assert.Equal(t, end, at(start).Link)
	assert.Equal(t, start, at(end).Link)
	assert.Equal(t, rewind.NoOffset, at(first).Link)
	assert.Equal(t, first, at(second).Link)
	assert.Equal(t, rewind.NoOffset, at(restore).Link)
	assert.Equal(t, restore, at(again).Link)
	assert.Equal(t, uint64(4), at(end).ThreadTime)
	assert.Equal(t, a, events(t, tt)[5].Link)
}

func TestBuilderErrors(t *testing.T) {
	t.Run("Unreturned", func(t *testing.T) {
		b := New()
		b.Thread().FunctionStart(b.Function(0x1000))
		_, err := b.Bytes()
		assert.ErrorContains(t, err, "did not return")
	})
	t.Run("Unmapped", func(t *testing.T) {
		b := New()
		b.Thread().Store(0x2000, []byte{1})
		_, err := b.Bytes()
		assert.Error(t, err)
	})
	t.Run("NoFunction", func(t *testing.T) {
		b := New()
		b.Thread().Instruction(1)
		_, err := b.Bytes()
		assert.ErrorContains(t, err, "outside of any function")
	})
	t.Run("DeadAlloca", func(t *testing.T) {
		b := New()
		th := b.Thread()
		th.FunctionStart(b.Function(0x1000))
		th.StackRestore(12345)
		th.FunctionEnd()
		_, err := b.Bytes()
		assert.ErrorContains(t, err, "not live")
	})
}
