package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allocSnapshot struct {
	area      Area
	bytes     []byte
	init      []byte
	fragments []Fragment
}

func snapshot(s *State) []allocSnapshot {
	var out []allocSnapshot
	for _, a := range s.Allocations() {
		snap := allocSnapshot{
			area:  a.Area(),
			bytes: a.Bytes(a.Area()),
			init:  a.Initialization(a.Area()),
		}
		if f := a.Fragments(); len(f) != 0 {
			snap.fragments = f
		}
		out = append(out, snap)
	}
	return out
}

// write performs a write and returns the chain that rewinds it.
func write(t *testing.T, s *State, addr uint64, data []byte, origin Origin) []Assist {
	t.Helper()
	chain, err := s.Overwritten(Area{addr, uint64(len(data))})
	require.NoError(t, err)
	require.NoError(t, s.Write(addr, data, origin))
	return chain
}

func TestAddOverlap(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x100, 16})
	require.NoError(t, err)
	_, err = s.Add(Area{0x108, 16})
	assert.ErrorIs(t, err, ErrOverlap)
	_, err = s.Add(Area{0xf8, 9})
	assert.ErrorIs(t, err, ErrOverlap)
	_, err = s.Add(Area{0x110, 4})
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestFind(t *testing.T) {
	var s State
	for _, a := range []Area{{0x100, 16}, {0x200, 8}} {
		_, err := s.Add(a)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(0x100), s.Find(0x10f).Address())
	assert.Nil(t, s.Find(0x110))
	assert.Nil(t, s.Find(0x50))
	assert.Equal(t, uint64(0x200), s.Find(0x200).Address())
	assert.Nil(t, s.Lookup(0x201))
}

func TestWriteRewind(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 16})
	require.NoError(t, err)
	before := snapshot(&s)

	chain := write(t, &s, 0x1000, []byte{1, 2, 3, 4}, Origin{1, 10})
	assert.Empty(t, chain)
	a := s.Lookup(0x1000)
	assert.Equal(t, Initialized, a.Classify(Area{0x1000, 4}))
	assert.Equal(t, PartiallyInitialized, a.Classify(a.Area()))
	assert.Equal(t, []Fragment{{Area{0x1000, 4}, Origin{1, 10}}}, a.Fragments())

	require.NoError(t, s.Rewind(Area{0x1000, 4}, chain))
	assert.Equal(t, before, snapshot(&s))
	assert.Zero(t, a.Pending())
}

func TestOverwriteChains(t *testing.T) {
	for _, tc := range []struct {
		name  string
		area  Area
		kinds []AssistKind
	}{
		{"whole", Area{0x1000, 8}, []AssistKind{AssistOverwrite}},
		{"covering", Area{0x1000, 16}, []AssistKind{AssistOverwrite, AssistOverwrite}},
		{"middle", Area{0x1002, 2}, []AssistKind{AssistFragment, AssistSplit}},
		{"left", Area{0x1000, 2}, []AssistKind{AssistFragment, AssistTrimmed}},
		{"right", Area{0x1006, 2}, []AssistKind{AssistFragment, AssistTrimmed}},
		{"straddle", Area{0x1006, 4}, []AssistKind{AssistFragment, AssistTrimmed, AssistFragment, AssistTrimmed}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var s State
			_, err := s.Add(Area{0x1000, 16})
			require.NoError(t, err)
			write(t, &s, 0x1000, []byte{1, 1, 1, 1, 1, 1, 1, 1}, Origin{1, 0})
			write(t, &s, 0x1008, []byte{2, 2, 2, 2, 2, 2, 2, 2}, Origin{2, 0})
			before := snapshot(&s)

			data := make([]byte, tc.area.Size)
			for i := range data {
				data[i] = 9
			}
			chain := write(t, &s, tc.area.Start, data, Origin{3, 40})
			var kinds []AssistKind
			for _, as := range chain {
				kinds = append(kinds, as.Kind)
			}
			assert.Equal(t, tc.kinds, kinds)

			require.NoError(t, s.Rewind(tc.area, chain))
			assert.Equal(t, before, snapshot(&s))
		})
	}
}

func TestRewindChainMismatch(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, Origin{1, 0})
	chain := write(t, &s, 0x1002, []byte{0, 0}, Origin{1, 30})
	require.Len(t, chain, 2)

	// Without the chain, the restored bytes have no fragment.
	err = s.Rewind(Area{0x1002, 2}, nil)
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestRewindOutOfOrder(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2}, Origin{1, 0})
	write(t, &s, 0x1004, []byte{3, 4}, Origin{1, 10})
	err = s.Rewind(Area{0x1000, 2}, nil)
	assert.ErrorIs(t, err, ErrUndoMismatch)
}

func TestMemmoveRewind(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	_, err = s.Add(Area{0x2000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2, 3}, Origin{1, 0})
	write(t, &s, 0x2000, []byte{7, 7, 7, 7, 7, 7, 7, 7}, Origin{1, 20})
	before := snapshot(&s)

	chain, err := s.Overwritten(Area{0x2002, 4})
	require.NoError(t, err)
	require.NoError(t, s.Memmove(0x1000, 0x2002, 4, Origin{2, 5}))

	dst := s.Lookup(0x2000)
	assert.Equal(t, []byte{7, 7, 1, 2, 3, 0, 7, 7}, dst.Bytes(dst.Area()))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0, 0xff, 0xff}, dst.Initialization(dst.Area()))

	require.NoError(t, s.Rewind(Area{0x2002, 4}, chain))
	assert.Equal(t, before, snapshot(&s))
}

func TestClearRewind(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, Origin{1, 0})
	before := snapshot(&s)

	area := Area{0x1002, 4}
	chain, err := s.Overwritten(area)
	require.NoError(t, err)
	require.NoError(t, s.Clear(area))
	assert.Equal(t, Uninitialized, s.Classify(area))

	require.NoError(t, s.Rewind(area, chain))
	assert.Equal(t, before, snapshot(&s))
}

func TestResize(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, Origin{1, 0})
	before := snapshot(&s)

	require.NoError(t, s.Resize(0x1000, 4))
	a := s.Lookup(0x1000)
	assert.Equal(t, uint64(4), a.Size())
	assert.Equal(t, []Fragment{{Area{0x1000, 4}, Origin{1, 0}}}, a.Fragments())

	require.NoError(t, s.Unresize(0x1000))
	assert.Equal(t, before, snapshot(&s))

	require.NoError(t, s.Resize(0x1000, 12))
	assert.Equal(t, PartiallyInitialized, a.Classify(a.Area()))
	require.NoError(t, s.Unresize(0x1000))
	assert.Equal(t, before, snapshot(&s))
}

func TestResizeShrinkPartial(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 16})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1, 2}, Origin{1, 0})
	write(t, &s, 0x1006, []byte{3, 4, 5, 6}, Origin{1, 20})
	write(t, &s, 0x100d, []byte{7}, Origin{1, 40})
	a := s.Lookup(0x1000)
	tail := Area{0x1008, 8}
	require.Equal(t, PartiallyInitialized, a.Classify(tail))
	before := snapshot(&s)

	require.NoError(t, s.Resize(0x1000, 8))
	assert.Equal(t, []Fragment{
		{Area{0x1000, 2}, Origin{1, 0}},
		{Area{0x1006, 2}, Origin{1, 20}},
	}, a.Fragments())
	assert.Equal(t, []byte{0xff, 0xff, 0, 0, 0, 0, 0xff, 0xff}, a.Initialization(a.Area()))

	require.NoError(t, s.Unresize(0x1000))
	assert.Equal(t, before, snapshot(&s))
	assert.Equal(t, []byte{5, 6, 0, 0, 0, 7, 0, 0}, a.Bytes(tail))
	assert.Equal(t, []byte{0xff, 0xff, 0, 0, 0, 0xff, 0, 0}, a.Initialization(tail))
}

func TestBadArea(t *testing.T) {
	top := ^uint64(0)
	assert.NoError(t, Area{top - 8, 8}.Check())
	assert.ErrorIs(t, Area{top - 7, 8}.Check(), ErrBadArea)
	assert.ErrorIs(t, Area{0x1000, MaxAllocationSize + 1}.Check(), ErrBadArea)

	a := Area{0x1000, 8}
	assert.True(t, a.ContainsArea(Area{0x1002, 6}))
	assert.False(t, a.ContainsArea(Area{0x1002, 7}))
	assert.False(t, a.ContainsArea(Area{0x1004, top - 0x1000}))

	var s State
	_, err := s.Add(Area{0x1000, 1 << 62})
	assert.ErrorIs(t, err, ErrBadArea)
	_, err = s.Add(Area{top - 3, 8})
	assert.ErrorIs(t, err, ErrBadArea)
	assert.Zero(t, s.Len())

	_, err = s.Add(a)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Resize(0x1000, 1<<62), ErrBadArea)
	assert.Equal(t, uint64(8), s.Lookup(0x1000).Size())
	assert.ErrorIs(t, s.Clear(Area{0x1004, top - 0x1000}), ErrBadArea)
	assert.ErrorIs(t, s.Write(0x1004, make([]byte, 8), Origin{1, 0}), ErrNotMapped)
}

func TestResizeOverlap(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	_, err = s.Add(Area{0x1008, 8})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Resize(0x1000, 9), ErrOverlap)
}

func TestFreeUnfree(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 8})
	require.NoError(t, err)
	write(t, &s, 0x1000, []byte{1}, Origin{1, 0})
	before := snapshot(&s)

	require.NoError(t, s.Free(0x1000))
	assert.Zero(t, s.Len())
	assert.ErrorIs(t, s.Unfree(0x2000), ErrUndoMismatch)
	require.NoError(t, s.Unfree(0x1000))
	assert.Equal(t, before, snapshot(&s))
}

func TestRegion(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 4})
	require.NoError(t, err)
	_, err = s.Add(Area{0x1006, 2})
	require.NoError(t, err)
	write(t, &s, 0x1002, []byte{5, 6}, Origin{1, 0})
	write(t, &s, 0x1006, []byte{8, 9}, Origin{1, 10})

	r := s.Region(Area{0x1001, 7})
	assert.Equal(t, []byte{0, 5, 6, 0, 0, 8, 9}, r.Bytes)
	assert.Equal(t, []byte{0, 0xff, 0xff, 0, 0, 0xff, 0xff}, r.Init)
	assert.Equal(t, PartiallyInitialized, s.Classify(r.Area))
	assert.True(t, s.IsInitialized(Area{0x1006, 2}))
	assert.False(t, s.IsInitialized(Area{0x1004, 2}))
}

func TestInitialize(t *testing.T) {
	var s State
	_, err := s.Add(Area{0x1000, 4})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(0x1000, []byte{1, 2, 3, 4}, Origin{0, 3}))
	a := s.Lookup(0x1000)
	assert.Zero(t, a.Pending())
	assert.Equal(t, []Fragment{{Area{0x1000, 4}, Origin{0, 3}}}, a.Fragments())
	assert.ErrorIs(t, s.Initialize(0x1002, []byte{1, 2, 3}, Origin{}), ErrNotMapped)
}
