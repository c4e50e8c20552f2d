package state

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/rewind/tracegen"
)

func TestFprint(t *testing.T) {
	b := tracegen.New()
	b.Global(0x1000, []byte{1, 2, 3, 4})
	b.Stream(0x10, "stdout", "w")
	fn := b.Function(0x400000)
	th := b.Thread()
	th.FunctionStart(fn)
	th.BasicBlock(0)
	th.Alloca(0, 0x7f00, 4, 2)
	th.Malloc(0x2000, 8)
	th.Store(0x2000, []byte{0xaa, 0xbb})
	th.Store(0x7f00, []byte{1, 2, 3, 4})
	th.Value(1, 0x2a)
	th.FileWrite(0x10, []byte("hi\n"))
	th.RuntimeError(7, true, tracegen.ErrorArg{Type: 1, Value: 0x2000})
	stop := th.Instruction(3)
	th.FunctionEnd()
	p := newProcess(t, b)
	stepTo(t, p.Thread(1), stop)

	var buf bytes.Buffer
	require.NoError(t, Fprint(&buf, p))
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "print", buf.Bytes())
}

func TestStatsFprint(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.Malloc(0x2000, 8)
	th.Free(0x2000)
	p := newProcess(t, b)
	step(t, p.Thread(1), 3)
	unstep(t, p.Thread(1), 1)

	var buf bytes.Buffer
	s := p.Stats()
	require.NoError(t, s.Fprint(&buf))
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "stats", buf.Bytes())
}
