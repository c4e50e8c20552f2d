package state

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/memory"
	"github.com/mknyszek/rewind/tracegen"
)

// twoThreads builds a trace where two threads take turns mutating a
// shared allocation.
func twoThreads() *tracegen.Builder {
	b := tracegen.New()
	b.Stream(0x10, "stdout", "w")
	f, g := b.Function(0x400000), b.Function(0x400100)
	t1, t2 := b.Thread(), b.Thread()
	t1.FunctionStart(f)
	t2.FunctionStart(g)
	t1.BasicBlock(0)
	t1.Malloc(0x2000, 16) // 1
	t2.BasicBlock(0)
	t2.Store(0x2000, []byte{1, 2}) // 2
	t1.BasicBlock(1)
	t1.Store(0x2002, []byte{3, 4}) // 3
	t2.BasicBlock(1)
	t2.NewProcessTime()
	t2.Store(0x2000, []byte{5}) // 4
	t1.BasicBlock(2)
	t1.FileWrite(0x10, []byte("a")) // 5
	t2.BasicBlock(2)
	t2.Free(0x2000) // 6
	t1.FunctionEnd()
	t2.FunctionEnd()
	return b
}

// replayInOrder applies every event of p one thread at a time,
// respecting process time.
func replayInOrder(t *testing.T, p *ProcessState) {
	t.Helper()
	for progress := true; progress; {
		progress = false
		for _, th := range p.Threads() {
			for !th.AtEnd() {
				c := th.Cursor()
				if typ := c.Type(); typ.HasProcessTime() {
					pt := c.Event().ProcessTime
					if typ.ModifiesSharedState() {
						pt--
					}
					if pt != p.ProcessTime() && (typ.ModifiesSharedState() || pt > p.ProcessTime()) {
						break
					}
				}
				step(t, th, 1)
				progress = true
			}
		}
	}
}

type sharedSnapshot struct {
	Memory  []AllocationSnapshot
	Mallocs []MallocState
	Streams []StreamSnapshot
}

func shared(p *ProcessState) sharedSnapshot {
	s := p.Snapshot()
	return sharedSnapshot{s.Memory, s.Mallocs, s.Streams}
}

func TestMoveToEndAndStart(t *testing.T) {
	var logs bytes.Buffer
	tr, err := twoThreads().Trace()
	require.NoError(t, err)
	defer tr.Close()
	p, err := New(tr, WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	require.NoError(t, err)
	start := p.Snapshot()
	ctx := context.Background()

	out, err := p.MoveToEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnd, out)
	assert.Equal(t, uint64(6), p.ProcessTime())
	for _, th := range p.Threads() {
		assert.True(t, th.AtEnd(), "thread %d", th.ID())
	}
	assert.Equal(t, []byte("a"), p.Stream(0x10).Written())
	assert.Contains(t, logs.String(), "moved")

	want := newProcess(t, twoThreads())
	replayInOrder(t, want)
	assert.Equal(t, want.Snapshot(), p.Snapshot())

	out, err = p.MoveToStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnd, out)
	assert.Equal(t, start, p.Snapshot())

	out, err = p.MoveToStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmoved, out)

	s := p.Stats()
	assert.NotZero(t, s.Blocks)
	assert.Equal(t, uint64(1), s.Events(rewind.EventMalloc))
}

func TestMoveStepwise(t *testing.T) {
	p := newProcess(t, twoThreads())
	ctx := context.Background()

	states := []sharedSnapshot{shared(p)}
	for pt := uint64(1); pt <= p.FinalProcessTime(); pt++ {
		out, err := p.MoveForward(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomePredicate, out)
		require.Equal(t, pt, p.ProcessTime())
		states = append(states, shared(p))
	}
	out, err := p.MoveForward(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnd, out)
	assert.Equal(t, p.FinalProcessTime(), p.ProcessTime())

	for pt := p.FinalProcessTime(); pt > 0; pt-- {
		out, err := p.MoveBackward(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomePredicate, out)
		require.Equal(t, pt-1, p.ProcessTime())
		require.Equal(t, states[pt-1], shared(p), "process time %d", pt-1)
	}
	out, err = p.MoveBackward(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnd, out)
	for _, th := range p.Threads() {
		assert.True(t, th.AtBegin(), "thread %d", th.ID())
	}
}

func TestMoveToTime(t *testing.T) {
	p := newProcess(t, twoThreads())
	ctx := context.Background()
	area := memory.Area{Start: 0x2000, Size: 4}

	out, err := p.MoveToTime(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(3), p.ProcessTime())
	assert.Equal(t, []byte{1, 2, 3, 4}, p.Memory().Region(area).Bytes)

	out, err = p.MoveToTime(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, []byte{5, 2, 3, 4}, p.Memory().Region(area).Bytes)
	assert.Equal(t, uint64(4), p.Thread(2).ProcessTime())

	out, err = p.MoveToTime(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(1), p.ProcessTime())
	assert.Equal(t, memory.Uninitialized, p.Memory().Classify(area))

	out, err = p.MoveToTime(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmoved, out)
}

func TestMoveThread(t *testing.T) {
	p := newProcess(t, twoThreads())
	ctx := context.Background()
	t1, t2 := p.Thread(1), p.Thread(2)

	out, err := p.MoveThreadForward(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	require.Len(t, t2.CallStack(), 1)
	assert.True(t, t1.AtBegin())

	// Thread 2's next block needs thread 1's malloc.
	before := t2.Cursor().Offset()
	out, err = p.MoveThreadForward(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out)
	assert.Equal(t, before, t2.Cursor().Offset())
	assert.Equal(t, NoBlock, t2.TopFunction().ActiveBlock())

	// Thread 1 keeps its malloc and stops before the block that needs
	// thread 2's store.
	out, err = p.MoveThreadToEnd(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out)
	assert.Equal(t, uint64(1), p.ProcessTime())
	assert.Equal(t, uint32(0), t1.TopFunction().ActiveBlock())
	assert.Equal(t, rewind.EventBasicBlockStart, t1.Cursor().Type())

	out, err = p.MoveThreadForward(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(2), p.ProcessTime())

	out, err = p.MoveThreadBackward(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(1), p.ProcessTime())
	assert.Equal(t, before, t2.Cursor().Offset())
}

func TestMoveThreadToTime(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.FunctionStart(b.Function(0x400000))
	for i := range uint32(3) {
		th.BasicBlock(i)
		th.Instruction(i)
	}
	th.FunctionEnd()
	p := newProcess(t, b)
	ctx := context.Background()
	t1 := p.Thread(1)

	out, err := p.MoveThreadToTime(ctx, t1, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(3), t1.ThreadTime())
	assert.Equal(t, uint32(1), t1.TopFunction().ActiveBlock())

	out, err = p.MoveThreadToTime(ctx, t1, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmoved, out)

	out, err = p.MoveThreadToTime(ctx, t1, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint64(1), t1.ThreadTime())
	require.Len(t, t1.CallStack(), 1)

	out, err = p.MoveThreadToTime(ctx, t1, 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnd, out)
	assert.True(t, t1.AtEnd())
	assert.Equal(t, uint64(5), t1.ThreadTime())
}

func TestMoveUntilThreadPredicate(t *testing.T) {
	p := newProcess(t, twoThreads())
	out, err := p.MoveForwardUntil(context.Background(), Predicates{
		Thread: map[uint32]func(*ThreadState) bool{
			2: func(t *ThreadState) bool {
				fs := t.TopFunction()
				return fs != nil && fs.ActiveBlock() == 1
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.Equal(t, uint32(1), p.Thread(2).TopFunction().ActiveBlock())
	assert.GreaterOrEqual(t, p.ProcessTime(), uint64(4))
	assert.Less(t, p.ProcessTime(), uint64(6))
}

func TestMoveBusy(t *testing.T) {
	p := newProcess(t, twoThreads())
	ctx := context.Background()
	var inner error
	out, err := p.MoveForwardUntil(ctx, Predicates{
		Process: func(p *ProcessState) bool {
			_, inner = p.MoveToEnd(ctx)
			return true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePredicate, out)
	assert.ErrorIs(t, inner, ErrBusy)
	assert.Equal(t, uint64(1), p.ProcessTime())
}

func TestMoveCanceled(t *testing.T) {
	p := newProcess(t, twoThreads())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.MoveToEnd(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.ProcessTime())
}

func TestMoveDeadlock(t *testing.T) {
	b := tracegen.New()
	b.Thread().Raw(rewind.Event{Type: rewind.EventMalloc, ProcessTime: 2, Address: 0x2000, Size: 8})
	p := newProcess(t, b)
	_, err := p.MoveToEnd(context.Background())
	assert.ErrorIs(t, err, rewind.ErrCorruptEventStream)
	assert.Zero(t, p.ProcessTime())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "unmoved", OutcomeUnmoved.String())
	assert.Equal(t, "predicate", OutcomePredicate.String())
	assert.Equal(t, "end", OutcomeEnd.String())
	assert.Equal(t, "blocked", OutcomeBlocked.String())
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
}
