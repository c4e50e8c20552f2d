package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/rewind"
)

// ErrBusy is returned when a movement is requested while another one
// is in progress.
var ErrBusy = errors.New("movement already in progress")

// Outcome describes how a movement ended.
type Outcome uint8

const (
	// OutcomeUnmoved means no thread moved.
	OutcomeUnmoved Outcome = iota

	// OutcomePredicate means a predicate was satisfied.
	OutcomePredicate

	// OutcomeEnd means every moving thread reached the end (or start)
	// of its trace.
	OutcomeEnd

	// OutcomeBlocked means the moving threads could not proceed
	// without threads that were not moving.
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnmoved:
		return "unmoved"
	case OutcomePredicate:
		return "predicate"
	case OutcomeEnd:
		return "end"
	case OutcomeBlocked:
		return "blocked"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Predicates stop a movement. Process is checked after every shared
// state event and is called with the process lock held. Thread
// predicates, keyed by thread ID, are checked after their thread
// finishes a block.
type Predicates struct {
	Process func(*ProcessState) bool
	Thread  map[uint32]func(*ThreadState) bool
}

type direction uint8

const (
	forward direction = iota
	backward
)

func (d direction) String() string {
	if d == forward {
		return "forward"
	}
	return "backward"
}

// mover coordinates the workers of a single movement.
type mover struct {
	p      *ProcessState
	dir    direction
	preds  Predicates
	subset bool

	// Protected by p.mu.
	complete  bool
	satisfied bool
	blocked   bool
	active    int
	waiters   map[*ThreadState]func() bool
}

// MoveForward moves forward until the process time increases.
func (p *ProcessState) MoveForward(ctx context.Context) (Outcome, error) {
	start := p.ProcessTime()
	return p.MoveForwardUntil(ctx, Predicates{
		Process: func(p *ProcessState) bool { return p.processTime > start },
	})
}

// MoveBackward moves backward until the process time decreases.
func (p *ProcessState) MoveBackward(ctx context.Context) (Outcome, error) {
	start := p.ProcessTime()
	return p.MoveBackwardUntil(ctx, Predicates{
		Process: func(p *ProcessState) bool { return p.processTime < start },
	})
}

// MoveToTime moves in whichever direction reaches process time pt.
func (p *ProcessState) MoveToTime(ctx context.Context, pt uint64) (Outcome, error) {
	switch cur := p.ProcessTime(); {
	case pt > cur:
		return p.MoveForwardUntil(ctx, Predicates{
			Process: func(p *ProcessState) bool { return p.processTime >= pt },
		})
	case pt < cur:
		return p.MoveBackwardUntil(ctx, Predicates{
			Process: func(p *ProcessState) bool { return p.processTime <= pt },
		})
	}
	return OutcomeUnmoved, nil
}

// MoveToEnd moves every thread to the end of its trace.
func (p *ProcessState) MoveToEnd(ctx context.Context) (Outcome, error) {
	return p.MoveForwardUntil(ctx, Predicates{})
}

// MoveToStart moves every thread to the start of its trace.
func (p *ProcessState) MoveToStart(ctx context.Context) (Outcome, error) {
	return p.MoveBackwardUntil(ctx, Predicates{})
}

// MoveForwardUntil moves every thread forward until a predicate is
// satisfied or every thread is at its end.
func (p *ProcessState) MoveForwardUntil(ctx context.Context, preds Predicates) (Outcome, error) {
	return p.move(ctx, p.threads, forward, preds, false)
}

// MoveBackwardUntil moves every thread backward until a predicate is
// satisfied or every thread is at its start.
func (p *ProcessState) MoveBackwardUntil(ctx context.Context, preds Predicates) (Outcome, error) {
	return p.move(ctx, p.threads, backward, preds, false)
}

func always(*ThreadState) bool { return true }

// MoveThreadForward moves t forward by one block. Other threads don't
// move, so t may be blocked waiting on them.
func (p *ProcessState) MoveThreadForward(ctx context.Context, t *ThreadState) (Outcome, error) {
	return p.MoveThreadUntil(ctx, t, true, always)
}

// MoveThreadBackward moves t backward by one block.
func (p *ProcessState) MoveThreadBackward(ctx context.Context, t *ThreadState) (Outcome, error) {
	return p.MoveThreadUntil(ctx, t, false, always)
}

// MoveThreadUntil moves t alone, forward or backward, block by block
// until pred is satisfied.
func (p *ProcessState) MoveThreadUntil(ctx context.Context, t *ThreadState, fwd bool, pred func(*ThreadState) bool) (Outcome, error) {
	dir := backward
	if fwd {
		dir = forward
	}
	return p.move(ctx, []*ThreadState{t}, dir, Predicates{
		Thread: map[uint32]func(*ThreadState) bool{t.id: pred},
	}, true)
}

// MoveThreadToTime moves t alone, block by block, in whichever
// direction reaches thread time tt.
func (p *ProcessState) MoveThreadToTime(ctx context.Context, t *ThreadState, tt uint64) (Outcome, error) {
	switch cur := t.ThreadTime(); {
	case tt > cur:
		return p.MoveThreadUntil(ctx, t, true, func(t *ThreadState) bool { return t.threadTime >= tt })
	case tt < cur:
		return p.MoveThreadUntil(ctx, t, false, func(t *ThreadState) bool { return t.threadTime <= tt })
	}
	return OutcomeUnmoved, nil
}

// MoveThreadToEnd moves t alone as far forward as it can go.
func (p *ProcessState) MoveThreadToEnd(ctx context.Context, t *ThreadState) (Outcome, error) {
	return p.move(ctx, []*ThreadState{t}, forward, Predicates{}, true)
}

func (p *ProcessState) move(ctx context.Context, threads []*ThreadState, dir direction, preds Predicates, subset bool) (Outcome, error) {
	if !p.moving.TryLock() {
		return OutcomeUnmoved, ErrBusy
	}
	defer p.moving.Unlock()

	start, startTime := time.Now(), p.processTime
	m := &mover{
		p:       p,
		dir:     dir,
		preds:   preds,
		subset:  subset,
		active:  len(threads),
		waiters: make(map[*ThreadState]func() bool),
	}
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		m.complete = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	moved := make([]bool, len(threads))
	for i, t := range threads {
		g.Go(func() error {
			defer m.exit()
			var err error
			moved[i], err = m.run(ctx, t)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return OutcomeUnmoved, err
	}
	if m.blocked && !subset {
		return OutcomeUnmoved, fmt.Errorf("%w: every thread is waiting at process time %d", rewind.ErrCorruptEventStream, p.processTime)
	}
	outcome := OutcomeUnmoved
	for _, mv := range moved {
		if mv {
			outcome = OutcomeEnd
		}
	}
	switch {
	case m.satisfied:
		outcome = OutcomePredicate
	case m.blocked:
		outcome = OutcomeBlocked
	}
	p.logger.Debug("moved",
		"direction", dir,
		"threads", len(threads),
		"outcome", outcome,
		"from", startTime,
		"to", p.processTime,
		"elapsed", time.Since(start))
	return outcome, nil
}

func (m *mover) exit() {
	m.p.mu.Lock()
	m.active--
	m.p.mu.Unlock()
	m.p.cond.Broadcast()
}

// finish marks the movement complete because a predicate was
// satisfied. The caller holds p.mu.
func (m *mover) finish() {
	if !m.complete {
		m.complete = true
		m.satisfied = true
	}
	m.p.cond.Broadcast()
}

func (m *mover) isComplete() bool {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	return m.complete
}

// wait blocks until ready returns true, reporting false if the movement
// completed or every moving thread is waiting. The caller holds p.mu.
func (m *mover) wait(t *ThreadState, ready func() bool) bool {
	for {
		if m.complete {
			return false
		}
		if ready() {
			return true
		}
		if m.stalled() {
			m.blocked = true
			m.complete = true
			m.p.cond.Broadcast()
			return false
		}
		t.stats.Waits++
		m.waiters[t] = ready
		m.p.cond.Wait()
		delete(m.waiters, t)
	}
}

// stalled reports whether every other moving thread is waiting for a
// process time that cannot come. Waiters that were woken but have not
// run yet may be ready, so each one is asked again. The caller holds
// p.mu.
func (m *mover) stalled() bool {
	if len(m.waiters)+1 != m.active {
		return false
	}
	for _, ready := range m.waiters {
		if ready() {
			return false
		}
	}
	return true
}

// run moves t block by block until the movement completes or t has
// nowhere left to go. It reports whether t moved.
func (m *mover) run(ctx context.Context, t *ThreadState) (bool, error) {
	origin := t.next
	for {
		if err := ctx.Err(); err != nil {
			return t.next.Compare(origin) != 0, err
		}
		if m.isComplete() {
			break
		}
		var stop bool
		var err error
		if m.dir == forward {
			if t.next.AtEnd() {
				break
			}
			stop, err = m.stepForward(t)
		} else {
			if t.next.AtBegin() {
				break
			}
			stop, err = m.stepBackward(t)
		}
		if err != nil {
			m.p.mu.Lock()
			m.complete = true
			m.p.mu.Unlock()
			m.p.cond.Broadcast()
			return true, err
		}
		if stop {
			break
		}
		t.stats.Blocks++
		if pred := m.preds.Thread[t.id]; pred != nil && pred(t) {
			m.p.mu.Lock()
			m.finish()
			m.p.mu.Unlock()
			break
		}
	}
	return t.next.Compare(origin) != 0, nil
}

// stepForward applies events up to the start of the next block. If the
// movement completes first, the partial block is rolled back and stop
// is true.
func (m *mover) stepForward(t *ThreadState) (stop bool, err error) {
	p := m.p
	mark := t.next
	for {
		typ := t.next.Type()
		switch {
		case typ.HasProcessTime():
			ev := t.next.Event()
			target := ev.ProcessTime
			modifies := typ.ModifiesSharedState()
			if modifies {
				target--
			}
			p.mu.Lock()
			if !m.wait(t, func() bool { return p.processTime >= target }) {
				p.mu.Unlock()
				return true, m.rollForward(t, mark)
			}
			err = t.applyNext()
			fired := false
			if err == nil && modifies {
				mark = t.next
				if m.preds.Process != nil && m.preds.Process(p) {
					m.finish()
					fired = true
				}
			}
			p.mu.Unlock()
			p.cond.Broadcast()
			if err != nil || fired {
				return true, err
			}
		case typ.TouchesMemory():
			p.mu.Lock()
			err = t.applyNext()
			p.mu.Unlock()
		default:
			err = t.applyNext()
		}
		if err != nil {
			return true, err
		}
		if t.next.AtEnd() || t.next.Type().IsBlockStart() {
			return false, nil
		}
	}
}

// rollForward undoes the events t applied since mark.
func (m *mover) rollForward(t *ThreadState, mark rewind.Cursor) error {
	if t.next.Compare(mark) == 0 {
		return nil
	}
	t.stats.Rollbacks++
	for t.next.Compare(mark) > 0 {
		if _, err := m.undoLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// stepBackward undoes events back to the start of the current block.
func (m *mover) stepBackward(t *ThreadState) (stop bool, err error) {
	p := m.p
	mark := t.next
	for {
		c := t.next
		c.Prev()
		typ := c.Type()
		switch {
		case typ.HasProcessTime():
			ev := c.Event()
			modifies := typ.ModifiesSharedState()
			target := ev.ProcessTime
			if !modifies && target > 0 {
				target--
			}
			p.mu.Lock()
			if !m.wait(t, func() bool { return p.processTime <= target }) {
				p.mu.Unlock()
				return true, m.rollBackward(t, mark)
			}
			err = t.undoPrevious()
			fired := false
			if err == nil && modifies {
				mark = t.next
				if m.preds.Process != nil && m.preds.Process(p) {
					m.finish()
					fired = true
				}
			}
			p.mu.Unlock()
			p.cond.Broadcast()
			if err != nil || fired {
				return true, err
			}
		case typ.TouchesMemory():
			p.mu.Lock()
			err = t.undoPrevious()
			p.mu.Unlock()
		default:
			err = t.undoPrevious()
		}
		if err != nil {
			return true, err
		}
		if typ.IsBlockStart() || t.next.AtBegin() {
			return false, nil
		}
	}
}

// rollBackward reapplies the events t undid since mark.
func (m *mover) rollBackward(t *ThreadState, mark rewind.Cursor) error {
	if t.next.Compare(mark) == 0 {
		return nil
	}
	t.stats.Rollbacks++
	for t.next.Compare(mark) < 0 {
		if _, err := m.applyLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *mover) applyLocked(t *ThreadState) (bool, error) {
	if t.next.Type().TouchesMemory() {
		m.p.mu.Lock()
		defer m.p.mu.Unlock()
	}
	return true, t.applyNext()
}

func (m *mover) undoLocked(t *ThreadState) (bool, error) {
	c := t.next
	c.Prev()
	if c.Type().TouchesMemory() {
		m.p.mu.Lock()
		defer m.p.mu.Unlock()
	}
	return true, t.undoPrevious()
}
