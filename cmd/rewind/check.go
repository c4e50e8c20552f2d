// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"reflect"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/cmd/internal/spinner"
	"github.com/mknyszek/rewind/memory"
	"github.com/mknyszek/rewind/state"
)

const maxErrors = 20

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <trace>",
		Short: "Sanity-check a trace and replay it in both directions",
		Long: `check scans the trace's dynamic allocations for reuse without free and
double frees, then replays the whole trace forward and backward and
verifies that the process returns to its initial state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, args[0])
		},
	}
}

// allocEvent is a dynamic allocation event positioned in process time.
type allocEvent struct {
	thread uint32
	offset uint64
	ev     rewind.Event
}

func runCheck(cmd *cobra.Command, opts *rootOptions, path string) error {
	out := cmd.OutOrStdout()
	p, closeTrace, err := opts.open(path)
	if err != nil {
		return err
	}
	defer closeTrace()

	fmt.Fprintln(out, "Checking allocations...")
	allocs, frees, problems := scanAllocations(p.Trace())
	if len(problems) != 0 {
		reportProblems(cmd.ErrOrStderr(), problems)
		return NewExitError(ExitFailure, fmt.Sprintf("found %d allocation errors", len(problems)))
	}

	fmt.Fprintln(out, "Replaying...")
	start := p.Snapshot()
	ctx := cmd.Context()
	replay := func(move func() (state.Outcome, error), format string) error {
		var s *spinner.Spinner
		if opts.cfg.Spinner {
			s = spinner.Start(p.Progress,
				spinner.Format(format),
				spinner.Period(opts.cfg.SpinnerPeriod),
				spinner.Output(cmd.ErrOrStderr()))
		}
		outcome, err := move()
		if s != nil {
			s.Stop()
		}
		if err != nil {
			return traceError("replaying", err)
		}
		if outcome == state.OutcomeBlocked {
			return NewExitError(ExitFailure, fmt.Sprintf("replay blocked at process time %d", p.ProcessTime()))
		}
		return nil
	}
	if err := replay(func() (state.Outcome, error) { return p.MoveToEnd(ctx) }, "Forward... %.1f%%"); err != nil {
		return err
	}
	final := p.ProcessTime()
	stats := p.Stats()
	if err := replay(func() (state.Outcome, error) { return p.MoveToStart(ctx) }, "Backward... %.1f%%"); err != nil {
		return err
	}
	if !reflect.DeepEqual(start, p.Snapshot()) {
		return NewExitError(ExitFailure, "backward replay did not restore the initial state")
	}

	fmt.Fprintf(out, "Threads:      %d\n", len(p.Threads()))
	fmt.Fprintf(out, "Events:       %d\n", stats.Applied)
	fmt.Fprintf(out, "Mallocs:      %d\n", allocs)
	fmt.Fprintf(out, "Frees:        %d\n", frees)
	fmt.Fprintf(out, "Process time: %d\n", final)
	fmt.Fprintln(out, "OK")
	return nil
}

// scanAllocations pairs every malloc with its free in process time order
// and returns the counts along with the offending events.
func scanAllocations(tr *rewind.Trace) (allocs, frees int, problems []allocEvent) {
	var evs []allocEvent
	for _, tt := range tr.Threads() {
		for c := tt.Begin(); !c.AtEnd(); c.Next() {
			switch c.Type() {
			case rewind.EventMalloc, rewind.EventFree, rewind.EventRealloc:
				evs = append(evs, allocEvent{tt.ID(), c.Offset(), c.Event()})
			}
		}
	}
	slices.SortStableFunc(evs, func(a, b allocEvent) int {
		switch {
		case a.ev.ProcessTime < b.ev.ProcessTime:
			return -1
		case a.ev.ProcessTime > b.ev.ProcessTime:
			return 1
		}
		return 0
	})

	var live memory.AddressSet
	for _, e := range evs {
		ok := true
		switch e.ev.Type {
		case rewind.EventMalloc:
			ok = live.Add(e.ev.Address)
			allocs++
		case rewind.EventFree:
			ok = live.Remove(e.ev.Address)
			frees++
		case rewind.EventRealloc:
			ok = live.Contains(e.ev.Address)
		}
		if !ok {
			problems = append(problems, e)
		}
	}
	return allocs, frees, problems
}

func reportProblems(w io.Writer, problems []allocEvent) {
	n := len(problems)
	if n > maxErrors {
		fmt.Fprintf(w, "found >%d errors in trace:\n", maxErrors)
		n = maxErrors
	} else {
		fmt.Fprintf(w, "found %d errors in trace:\n", n)
	}
	for _, e := range problems[:n] {
		var what string
		switch e.ev.Type {
		case rewind.EventMalloc:
			what = "allocated over live slot"
		case rewind.EventFree:
			what = "freed free slot"
		case rewind.EventRealloc:
			what = "resized free slot"
		}
		fmt.Fprintf(w, "  [thread %d at %d, time %d] %s 0x%x\n", e.thread, e.offset, e.ev.ProcessTime, what, e.ev.Address)
	}
	if len(problems) > maxErrors {
		fmt.Fprintln(w, "too many errors")
	}
}
