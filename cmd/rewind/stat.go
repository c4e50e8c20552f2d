// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/state"
)

func newStatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <trace>",
		Short: "Print per-thread event counts",
		Long: `stat replays the whole trace and prints, for every thread, the number of
events of each type it applied, followed by the distribution of dynamic
allocation sizes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeTrace, err := opts.open(args[0])
			if err != nil {
				return err
			}
			defer closeTrace()

			outcome, err := p.MoveToEnd(cmd.Context())
			if err != nil {
				return traceError("replaying", err)
			}
			if outcome == state.OutcomeBlocked {
				return NewExitError(ExitFailure, fmt.Sprintf("replay blocked at process time %d", p.ProcessTime()))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "process time %d\n", p.ProcessTime())
			hist := newSizeHist()
			for _, t := range p.Threads() {
				fmt.Fprintf(out, "\nthread %d (%d bytes)\n", t.ID(), t.Trace().Len())
				s := t.Stats()
				if err := s.Fprint(out); err != nil {
					return WrapExitError(ExitFailure, "printing stats", err)
				}
				for c := t.Trace().Begin(); !c.AtEnd(); c.Next() {
					if c.Type() == rewind.EventMalloc {
						hist.add(c.Event().Size)
					}
				}
			}
			if hist.total == 0 {
				return nil
			}
			fmt.Fprintf(out, "\nmalloc sizes (%d allocations)\n", hist.total)
			tw := tabwriter.NewWriter(out, 0, 8, 1, ' ', tabwriter.AlignRight)
			hist.forEach(func(size, count uint64) {
				fmt.Fprintf(tw, "%d\t%d\t\n", size, count)
			})
			return tw.Flush()
		},
	}
}
