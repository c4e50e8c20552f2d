// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mknyszek/rewind/state"
)

func newPrintCommand(opts *rootOptions) *cobra.Command {
	var at uint64
	cmd := &cobra.Command{
		Use:   "print <trace>",
		Short: "Print the process state at a point in time",
		Long: `print replays the trace to the given process time, or to the end of the
trace if no time is given, and prints the state of every thread,
allocation and stream.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeTrace, err := opts.open(args[0])
			if err != nil {
				return err
			}
			defer closeTrace()

			var outcome state.Outcome
			if cmd.Flags().Changed("time") {
				if final := p.FinalProcessTime(); at > final {
					return NewExitError(ExitCommandError, fmt.Sprintf("time %d is past the end of the trace (%d)", at, final))
				}
				outcome, err = p.MoveToTime(cmd.Context(), at)
			} else {
				outcome, err = p.MoveToEnd(cmd.Context())
			}
			if err != nil {
				return traceError("replaying", err)
			}
			opts.logger.Debug("moved", "outcome", outcome, "time", p.ProcessTime())
			if err := state.Fprint(cmd.OutOrStdout(), p); err != nil {
				return WrapExitError(ExitFailure, "printing state", err)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&at, "time", 0, "process time to move to (default: end of trace)")
	return cmd
}
