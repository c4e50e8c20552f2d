// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/internal/config"
	"github.com/mknyszek/rewind/state"
)

// rootOptions holds the persistent flags and what is derived from them
// before any subcommand runs.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand creates the root command with every subcommand.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rewind",
		Short: "Replay execution traces forward and backward",
		Long: `rewind reads an execution trace recorded from an instrumented program
and reconstructs the program's state at any point in its execution.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newPrintCommand(opts))
	cmd.AddCommand(newStatCommand(opts))
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading configuration", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "configuring logger", err)
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// open opens the trace at path and creates a process state for it. The
// returned function closes the trace.
func (o *rootOptions) open(path string) (*state.ProcessState, func(), error) {
	topts := []rewind.Option{rewind.WithLogger(o.logger)}
	if o.cfg.TempDir != "" {
		topts = append(topts, rewind.WithTempDir(o.cfg.TempDir))
	}
	tr, err := rewind.Open(path, topts...)
	if err != nil {
		return nil, nil, traceError("opening trace", err)
	}
	closeTrace := func() {
		if err := tr.Close(); err != nil {
			o.logger.Warn("closing trace", "path", path, "err", err)
		}
	}
	p, err := state.New(tr, state.WithLogger(o.logger))
	if err != nil {
		closeTrace()
		return nil, nil, traceError("loading process state", err)
	}
	return p, closeTrace, nil
}
