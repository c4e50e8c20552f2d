// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"io"
	"log/slog"
)

// Option is a configuration option for opening a trace.
type Option func(cfg *config)

// WithLogger returns a new configuration option that sets the
// logger used while opening and replaying a trace.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithTempDir returns a new configuration option that sets the
// directory under which archives are extracted. The default is the
// system temporary directory.
func WithTempDir(dir string) Option {
	return func(cfg *config) {
		cfg.tempDir = dir
	}
}

type config struct {
	logger  *slog.Logger
	tempDir string
}

func newConfig(opts []Option) config {
	cfg := config{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
