// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/exp/mmap"
)

// ArchivePattern matches the names of traces inside archives.
const ArchivePattern = "trace/*.seec"

type fileType int

const (
	fileUnknown fileType = iota
	fileTrace
	fileArchive
)

func sniff(name string) (fileType, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileUnknown, fmt.Errorf("%w: %s", ErrInputNotFound, name)
		}
		return fileUnknown, err
	}
	defer f.Close()

	var header [len(Magic)]byte
	n, err := io.ReadFull(f, header[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fileUnknown, err
	}
	switch h := string(header[:n]); {
	case h == Magic:
		return fileTrace, nil
	case len(h) >= 4 && (h[:4] == "PK\x03\x04" || h[:4] == "PK\x05\x06"):
		return fileArchive, nil
	}
	return fileUnknown, fmt.Errorf("%w: %s", ErrUnknownFileType, name)
}

// Open opens the trace at the given path. The path may name either a
// raw trace or a zip archive containing one under ArchivePattern, in
// which case the trace is extracted to a temporary directory that is
// removed by Close.
//
// The raw trace is memory-mapped only while NewTrace reads its blocks
// into memory. The returned Trace holds no reference to the file.
func Open(name string, opts ...Option) (*Trace, error) {
	cfg := newConfig(opts)
	typ, err := sniff(name)
	if err != nil {
		return nil, err
	}
	var cleanup []func() error
	if typ == fileArchive {
		dir, extracted, err := extract(name, cfg.tempDir)
		if err != nil {
			return nil, err
		}
		cfg.logger.Info("extracted trace from archive",
			slog.String("archive", name),
			slog.String("trace", extracted))
		cleanup = append(cleanup, func() error { return os.RemoveAll(dir) })
		name = extracted
		if typ, err = sniff(name); err != nil || typ != fileTrace {
			os.RemoveAll(dir)
			return nil, malformedf("archive entry is not a trace")
		}
	}
	r, err := mmap.Open(name)
	if err != nil {
		runCleanup(cleanup)
		return nil, fmt.Errorf("mapping trace: %w", err)
	}
	t, err := NewTrace(r, opts...)
	if cerr := r.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("unmapping trace: %w", cerr)
	}
	if err != nil {
		runCleanup(cleanup)
		return nil, err
	}
	t.cleanup = cleanup
	return t, nil
}

func runCleanup(fns []func() error) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// extract copies the first trace in the archive to a new temporary
// directory under root, returning the directory and the trace path.
func extract(name, root string) (string, string, error) {
	zr, err := zip.OpenReader(name)
	if err != nil {
		return "", "", malformedf("opening archive: %v", err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if ok, _ := path.Match(ArchivePattern, f.Name); ok {
			entry = f
			break
		}
	}
	if entry == nil {
		return "", "", malformedf("archive contains no %s entry", ArchivePattern)
	}

	dir, err := os.MkdirTemp(root, "rewind-")
	if err != nil {
		return "", "", fmt.Errorf("creating temporary directory: %w", err)
	}
	out := filepath.Join(dir, path.Base(entry.Name))
	if err := copyEntry(entry, out); err != nil {
		os.RemoveAll(dir)
		return "", "", err
	}
	return dir, out, nil
}

func copyEntry(entry *zip.File, out string) error {
	rc, err := entry.Open()
	if err != nil {
		return malformedf("opening %s: %v", entry.Name, err)
	}
	defer rc.Close()
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return malformedf("extracting %s: %v", entry.Name, err)
	}
	return f.Close()
}
