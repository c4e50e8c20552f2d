// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/rewind"
	"github.com/mknyszek/rewind/tracegen"
)

// sharedBuffer builds a trace where two threads fill and free a shared
// buffer.
func sharedBuffer() *tracegen.Builder {
	b := tracegen.New()
	b.Stream(0x10, "stdout", "w")
	f := b.Function(0x400000)
	t1, t2 := b.Thread(), b.Thread()
	t1.FunctionStart(f)
	t2.FunctionStart(f)
	t1.BasicBlock(0)
	t1.Malloc(0x2000, 8)
	t2.BasicBlock(0)
	t2.Store(0x2000, []byte{1, 2, 3, 4})
	t1.BasicBlock(1)
	t1.FileWrite(0x10, []byte("ok\n"))
	t2.BasicBlock(1)
	t2.Free(0x2000)
	t1.FunctionEnd()
	t2.FunctionEnd()
	return b
}

func writeTrace(t *testing.T, b *tracegen.Builder) string {
	t.Helper()
	buf, err := b.Bytes()
	require.NoError(t, err)
	name := filepath.Join(t.TempDir(), "trace.seec")
	require.NoError(t, os.WriteFile(name, buf, 0o644))
	return name
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("REWIND_SPINNER", "false")
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"check", "print", "stat"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	printCmd, _, err := cmd.Find([]string{"print"})
	require.NoError(t, err)
	assert.NotNil(t, printCmd.Flags().Lookup("time"))
}

func TestCheck(t *testing.T) {
	stdout, _, err := run(t, "check", writeTrace(t, sharedBuffer()))
	require.NoError(t, err)
	assert.Contains(t, stdout, "Threads:      2\n")
	assert.Contains(t, stdout, "Mallocs:      1\n")
	assert.Contains(t, stdout, "Frees:        1\n")
	assert.Contains(t, stdout, "Process time: 4\n")
	assert.Contains(t, stdout, "OK\n")
}

func TestCheckSpinner(t *testing.T) {
	name := writeTrace(t, sharedBuffer())
	t.Setenv("REWIND_SPINNER", "true")
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"check", name})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, stderr.String(), "Forward... 100.0%\n")
	assert.Contains(t, stderr.String(), "Backward... 0.0%\n")
}

func TestCheckDoubleFree(t *testing.T) {
	b := tracegen.New()
	th := b.Thread()
	th.Malloc(0x2000, 8)
	th.Free(0x2000)
	th.Raw(rewind.Event{Type: rewind.EventFree, ProcessTime: 2, Address: 0x2000})

	_, stderr, err := run(t, "check", writeTrace(t, b))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "found 1 errors in trace:")
	assert.Contains(t, stderr, "freed free slot 0x2000")
}

func TestPrint(t *testing.T) {
	name := writeTrace(t, sharedBuffer())

	stdout, _, err := run(t, "print", name)
	require.NoError(t, err)
	assert.Contains(t, stdout, "process time 4 of 4\n")
	assert.Contains(t, stdout, `"ok\n"`)

	stdout, _, err = run(t, "print", "--time", "2", name)
	require.NoError(t, err)
	assert.Contains(t, stdout, "process time 2 of 4\n")
	assert.Contains(t, stdout, "bytes 01 02 03 04 00 00 00 00\n")

	_, _, err = run(t, "print", "--time", "9", name)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStat(t *testing.T) {
	stdout, _, err := run(t, "stat", writeTrace(t, sharedBuffer()))
	require.NoError(t, err)
	assert.Contains(t, stdout, "process time 4\n")
	assert.Contains(t, stdout, "thread 1 ")
	assert.Contains(t, stdout, "thread 2 ")
	assert.Contains(t, stdout, "  Malloc ")
	assert.Contains(t, stdout, "  FileWrite ")
	assert.Contains(t, stdout, "  Free ")
	assert.Contains(t, stdout, "malloc sizes (1 allocations)\n")
}

func TestSizeHist(t *testing.T) {
	h := newSizeHist()
	for _, size := range []uint64{1 << 20, 16, 0, 16, smallSizes, smallSizes + 1, 1 << 20} {
		h.add(size)
	}
	type bin struct{ size, count uint64 }
	var got []bin
	h.forEach(func(size, count uint64) {
		got = append(got, bin{size, count})
	})
	assert.Equal(t, []bin{{0, 1}, {16, 2}, {smallSizes, 1}, {smallSizes + 1, 1}, {1 << 20, 2}}, got)
	assert.Equal(t, uint64(7), h.total)
}

func TestErrors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		_, _, err := run(t, "check", filepath.Join(t.TempDir(), "missing"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.ErrorIs(t, err, rewind.ErrInputNotFound)
	})
	t.Run("UnknownFileType", func(t *testing.T) {
		name := filepath.Join(t.TempDir(), "junk")
		require.NoError(t, os.WriteFile(name, []byte("not a trace at all"), 0o644))
		_, _, err := run(t, "stat", name)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.ErrorIs(t, err, rewind.ErrUnknownFileType)
	})
	t.Run("Malformed", func(t *testing.T) {
		name := filepath.Join(t.TempDir(), "short")
		require.NoError(t, os.WriteFile(name, []byte(rewind.Magic+"\x09"), 0o644))
		_, _, err := run(t, "print", name)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, rewind.ErrMalformedTrace)
	})
	t.Run("Args", func(t *testing.T) {
		_, _, err := run(t, "check")
		assert.Error(t, err)
	})
	t.Run("LogLevel", func(t *testing.T) {
		_, _, err := run(t, "--log-level", "loud", "stat", writeTrace(t, sharedBuffer()))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
	t.Run("Config", func(t *testing.T) {
		cfg := filepath.Join(t.TempDir(), "rewind.yaml")
		require.NoError(t, os.WriteFile(cfg, []byte("bogus: 1\n"), 0o644))
		_, _, err := run(t, "--config", cfg, "stat", writeTrace(t, sharedBuffer()))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	err := WrapExitError(ExitCommandError, "opening", rewind.ErrInputNotFound)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "opening: input not found", err.Error())
	assert.Equal(t, "bad", NewExitError(ExitFailure, "bad").Error())
}
