// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rewind

import (
	"errors"
	"fmt"
)

var (
	// ErrInputNotFound is returned when the trace path does not exist.
	ErrInputNotFound = errors.New("input not found")

	// ErrUnknownFileType is returned when the input is neither a raw
	// trace nor an archive containing one.
	ErrUnknownFileType = errors.New("unknown file type")

	// ErrMalformedTrace is returned when the container is structurally
	// invalid: bad magic, missing or duplicated blocks, bad offsets.
	ErrMalformedTrace = errors.New("malformed trace")

	// ErrVersionMismatch is returned when the process metadata was
	// written with a different format version.
	ErrVersionMismatch = errors.New("trace format version mismatch")

	// ErrCorruptEventStream indicates that an event references state
	// that does not exist. Replay cannot continue past it.
	ErrCorruptEventStream = errors.New("corrupt event stream")
)

// CorruptError describes a corrupt event stream at a specific event.
//
// It unwraps to ErrCorruptEventStream.
type CorruptError struct {
	// Thread is the ID of the thread whose stream is corrupt.
	// Zero if the problem isn't attributable to a thread.
	Thread uint32

	// Offset is the logical offset of the offending event, or
	// NoOffset if unknown.
	Offset uint64

	// Type is the type of the offending event, if known.
	Type EventType

	// Reason describes the problem.
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Offset == NoOffset {
		return fmt.Sprintf("%v: thread %d: %s", ErrCorruptEventStream, e.Thread, e.Reason)
	}
	return fmt.Sprintf("%v: thread %d @ %d (%v): %s", ErrCorruptEventStream, e.Thread, e.Offset, e.Type, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorruptEventStream
}

// Corruptf creates a new CorruptError for the event ev found in thread
// at offset.
func Corruptf(thread uint32, offset uint64, typ EventType, format string, args ...interface{}) error {
	return &CorruptError{
		Thread: thread,
		Offset: offset,
		Type:   typ,
		Reason: fmt.Sprintf(format, args...),
	}
}

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedTrace, fmt.Sprintf(format, args...))
}
