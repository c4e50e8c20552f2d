package state

import (
	"bytes"
	"fmt"

	"golang.org/x/exp/slices"
)

// StreamState is an open output stream and everything written to it.
type StreamState struct {
	Address uint64
	Name    string
	Mode    string

	written []byte
	writes  []int
}

// Written returns the bytes written to the stream so far.
func (s *StreamState) Written() []byte {
	return slices.Clone(s.written)
}

// Writes returns the number of writes to the stream.
func (s *StreamState) Writes() int {
	return len(s.writes)
}

func (s *StreamState) write(data []byte) {
	s.written = append(s.written, data...)
	s.writes = append(s.writes, len(data))
}

func (s *StreamState) unwrite(n int) error {
	k := len(s.writes)
	if k == 0 || s.writes[k-1] != n {
		return fmt.Errorf("stream %#x: undoing a %d byte write that was not the last", s.Address, n)
	}
	s.writes = s.writes[:k-1]
	s.written = s.written[:len(s.written)-n]
	return nil
}

// DirState is an open directory.
type DirState struct {
	Address uint64
	Name    string
}

// parseStreamOpen splits FileOpen data, "name\x00mode".
func parseStreamOpen(data []byte) (name, mode string) {
	n, m, _ := bytes.Cut(data, []byte{0})
	return string(n), string(bytes.TrimRight(m, "\x00"))
}

func (p *ProcessState) openStream(addr uint64, data []byte) error {
	if _, ok := p.streams[addr]; ok {
		return fmt.Errorf("stream %#x is already open", addr)
	}
	name, mode := parseStreamOpen(data)
	p.streams[addr] = &StreamState{Address: addr, Name: name, Mode: mode}
	return nil
}

func (p *ProcessState) unopenStream(addr uint64) error {
	s, ok := p.streams[addr]
	if !ok {
		return fmt.Errorf("stream %#x is not open", addr)
	}
	if len(s.writes) != 0 {
		return fmt.Errorf("stream %#x still has %d writes", addr, len(s.writes))
	}
	delete(p.streams, addr)
	return nil
}

func (p *ProcessState) writeStream(addr uint64, data []byte) error {
	s, ok := p.streams[addr]
	if !ok {
		return fmt.Errorf("write to unknown stream %#x", addr)
	}
	s.write(data)
	return nil
}

func (p *ProcessState) unwriteStream(addr uint64, n int) error {
	s, ok := p.streams[addr]
	if !ok {
		return fmt.Errorf("undoing write to unknown stream %#x", addr)
	}
	return s.unwrite(n)
}

func (p *ProcessState) closeStream(addr uint64) error {
	s, ok := p.streams[addr]
	if !ok {
		return fmt.Errorf("closing unknown stream %#x", addr)
	}
	delete(p.streams, addr)
	p.closedStreams = append(p.closedStreams, s)
	return nil
}

func (p *ProcessState) uncloseStream(addr uint64) error {
	n := len(p.closedStreams)
	if n == 0 || p.closedStreams[n-1].Address != addr {
		return fmt.Errorf("stream %#x was not the last closed", addr)
	}
	if _, ok := p.streams[addr]; ok {
		return fmt.Errorf("stream %#x is open", addr)
	}
	p.streams[addr] = p.closedStreams[n-1]
	p.closedStreams = p.closedStreams[:n-1]
	return nil
}

func (p *ProcessState) openDir(addr uint64, data []byte) error {
	if _, ok := p.dirs[addr]; ok {
		return fmt.Errorf("directory %#x is already open", addr)
	}
	p.dirs[addr] = &DirState{Address: addr, Name: string(bytes.TrimRight(data, "\x00"))}
	return nil
}

func (p *ProcessState) unopenDir(addr uint64) error {
	if _, ok := p.dirs[addr]; !ok {
		return fmt.Errorf("directory %#x is not open", addr)
	}
	delete(p.dirs, addr)
	return nil
}

func (p *ProcessState) closeDir(addr uint64) error {
	d, ok := p.dirs[addr]
	if !ok {
		return fmt.Errorf("closing unknown directory %#x", addr)
	}
	delete(p.dirs, addr)
	p.closedDirs = append(p.closedDirs, d)
	return nil
}

func (p *ProcessState) uncloseDir(addr uint64) error {
	n := len(p.closedDirs)
	if n == 0 || p.closedDirs[n-1].Address != addr {
		return fmt.Errorf("directory %#x was not the last closed", addr)
	}
	if _, ok := p.dirs[addr]; ok {
		return fmt.Errorf("directory %#x is open", addr)
	}
	p.dirs[addr] = p.closedDirs[n-1]
	p.closedDirs = p.closedDirs[:n-1]
	return nil
}
