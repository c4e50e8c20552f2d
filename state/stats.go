package state

import (
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mknyszek/rewind"
)

// Stats is a sample of statistics produced while replaying.
type Stats struct {
	// Applied is the number of events applied in the forward
	// direction, including those applied during rollbacks.
	Applied uint64

	// Undone is the number of events undone.
	Undone uint64

	// Blocks is the number of whole blocks stepped over by movements.
	Blocks uint64

	// Rollbacks is the number of partially moved blocks that were
	// rolled back because a movement completed elsewhere.
	Rollbacks uint64

	// Waits is the number of times a movement waited for another
	// thread to catch up.
	Waits uint64

	// events counts applied events by type.
	events map[rewind.EventType]uint64
}

func (s *Stats) count(typ rewind.EventType) {
	if s.events == nil {
		s.events = make(map[rewind.EventType]uint64)
	}
	s.events[typ]++
}

func (s *Stats) clone() Stats {
	c := *s
	c.events = maps.Clone(s.events)
	return c
}

// EventTypes returns the types of the events that were applied, in
// increasing order.
func (s *Stats) EventTypes() []rewind.EventType {
	types := make([]rewind.EventType, 0, len(s.events))
	for typ := range s.events {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

// Events returns how many events of type typ were applied.
func (s *Stats) Events(typ rewind.EventType) uint64 {
	return s.events[typ]
}

// Add adds the statistics in o to s.
func (s *Stats) Add(o *Stats) {
	s.Applied += o.Applied
	s.Undone += o.Undone
	s.Blocks += o.Blocks
	s.Rollbacks += o.Rollbacks
	s.Waits += o.Waits
	for typ, n := range o.events {
		if s.events == nil {
			s.events = make(map[rewind.EventType]uint64)
		}
		s.events[typ] += n
	}
}

// Fprint writes the statistics as an aligned table.
func (s *Stats) Fprint(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, row := range []struct {
		name string
		v    uint64
	}{
		{"applied", s.Applied},
		{"undone", s.Undone},
		{"blocks", s.Blocks},
		{"rollbacks", s.Rollbacks},
		{"waits", s.Waits},
	} {
		fmt.Fprintf(tw, "%s\t%d\n", row.name, row.v)
	}
	for _, typ := range s.EventTypes() {
		fmt.Fprintf(tw, "  %v\t%d\n", typ, s.events[typ])
	}
	return tw.Flush()
}
