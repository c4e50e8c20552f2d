package memory

import "fmt"

// AssistKind is the kind of an overwrite-assist record.
type AssistKind uint8

const (
	// AssistOverwrite describes a fragment that was wholly destroyed
	// by a write.
	AssistOverwrite AssistKind = iota

	// AssistFragment describes the destroyed part of a fragment that
	// extends beyond the write. It is always followed by an
	// AssistTrimmed or AssistSplit for the same fragment.
	AssistFragment

	// AssistTrimmed describes a fragment that lost one of its ends to
	// a write.
	AssistTrimmed

	// AssistSplit describes a fragment that was split in two by a
	// write landing in its middle.
	AssistSplit
)

func (k AssistKind) String() string {
	switch k {
	case AssistOverwrite:
		return "overwrite"
	case AssistFragment:
		return "fragment"
	case AssistTrimmed:
		return "trimmed"
	case AssistSplit:
		return "split"
	}
	return fmt.Sprintf("AssistKind(%d)", uint8(k))
}

// Assist records enough about one fragment destroyed by a write to
// restore it when the write is rewound.
type Assist struct {
	Kind AssistKind

	// Origin and Area are the origin of the fragment and the part of
	// it that was destroyed (AssistOverwrite, AssistFragment).
	Origin Origin
	Area   Area

	// Piece is the start of the piece that survived (AssistTrimmed) or
	// of the right-hand piece (AssistSplit).
	Piece uint64

	// Prior is the whole fragment before the write (AssistTrimmed,
	// AssistSplit).
	Prior Area
}

// overwritten returns the chain of assists describing every fragment
// a write over area would destroy, in address order.
func (a *Allocation) overwritten(area Area) []Assist {
	var chain []Assist
	for _, f := range a.fragments {
		if !f.Overlaps(area) {
			continue
		}
		lost := f.Intersect(area)
		switch {
		case area.ContainsArea(f.Area):
			chain = append(chain, Assist{Kind: AssistOverwrite, Origin: f.Origin, Area: f.Area})
		case f.Start < area.Start && f.End() > area.End():
			chain = append(chain,
				Assist{Kind: AssistFragment, Origin: f.Origin, Area: lost},
				Assist{Kind: AssistSplit, Piece: area.End(), Prior: f.Area})
		case f.Start < area.Start:
			chain = append(chain,
				Assist{Kind: AssistFragment, Origin: f.Origin, Area: lost},
				Assist{Kind: AssistTrimmed, Piece: f.Start, Prior: f.Area})
		default:
			chain = append(chain,
				Assist{Kind: AssistFragment, Origin: f.Origin, Area: lost},
				Assist{Kind: AssistTrimmed, Piece: area.End(), Prior: f.Area})
		}
	}
	return chain
}

// replay rebuilds the fragments of area from chain. The bytes and
// initialization of area must already be restored, and no fragment may
// overlap area.
func (a *Allocation) replay(area Area, chain []Assist) error {
	var pending *Assist
	mismatch := func(i int, format string, args ...interface{}) error {
		return fmt.Errorf("%w: assist %d (%v) for %v: %s", ErrChainMismatch, i, chain[i].Kind, area, fmt.Sprintf(format, args...))
	}
	for i := range chain {
		as := &chain[i]
		switch as.Kind {
		case AssistOverwrite, AssistFragment:
			if pending != nil {
				return mismatch(i, "fragment %v was not trimmed or split", pending.Area)
			}
			if as.Area.Size == 0 || !area.ContainsArea(as.Area) {
				return mismatch(i, "%v is not within the written area", as.Area)
			}
			if as.Kind == AssistFragment {
				pending = as
				continue
			}
			a.insert(Fragment{as.Area, as.Origin})
		case AssistTrimmed:
			if pending == nil {
				return mismatch(i, "no destroyed fragment precedes it")
			}
			j := a.fragmentAt(as.Piece)
			if j < 0 || a.fragments[j].Origin != pending.Origin {
				return mismatch(i, "no surviving piece at %#x", as.Piece)
			}
			piece := a.fragments[j]
			start, end := min(piece.Start, pending.Area.Start), max(piece.End(), pending.Area.End())
			if piece.End() != pending.Area.Start && pending.Area.End() != piece.Start ||
				(Area{start, end - start}) != as.Prior {
				return mismatch(i, "pieces %v and %v don't form %v", piece.Area, pending.Area, as.Prior)
			}
			a.fragments = append(a.fragments[:j], a.fragments[j+1:]...)
			a.insert(Fragment{as.Prior, pending.Origin})
			pending = nil
		case AssistSplit:
			if pending == nil {
				return mismatch(i, "no destroyed fragment precedes it")
			}
			l, r := a.fragmentAt(as.Prior.Start), a.fragmentAt(as.Piece)
			if l < 0 || r < 0 || a.fragments[l].Origin != pending.Origin || a.fragments[r].Origin != pending.Origin {
				return mismatch(i, "missing pieces of %v", as.Prior)
			}
			left, right := a.fragments[l], a.fragments[r]
			if left.End() != pending.Area.Start || pending.Area.End() != right.Start || right.End() != as.Prior.End() {
				return mismatch(i, "pieces %v, %v and %v don't form %v", left.Area, pending.Area, right.Area, as.Prior)
			}
			a.fragments[l] = Fragment{as.Prior, pending.Origin}
			a.fragments = append(a.fragments[:r], a.fragments[r+1:]...)
			pending = nil
		default:
			return mismatch(i, "unknown kind")
		}
	}
	if pending != nil {
		return fmt.Errorf("%w: fragment %v was not trimmed or split", ErrChainMismatch, pending.Area)
	}
	return nil
}
