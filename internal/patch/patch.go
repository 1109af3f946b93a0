// Package patch implements the Patch Composer (C4): converting a diff
// engine's op list into positional edits against a base string, detecting
// whether two edits conflict, and splicing a set of edits back together.
// It also implements the auto-merge algorithm (spec.md §1 item 3): composing
// two edit streams against their common ancestor when they touch disjoint
// regions of the text.
package patch

import (
	"errors"
	"sort"
	"strings"

	"github.com/transcriptlab/vte/internal/diff"
)

// ErrUnmergeable is returned by Merge when the two edit streams touch an
// overlapping region of base and cannot be composed automatically.
var ErrUnmergeable = errors.New("patch: edits overlap, cannot auto-merge")

// Merge composes d1 and d2 — two independent edit streams computed against
// the same base — into a single text carrying both sets of changes. It
// returns ErrUnmergeable if any edit in d1 overlaps any edit in d2.
func Merge(base string, d1, d2 []diff.Op) (string, error) {
	e1 := ToEdits(base, d1)
	e2 := ToEdits(base, d2)

	for _, a := range e1 {
		for _, b := range e2 {
			if Overlaps(a, b) {
				return "", ErrUnmergeable
			}
		}
	}

	merged := make([]Edit, 0, len(e1)+len(e2))
	merged = append(merged, e1...)
	merged = append(merged, e2...)
	return Apply(base, merged), nil
}

// Edit is a positional replacement of base[Start:End) with Ins. A pure
// insertion has Start == End.
type Edit struct {
	Start int
	End   int
	Ins   string
}

// ToEdits walks ops left to right, tracking a cursor into base. A delete
// opens a pending replacement [pos, pos+len(segment)); a following insert
// fills Ins; an equal op (or end of stream) flushes the pending edit, using
// Ins="" if no insert followed the delete. A lone insert with no preceding
// delete yields a pure insertion (Start == End == pos).
func ToEdits(base string, ops []diff.Op) []Edit {
	var edits []Edit
	pos := 0
	pending := false
	cur := Edit{}

	flush := func() {
		if pending {
			edits = append(edits, cur)
			pending = false
		}
	}

	for _, op := range ops {
		switch op.Code {
		case 0:
			flush()
			pos += len(op.Segment)
		case -1:
			flush()
			cur = Edit{Start: pos, End: pos + len(op.Segment)}
			pending = true
			pos += len(op.Segment)
		case 1:
			if pending {
				cur.Ins += op.Segment
			} else {
				edits = append(edits, Edit{Start: pos, End: pos, Ins: op.Segment})
			}
		}
	}
	flush()
	return edits
}

// Overlaps reports whether e1 and e2 touch the same region of base. Two
// pure insertions overlap iff their starts are equal; an insertion overlaps
// a replacement iff its position lies in [r.Start, r.End); two replacements
// overlap iff their ranges strictly intersect.
func Overlaps(e1, e2 Edit) bool {
	i1 := e1.Start == e1.End
	i2 := e2.Start == e2.End

	switch {
	case i1 && i2:
		return e1.Start == e2.Start
	case i1 && !i2:
		return e1.Start >= e2.Start && e1.Start < e2.End
	case !i1 && i2:
		return e2.Start >= e1.Start && e2.Start < e1.End
	default:
		return e1.Start < e2.End && e2.Start < e1.End
	}
}

// Apply sorts edits by Start descending (ties broken by larger End first)
// and splices them into base. Applying in descending position order keeps
// earlier offsets valid as later (numerically smaller) edits are spliced.
func Apply(base string, edits []Edit) string {
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start > sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	var b strings.Builder
	b.Grow(len(base))
	b.WriteString(base)
	out := b.String()

	for _, e := range sorted {
		out = out[:e.Start] + e.Ins + out[e.End:]
	}
	return out
}
