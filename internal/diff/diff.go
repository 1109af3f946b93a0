// Package diff implements the Diff Engine (C3): a deterministic, invertible
// edit-script generator between two strings. It is pure — it owns no state
// and performs no I/O — and is safe to call concurrently from any number of
// goroutines.
package diff

import (
	"strings"
	"time"

	"github.com/transcriptlab/vte/internal/canonical"
)

// Op is one element of an edit script. Code is -1 (delete, payload came
// only from the old text), 0 (equal, payload is shared), or +1 (insert,
// payload came only from the new text).
type Op struct {
	Code    int
	Segment string
}

// DefaultTimeBudget bounds how long the line/word refinement cascade may
// run before the engine drops to a coarser character-level strategy.
const DefaultTimeBudget = 800 * time.Millisecond

// Diff produces ops for (a, b) using DefaultTimeBudget.
func Diff(a, b string) []Op {
	return DiffWithBudget(a, b, DefaultTimeBudget)
}

// DiffWithBudget is Diff with an explicit soft time budget for the
// line/word refinement stages. Exhausting the budget never fails the
// call; it only pushes the engine toward coarser, cheaper strategies,
// and the last-resort replace always succeeds.
func DiffWithBudget(a, b string, budget time.Duration) []Op {
	ca := canonical.Canonicalize(a)
	cb := canonical.Canonicalize(b)
	if ca == cb {
		if ca == "" {
			return nil
		}
		return []Op{{Code: 0, Segment: ca}}
	}

	deadline := time.Now().Add(budget)

	if ops := lineAnchorCascade(ca, cb, deadline); validOps(ops, ca, cb) {
		return normalize(ops)
	}
	if ops := charMyersTrimmed(ca, cb); validOps(ops, ca, cb) {
		return normalize(ops)
	}
	if ops := wordMyersWhole(ca, cb); validOps(ops, ca, cb) {
		return normalize(ops)
	}
	return lastResort(ca, cb)
}

// lineAnchorCascade implements stages 1-2 of the spec.md C3 cascade: strip
// the common prefix/suffix of whole lines, then refine the remaining middle.
func lineAnchorCascade(a, b string, deadline time.Time) []Op {
	linesA := splitLinesKeepEnds(a)
	linesB := splitLinesKeepEnds(b)

	p := 0
	for p < len(linesA) && p < len(linesB) && linesA[p] == linesB[p] {
		p++
	}
	s := 0
	for s < len(linesA)-p && s < len(linesB)-p && linesA[len(linesA)-1-s] == linesB[len(linesB)-1-s] {
		s++
	}

	midA := linesA[p : len(linesA)-s]
	midB := linesB[p : len(linesB)-s]

	var ops []Op
	for _, l := range linesA[:p] {
		ops = append(ops, Op{Code: 0, Segment: l})
	}

	switch {
	case len(midA) == 0 && len(midB) == 0:
		// nothing to do
	case time.Now().After(deadline):
		ops = append(ops, charMyersTrimmed(strings.Join(midA, ""), strings.Join(midB, ""))...)
	case len(midA) == 1 && len(midB) == 1:
		ops = append(ops, wordRefine(midA[0], midB[0])...)
	default:
		ops = append(ops, middleDiff(midA, midB, deadline)...)
	}

	for _, l := range linesA[len(linesA)-s:] {
		ops = append(ops, Op{Code: 0, Segment: l})
	}
	return coalesce(ops)
}

// middleDiff runs Myers over the line sequences, then refines each
// delete-run-immediately-followed-by-insert-run pair at the word level.
// A delete run with no adjacent insert run (or vice versa) is emitted raw.
func middleDiff(midA, midB []string, deadline time.Time) []Op {
	lineOps := myersOps(midA, midB)
	var out []Op
	i := 0
	for i < len(lineOps) {
		switch lineOps[i].Code {
		case 0:
			out = append(out, lineOps[i])
			i++
		case -1:
			delStart := i
			for i < len(lineOps) && lineOps[i].Code == -1 {
				i++
			}
			delRun := lineOps[delStart:i]

			insStart := i
			for i < len(lineOps) && lineOps[i].Code == 1 {
				i++
			}
			insRun := lineOps[insStart:i]

			if len(insRun) == 0 {
				out = append(out, delRun...)
				continue
			}
			oldChunk := joinSegments(delRun)
			newChunk := joinSegments(insRun)
			if time.Now().After(deadline) {
				out = append(out, charMyersTrimmed(oldChunk, newChunk)...)
			} else {
				out = append(out, wordRefine(oldChunk, newChunk)...)
			}
		case 1:
			insStart := i
			for i < len(lineOps) && lineOps[i].Code == 1 {
				i++
			}
			out = append(out, lineOps[insStart:i]...)
		}
	}
	return out
}

// wordRefine tokenises oldChunk/newChunk by "whitespace-run |
// letter/digit/mark-run | single-other-char" and diffs the token streams,
// falling back to character Myers on that chunk if the token-level
// reconstruction does not validate.
func wordRefine(oldChunk, newChunk string) []Op {
	if oldChunk == newChunk {
		if oldChunk == "" {
			return nil
		}
		return []Op{{Code: 0, Segment: oldChunk}}
	}
	ta := tokenizeWords(oldChunk)
	tb := tokenizeWords(newChunk)
	ops := myersOps(ta, tb)
	if reconstructOld(ops) == oldChunk && reconstructNew(ops) == newChunk {
		return ops
	}
	return charMyersTrimmed(oldChunk, newChunk)
}

// charMyersTrimmed strips the common rune prefix/suffix, then runs Myers
// over the remaining runes. This is also fallback (a) of the global cascade
// when used on the whole text.
func charMyersTrimmed(a, b string) []Op {
	if a == b {
		if a == "" {
			return nil
		}
		return []Op{{Code: 0, Segment: a}}
	}
	ra := []rune(a)
	rb := []rune(b)

	p := 0
	for p < len(ra) && p < len(rb) && ra[p] == rb[p] {
		p++
	}
	s := 0
	for s < len(ra)-p && s < len(rb)-p && ra[len(ra)-1-s] == rb[len(rb)-1-s] {
		s++
	}

	var ops []Op
	if p > 0 {
		ops = append(ops, Op{Code: 0, Segment: string(ra[:p])})
	}
	midOps := myersOps(runesToStrings(ra[p:len(ra)-s]), runesToStrings(rb[p:len(rb)-s]))
	ops = append(ops, midOps...)
	if s > 0 {
		ops = append(ops, Op{Code: 0, Segment: string(ra[len(ra)-s:])})
	}
	return coalesce(ops)
}

// wordMyersWhole is fallback (b): word-granular diff of the entire text,
// with no line anchoring at all.
func wordMyersWhole(a, b string) []Op {
	return coalesce(myersOps(tokenizeWords(a), tokenizeWords(b)))
}

// lastResort is fallback (c): a single raw replace. It always validates.
func lastResort(a, b string) []Op {
	var ops []Op
	if a != "" {
		ops = append(ops, Op{Code: -1, Segment: a})
	}
	if b != "" {
		ops = append(ops, Op{Code: 1, Segment: b})
	}
	return ops
}

// ReconstructOld concatenates the payloads of every op with code != +1.
func ReconstructOld(ops []Op) string { return reconstructOld(ops) }

// ReconstructNew concatenates the payloads of every op with code != -1.
func ReconstructNew(ops []Op) string { return reconstructNew(ops) }

func reconstructOld(ops []Op) string {
	var b strings.Builder
	for _, op := range ops {
		if op.Code != 1 {
			b.WriteString(op.Segment)
		}
	}
	return b.String()
}

func reconstructNew(ops []Op) string {
	var b strings.Builder
	for _, op := range ops {
		if op.Code != -1 {
			b.WriteString(op.Segment)
		}
	}
	return b.String()
}

func validOps(ops []Op, a, b string) bool {
	return reconstructOld(ops) == a && reconstructNew(ops) == b
}

// normalize enforces output normalisation: no empty payloads, adjacent ops
// of the same code merged.
func normalize(ops []Op) []Op {
	return coalesce(ops)
}

func coalesce(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		if op.Segment == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Code == op.Code {
			out[n-1].Segment += op.Segment
			continue
		}
		out = append(out, op)
	}
	return out
}

func joinSegments(ops []Op) string {
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.Segment)
	}
	return b.String()
}

func runesToStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
