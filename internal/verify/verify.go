// Package verify implements the Chain Verifier (C9): replaying a document's
// edit chain from version 1 to confirm the persisted hash at the tip is
// actually reachable from the persisted ops, the way pkg/canonical's
// VerifyHash replays a hash chain rather than trusting a stored value.
package verify

import (
	"context"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/store"
)

type Reason string

const (
	ReasonNoVersion          Reason = "no-version"
	ReasonBadOps             Reason = "bad-ops"
	ReasonOpsDontMatchParent Reason = "ops-dont-match-parent"
	ReasonMismatch           Reason = "mismatch"
)

// Result is the tagged Ok{hash} | Err{reason, at?} outcome of a chain replay.
type Result struct {
	Ok       bool
	Hash     string
	Reason   Reason
	At       uint32
	Got      string
	Expected string
}

// Verify replays doc's version 1 text through every later EditRecord in
// ascending child_version order and checks the final hash against latest's
// recorded base_sha256. The record that created version 1 (whose old side
// is empty) is the starting point, not a step, and is skipped.
func Verify(ctx context.Context, st store.Store, doc string) (Result, error) {
	latest, err := st.Latest(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	if latest == nil {
		return Result{Ok: true, Reason: ReasonNoVersion}, nil
	}

	v1, err := st.Get(ctx, doc, 1)
	if err != nil {
		return Result{}, err
	}
	text := canonical.Canonicalize(v1.Text)

	edits, err := st.Edits(ctx, doc)
	if err != nil {
		return Result{}, err
	}

	for _, rec := range edits {
		if rec.ChildVersion <= 1 {
			continue
		}
		if rec.TextOps == nil {
			return Result{Ok: false, Reason: ReasonBadOps, At: rec.ChildVersion}, nil
		}
		reconstructedOld := canonical.Canonicalize(diff.ReconstructOld(rec.TextOps))
		if reconstructedOld != text {
			return Result{Ok: false, Reason: ReasonOpsDontMatchParent, At: rec.ChildVersion}, nil
		}
		text = diff.ReconstructNew(rec.TextOps)
	}

	got := canonical.Hash(canonical.Canonicalize(text))
	if got == latest.BaseSHA256 {
		return Result{Ok: true, Hash: got}, nil
	}
	return Result{Ok: false, Reason: ReasonMismatch, Got: got, Expected: latest.BaseSHA256}, nil
}
