// Package confirm implements the Confirmation Manager (C8): anchored
// human-confirmed text ranges, replaced en bloc per (doc, version) under
// the same per-document lock the version store uses for writes. The
// prefix/exact/suffix anchoring and whole-set-replace-and-revalidate shape
// is grounded on pkg/canonical/case.go's evidence-list handling
// (CaseEvidence, validateEvidence), adapted from an audit evidence list to
// a relocatable text-range list.
package confirm

import (
	"context"
	"errors"
	"sync"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/store"
)

const anchorContext = 16

var (
	ErrStaleBaseline = errors.New("confirm: client text does not match version's base_sha256")
	ErrRangeOrder    = errors.New("confirm: range end must be greater than start")
	ErrRangeBounds   = errors.New("confirm: range out of bounds")
)

// Range is a client-supplied [start, end) offset into full_text.
type Range struct {
	Start int
	End   int
}

// Confirmation is the anchored, persisted form of one confirmed range.
type Confirmation = store.ConfirmationRecord

// Store is the persistence surface C8 needs from the version store: reading
// the target version to validate the client's baseline claim, plus
// replacing the confirmation set for (doc, version) atomically.
type Store interface {
	Get(ctx context.Context, doc string, version uint32) (*store.Version, error)
	ReplaceConfirmations(ctx context.Context, doc string, version uint32, confirmations []Confirmation) error
	Confirmations(ctx context.Context, doc string, version uint32) ([]Confirmation, error)
}

// Manager guards confirmation writes with the same per-document
// serialization discipline as the Save Coordinator, so a confirmation write
// can never interleave with a version write and observe a partial view.
type Manager struct {
	st Store

	mu   sync.Mutex
	docs map[string]*sync.Mutex
}

func NewManager(st Store) *Manager {
	return &Manager{st: st, docs: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(doc string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.docs[doc]
	if !ok {
		l = &sync.Mutex{}
		m.docs[doc] = l
	}
	return l
}

// SaveConfirmations validates the client's claimed baseline against the
// stored version, builds anchors for each range, and replaces the
// confirmation set for (doc, version) en bloc.
func (m *Manager) SaveConfirmations(ctx context.Context, doc string, version uint32, baseSHA256 string, ranges []Range, fullText string) ([]Confirmation, error) {
	l := m.lockFor(doc)
	l.Lock()
	defer l.Unlock()

	v, err := m.st.Get(ctx, doc, version)
	if err != nil {
		return nil, err
	}

	text := canonical.Canonicalize(fullText)
	if canonical.Hash(text) != v.BaseSHA256 || baseSHA256 != v.BaseSHA256 {
		return nil, ErrStaleBaseline
	}

	// start_offset/end_offset are character indices (spec.md §3), not byte
	// indices, so anchors are built against a rune slice rather than the
	// raw UTF-8 bytes of text.
	runes := []rune(text)

	confirmations := make([]Confirmation, 0, len(ranges))
	for _, r := range ranges {
		if r.End <= r.Start {
			return nil, ErrRangeOrder
		}
		if r.Start < 0 || r.End > len(runes) {
			return nil, ErrRangeBounds
		}
		confirmations = append(confirmations, Confirmation{
			Doc:         doc,
			Version:     version,
			BaseSHA256:  v.BaseSHA256,
			StartOffset: r.Start,
			EndOffset:   r.End,
			Prefix:      string(runes[max(0, r.Start-anchorContext):r.Start]),
			Exact:       string(runes[r.Start:r.End]),
			Suffix:      string(runes[r.End:min(len(runes), r.End+anchorContext)]),
		})
	}

	if err := m.st.ReplaceConfirmations(ctx, doc, version, confirmations); err != nil {
		return nil, err
	}
	return confirmations, nil
}

// GetConfirmations returns the anchored list for (doc, version) as stored.
// Relocating `exact` onto a later version's text via prefix/suffix is the
// caller's responsibility (spec.md §4.8), since a confirmation is only
// guaranteed meaningful against the version it was captured on.
func (m *Manager) GetConfirmations(ctx context.Context, doc string, version uint32) ([]Confirmation, error) {
	return m.st.Confirmations(ctx, doc, version)
}
