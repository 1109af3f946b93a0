package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/timing"
)

type docState struct {
	mu            sync.Mutex
	versions      []Version            // ascending by Version.Version
	edits         []EditRecord         // ascending by ChildVersion
	confirmations []ConfirmationRecord // unordered, filtered by Version on read
}

// MemoryStore is the reference Store implementation, used directly in tests
// and as the backend for single-process deployments.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*docState
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docState), now: time.Now}
}

func (s *MemoryStore) doc(name string) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[name]
	if !ok {
		d = &docState{}
		s.docs[name] = d
	}
	return d
}

func (s *MemoryStore) Latest(_ context.Context, doc string) (*Version, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.versions) == 0 {
		return nil, nil
	}
	v := d.versions[len(d.versions)-1]
	return &v, nil
}

func (s *MemoryStore) Get(_ context.Context, doc string, n uint32) (*Version, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.versions {
		if v.Version == n {
			cp := v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Words(_ context.Context, doc string, n uint32, segmentStart, count int) ([]Word, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.versions {
		if v.Version == n {
			if count <= 0 || segmentStart < 0 {
				return append([]Word(nil), v.Words...), nil
			}
			end := segmentStart + count
			if end > len(v.Words) {
				end = len(v.Words)
			}
			if segmentStart > len(v.Words) {
				segmentStart = len(v.Words)
			}
			return append([]Word(nil), v.Words[segmentStart:end]...), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) History(_ context.Context, doc string) ([]VersionMeta, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]VersionMeta, 0, len(d.versions))
	for _, v := range d.versions {
		out = append(out, VersionMeta{Version: v.Version, BaseSHA256: v.BaseSHA256, CreatedBy: v.CreatedBy, CreatedAt: v.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) Edits(_ context.Context, doc string) ([]EditRecord, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]EditRecord(nil), d.edits...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChildVersion < out[j].ChildVersion })
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, doc string, parentVersion uint32, expectedBaseSHA256 string, text string, words []Word, timingOps []timing.TimingBlock) (InsertResult, error) {
	canonText, baseSHA := canonical.CanonicalizeAndHash(text)

	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()

	var latest *Version
	if n := len(d.versions); n > 0 {
		v := d.versions[n-1]
		latest = &v
	}

	if parentVersion > 0 {
		if latest == nil || latest.Version != parentVersion {
			got := uint32(0)
			if latest != nil {
				got = latest.Version
			}
			return InsertResult{}, &ConflictError{Doc: doc, Latest: got, Expected: parentVersion}
		}
		if expectedBaseSHA256 != "" {
			_, latestHash := canonical.CanonicalizeAndHash(latest.Text)
			if expectedBaseSHA256 != latestHash {
				return InsertResult{}, &ConflictError{Doc: doc, Latest: latest.Version, Expected: parentVersion}
			}
		}
	}

	child := uint32(1)
	parentText := ""
	if latest != nil {
		child = latest.Version + 1
		parentText = latest.Text
	}

	ops := diff.Diff(parentText, canonText)

	v := Version{
		Doc:        doc,
		Version:    child,
		BaseSHA256: baseSHA,
		Text:       canonText,
		Words:      words,
		CreatedAt:  s.now().UTC(),
	}
	rec := EditRecord{
		Doc:           doc,
		ParentVersion: child - 1,
		ChildVersion:  child,
		TextOps:       ops,
		TimingOps:     timingOps,
	}

	d.versions = append(d.versions, v)
	d.edits = append(d.edits, rec)

	return InsertResult{Version: child, BaseSHA256: baseSHA}, nil
}

func (s *MemoryStore) ReplaceConfirmations(_ context.Context, doc string, version uint32, confirmations []ConfirmationRecord) error {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.confirmations[:0:0]
	for _, c := range d.confirmations {
		if c.Version != version {
			kept = append(kept, c)
		}
	}
	d.confirmations = append(kept, confirmations...)
	return nil
}

func (s *MemoryStore) Confirmations(_ context.Context, doc string, version uint32) ([]ConfirmationRecord, error) {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ConfirmationRecord
	for _, c := range d.confirmations {
		if c.Version == version {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateWords(_ context.Context, doc string, version uint32, words []Word) error {
	d := s.doc(doc)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.versions {
		if d.versions[i].Version == version {
			d.versions[i].Words = words
			return nil
		}
	}
	return ErrNotFound
}
