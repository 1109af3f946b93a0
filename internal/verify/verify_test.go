package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/store"
	"github.com/transcriptlab/vte/internal/timing"
)

func TestVerifyNoVersionsIsOk(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	res, err := Verify(ctx, s, "doc1")
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Equal(t, ReasonNoVersion, res.Reason)
}

func TestVerifySoundChainIsOk(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "hello world", nil, nil)
	require.NoError(t, err)
	r2, err := s.Insert(ctx, "doc1", r1.Version, r1.BaseSHA256, "hello brave world", nil, nil)
	require.NoError(t, err)

	res, err := Verify(ctx, s, "doc1")
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Equal(t, r2.BaseSHA256, res.Hash)
}

func TestVerifyDetectsOpsThatDontMatchParent(t *testing.T) {
	ctx := context.Background()

	v1Text := canonical.Canonicalize("hello world")
	badOps := []diff.Op{{Code: 0, Segment: "this was never version 1's text"}}
	badText := diff.ReconstructNew(badOps)
	badHash := canonical.Hash(canonical.Canonicalize(badText))

	f := &fakeStore{
		v1:     &store.Version{Doc: "doc1", Version: 1, Text: v1Text, BaseSHA256: canonical.Hash(v1Text)},
		latest: &store.Version{Doc: "doc1", Version: 2, Text: badText, BaseSHA256: badHash},
		edits: []store.EditRecord{
			{Doc: "doc1", ParentVersion: 1, ChildVersion: 2, TextOps: badOps},
		},
	}

	res, err := Verify(ctx, f, "doc1")
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, ReasonOpsDontMatchParent, res.Reason)
	require.Equal(t, uint32(2), res.At)
}

func TestVerifyDetectsHashMismatchAtTip(t *testing.T) {
	ctx := context.Background()

	v1Text := canonical.Canonicalize("hello world")
	ops := diff.Diff(v1Text, canonical.Canonicalize("hello brave world"))
	reconstructed := diff.ReconstructNew(ops)

	f := &fakeStore{
		v1:     &store.Version{Doc: "doc1", Version: 1, Text: v1Text, BaseSHA256: canonical.Hash(v1Text)},
		latest: &store.Version{Doc: "doc1", Version: 2, Text: reconstructed, BaseSHA256: "deliberately-wrong-hash"},
		edits: []store.EditRecord{
			{Doc: "doc1", ParentVersion: 1, ChildVersion: 2, TextOps: ops},
		},
	}

	res, err := Verify(ctx, f, "doc1")
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, ReasonMismatch, res.Reason)
	require.Equal(t, "deliberately-wrong-hash", res.Expected)
}

// fakeStore implements store.Store by hand so these tests can hand-craft an
// unsound chain directly, rather than fighting a real backend's invariants.
type fakeStore struct {
	v1, latest *store.Version
	edits      []store.EditRecord
}

func (f *fakeStore) Latest(context.Context, string) (*store.Version, error) { return f.latest, nil }
func (f *fakeStore) Get(_ context.Context, _ string, n uint32) (*store.Version, error) {
	if n == 1 {
		return f.v1, nil
	}
	return f.latest, nil
}
func (f *fakeStore) Words(context.Context, string, uint32, int, int) ([]store.Word, error) {
	return nil, nil
}
func (f *fakeStore) History(context.Context, string) ([]store.VersionMeta, error) { return nil, nil }
func (f *fakeStore) Edits(context.Context, string) ([]store.EditRecord, error)    { return f.edits, nil }
func (f *fakeStore) Insert(context.Context, string, uint32, string, string, []store.Word, []timing.TimingBlock) (store.InsertResult, error) {
	panic("unused")
}
func (f *fakeStore) UpdateWords(context.Context, string, uint32, []store.Word) error {
	panic("unused")
}
func (f *fakeStore) ReplaceConfirmations(context.Context, string, uint32, []store.ConfirmationRecord) error {
	panic("unused")
}
func (f *fakeStore) Confirmations(context.Context, string, uint32) ([]store.ConfirmationRecord, error) {
	panic("unused")
}
