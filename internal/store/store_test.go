package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transcriptlab/vte/internal/diff"
)

func TestMemoryStoreFirstInsertCreatesV1(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Insert(ctx, "doc1", 0, "", "hello world", nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), res.Version)

	latest, err := s.Latest(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), latest.Version)
	require.Equal(t, res.BaseSHA256, latest.BaseSHA256)
}

func TestMemoryStoreVersionsAreMonotonicAndGapFree(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "one", nil, nil)
	require.NoError(t, err)
	r2, err := s.Insert(ctx, "doc1", r1.Version, r1.BaseSHA256, "one two", nil, nil)
	require.NoError(t, err)
	r3, err := s.Insert(ctx, "doc1", r2.Version, r2.BaseSHA256, "one two three", nil, nil)
	require.NoError(t, err)

	require.Equal(t, []uint32{1, 2, 3}, []uint32{r1.Version, r2.Version, r3.Version})

	hist, err := s.History(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, m := range hist {
		require.Equal(t, uint32(i+1), m.Version)
	}
}

func TestMemoryStoreConflictOnStaleParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "one", nil, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "doc1", r1.Version, r1.BaseSHA256, "one two", nil, nil)
	require.NoError(t, err)

	_, err = s.Insert(ctx, "doc1", r1.Version, r1.BaseSHA256, "one two stale-edit", nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint32(2), conflict.Latest)
	require.Equal(t, uint32(1), conflict.Expected)
}

func TestMemoryStoreConflictOnMismatchedBaseHashWithCorrectParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "one", nil, nil)
	require.NoError(t, err)

	_, err = s.Insert(ctx, "doc1", r1.Version, "not-the-real-hash", "one two", nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStoreGetUnknownVersionReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Insert(ctx, "doc1", 0, "", "one", nil, nil)
	require.NoError(t, err)

	_, err = s.Get(ctx, "doc1", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreEditRecordRoundTripsViaDiffApply(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "the quick fox", nil, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "doc1", r1.Version, r1.BaseSHA256, "the quick brown fox", nil, nil)
	require.NoError(t, err)

	edits, err := s.Edits(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, edits, 2)

	v1, err := s.Get(ctx, "doc1", 1)
	require.NoError(t, err)
	v2, err := s.Get(ctx, "doc1", 2)
	require.NoError(t, err)

	reconstructed := diff.ReconstructNew(edits[1].TextOps)
	require.Equal(t, v2.Text, reconstructed)
	require.Equal(t, v1.Text, diff.ReconstructOld(edits[1].TextOps))
}

func TestMemoryStoreWordsSliceIsBounded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	words := []Word{{Word: "a"}, {Word: "b"}, {Word: "c"}, {Word: "d"}}
	_, err := s.Insert(ctx, "doc1", 0, "", "a b c d", words, nil)
	require.NoError(t, err)

	got, err := s.Words(ctx, "doc1", 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Word)
	require.Equal(t, "c", got[1].Word)
}

func TestMemoryStoreUpdateWordsPatchesInPlaceWithoutNewVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, err := s.Insert(ctx, "doc1", 0, "", "hello world", []Word{{Word: "hello"}, {Word: "world"}}, nil)
	require.NoError(t, err)

	refined := []Word{{Word: "hello", Start: ptr(0.0), End: ptr(0.4)}, {Word: "world", Start: ptr(0.4), End: ptr(0.9)}}
	require.NoError(t, s.UpdateWords(ctx, "doc1", r1.Version, refined))

	latest, err := s.Latest(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, r1.Version, latest.Version)
	require.Equal(t, r1.BaseSHA256, latest.BaseSHA256)
	require.Equal(t, refined, latest.Words)
}

func ptr(v float64) *float64 { return &v }

func TestMemoryStoreIndependentDocumentsDoNotConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Insert(ctx, "doc1", 0, "", "one", nil, nil)
	require.NoError(t, err)
	r, err := s.Insert(ctx, "doc2", 0, "", "other doc", nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.Version)
}
