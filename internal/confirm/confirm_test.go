package confirm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/store"
)

func TestSaveConfirmationsBuildsAnchorsAndReplacesEnBloc(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mgr := NewManager(s)

	text := "the quick brown fox jumps over the lazy dog"
	res, err := s.Insert(ctx, "doc1", 0, "", text, nil, nil)
	require.NoError(t, err)

	canonText := canonical.Canonicalize(text)
	start := len("the quick ")
	end := start + len("brown")

	confirmations, err := mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: start, End: end}}, text)
	require.NoError(t, err)
	require.Len(t, confirmations, 1)
	require.Equal(t, "brown", confirmations[0].Exact)
	require.Equal(t, canonText[max0(start-16):start], confirmations[0].Prefix)
	require.Equal(t, canonText[end:min0(len(canonText), end+16)], confirmations[0].Suffix)

	got, err := mgr.GetConfirmations(ctx, "doc1", res.Version)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "brown", got[0].Exact)

	// A second call replaces the set rather than appending.
	confirmations2, err := mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: 0, End: 3}}, text)
	require.NoError(t, err)
	require.Len(t, confirmations2, 1)

	got2, err := mgr.GetConfirmations(ctx, "doc1", res.Version)
	require.NoError(t, err)
	require.Len(t, got2, 1)
	require.Equal(t, "the", got2[0].Exact)
}

func TestSaveConfirmationsHandlesMultiByteCharacterOffsets(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mgr := NewManager(s)

	// "café" has 4 characters but "é" is 2 bytes in UTF-8, so byte and
	// character offsets diverge from position 3 onward. "日本語" is 3
	// characters and 9 bytes.
	text := "café 日本語 test"
	res, err := s.Insert(ctx, "doc1", 0, "", text, nil, nil)
	require.NoError(t, err)

	canonText := canonical.Canonicalize(text)
	runes := []rune(canonText)

	// Character offsets for "日本語": after "café " (5 chars) through
	// char 8.
	start, end := 5, 8

	confirmations, err := mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: start, End: end}}, text)
	require.NoError(t, err)
	require.Len(t, confirmations, 1)
	require.Equal(t, "日本語", confirmations[0].Exact)
	require.Equal(t, string(runes[max0(start-16):start]), confirmations[0].Prefix)
	require.Equal(t, string(runes[end:min0(len(runes), end+16)]), confirmations[0].Suffix)
	require.Equal(t, start, confirmations[0].StartOffset)
	require.Equal(t, end, confirmations[0].EndOffset)

	// A range that is a valid character range but would be out of bounds
	// (or slice mid-rune) if treated as a byte range must still succeed:
	// len(text) in bytes is larger than len(runes) in characters, so an
	// End equal to the character count must not be rejected as
	// out-of-bounds the way a byte-indexed check against len(text) would
	// wrongly permit past a multi-byte rune.
	require.Greater(t, len(canonText), len(runes))
	confirmations2, err := mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: 0, End: len(runes)}}, text)
	require.NoError(t, err)
	require.Equal(t, canonText, confirmations2[0].Exact)
}

func TestSaveConfirmationsRejectsStaleBaseline(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mgr := NewManager(s)

	res, err := s.Insert(ctx, "doc1", 0, "", "hello world", nil, nil)
	require.NoError(t, err)

	_, err = mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: 0, End: 5}}, "goodbye world")
	require.ErrorIs(t, err, ErrStaleBaseline)
}

func TestSaveConfirmationsRejectsBadRanges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mgr := NewManager(s)

	text := "hello world"
	res, err := s.Insert(ctx, "doc1", 0, "", text, nil, nil)
	require.NoError(t, err)

	_, err = mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: 5, End: 5}}, text)
	require.ErrorIs(t, err, ErrRangeOrder)

	_, err = mgr.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []Range{{Start: 0, End: 1000}}, text)
	require.ErrorIs(t, err, ErrRangeBounds)
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func min0(a, b int) int {
	if a < b {
		return a
	}
	return b
}
