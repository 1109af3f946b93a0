package diff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transcriptlab/vte/internal/canonical"
)

func TestDiffRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		a, b string
	}{
		{"identical", "hello world\n", "hello world\n"},
		{"empty to text", "", "hello\n"},
		{"text to empty", "hello\n", ""},
		{"single word change", "the quick fox\n", "the slow fox\n"},
		{"single line replaced", "line one\nline two\nline three\n", "line one\nline TWO\nline three\n"},
		{"multi line insert", "a\nb\nc\n", "a\nb\nINSERTED\nc\n"},
		{"multi line delete", "a\nb\nc\nd\n", "a\nd\n"},
		{"unicode", "café ☕\n", "café tea ☕\n"},
		{"punctuation heavy", "Hello, world! How are you?", "Hello, World! How are you?"},
		{"whole rewrite", "completely different content here", "something else entirely, unrelated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops := Diff(tc.a, tc.b)
			require.Equal(t, canonical.Canonicalize(tc.a), ReconstructOld(ops))
			require.Equal(t, canonical.Canonicalize(tc.b), ReconstructNew(ops))
		})
	}
}

func TestDiffDeterminism(t *testing.T) {
	a := "the quick brown fox jumps over the lazy dog\nsecond line here\n"
	b := "the quick brown fox leaps over the lazy dog\nsecond line is different\n"
	first := Diff(a, b)
	for i := 0; i < 100; i++ {
		got := Diff(a, b)
		require.Equal(t, first, got)
	}
}

func TestDiffNormalization(t *testing.T) {
	ops := Diff("abc", "abd")
	for i := 1; i < len(ops); i++ {
		require.NotEqual(t, ops[i-1].Code, ops[i].Code, "adjacent ops must not share a code")
	}
	for _, op := range ops {
		require.NotEmpty(t, op.Segment)
	}
}

func TestDiffNoOpOnEqualInputs(t *testing.T) {
	ops := Diff("same text\n", "same text\n")
	require.Len(t, ops, 1)
	require.Equal(t, 0, ops[0].Code)
}
