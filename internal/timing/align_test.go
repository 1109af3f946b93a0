package timing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestIsFakeTiming(t *testing.T) {
	require.True(t, IsFakeTiming(9999999990.0))
	require.True(t, IsFakeTiming(999999999123.0))
	require.False(t, IsFakeTiming(12.5))
	require.False(t, IsFakeTiming(0))
}

func TestAlignKeepsUnchangedWords(t *testing.T) {
	baseline := []Word{
		{Word: "hello", Start: f(0.0), End: f(0.5)},
		{Word: " ", Start: f(0.5), End: f(0.6)},
		{Word: "world", Start: f(0.6), End: f(1.0)},
	}
	words, blocks := Align(baseline, "hello world", 0, 0)
	require.NotEmpty(t, words)
	require.Len(t, blocks, 1)
	require.NoError(t, Validate(words))
}

func TestAlignFillsInsertedWords(t *testing.T) {
	baseline := []Word{
		{Word: "hello", Start: f(0.0), End: f(0.5)},
		{Word: " ", Start: f(0.5), End: f(0.6)},
		{Word: "world", Start: f(2.0), End: f(2.5)},
	}
	words, _ := Align(baseline, "hello brand new world", 0, 0)
	require.NoError(t, Validate(words))
	for _, w := range words {
		if w.Word == "brand" || w.Word == "new" {
			require.NotNil(t, w.Start)
			require.NotNil(t, w.End)
			require.GreaterOrEqual(t, *w.End-*w.Start, MinWordDuration-Epsilon)
		}
	}
}

func TestValidateRejectsFakeTiming(t *testing.T) {
	words := []Word{{Word: "x", Start: f(9999999990.0), End: f(9999999991.0)}}
	require.Error(t, Validate(words))
}

func TestValidateRejectsEndBeforeStart(t *testing.T) {
	words := []Word{{Word: "x", Start: f(2.0), End: f(1.0)}}
	require.Error(t, Validate(words))
}

func TestValidateRejectsNonMonotonic(t *testing.T) {
	words := []Word{
		{Word: "a", Start: f(1.0), End: f(2.0)},
		{Word: "b", Start: f(0.0), End: f(0.5)},
	}
	require.Error(t, Validate(words))
}

func TestValidateAllowsNewlineResetBoundary(t *testing.T) {
	words := []Word{
		{Word: "a", Start: f(5.0), End: f(6.0)},
		{Word: "\n"},
		{Word: "b", Start: f(0.0), End: f(1.0)},
	}
	require.NoError(t, Validate(words))
}
