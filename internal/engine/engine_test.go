package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transcriptlab/vte/internal/confirm"
	"github.com/transcriptlab/vte/internal/save"
	"github.com/transcriptlab/vte/internal/store"
)

func TestEngineLoadSaveConfirmRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := New(st, nil)

	_, err := st.Insert(ctx, "doc1", 0, "", "hello world", nil, nil)
	require.NoError(t, err)

	loaded, err := e.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), loaded.Version)
	require.Equal(t, "audio://doc1", loaded.AudioHandle)

	res := e.Save(ctx, save.Request{Doc: "doc1", EditorText: "hello brave world", ClientVersion: loaded.Version, ClientBaseHash: loaded.BaseSHA256})
	require.Equal(t, save.KindOk, res.Kind)
	require.Equal(t, uint32(2), res.Version)

	confirmed, err := e.SaveConfirmations(ctx, "doc1", res.Version, res.BaseSHA256, []confirm.Range{{Start: 0, End: 5}}, "hello brave world")
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	require.Equal(t, "hello", confirmed[0].Exact)

	got, err := e.GetConfirmations(ctx, "doc1", res.Version)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEngineLoadUnknownDocumentIsNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := New(st, nil)

	_, err := e.Load(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
