// Package engine wires the Version Store (C6), Save Coordinator (C7),
// Confirmation Manager (C8), and Chain Verifier (C9) together behind the
// editor-collaborator surface of spec.md §6, so nothing upstream holds a
// direct reference to more than one component — breaking the
// editor<->coordinator<->store cycle the design notes call out. Grounded on
// the server{...} composition-root pattern used throughout
// services/control-plane/*/main.go (one struct holding every dependency,
// constructed once in main).
package engine

import (
	"context"
	"fmt"

	"github.com/transcriptlab/vte/internal/confirm"
	"github.com/transcriptlab/vte/internal/save"
	"github.com/transcriptlab/vte/internal/store"
	"github.com/transcriptlab/vte/pkg/vtevents"
	"github.com/transcriptlab/vte/pkg/vtlog"
)

// LoadResult answers the editor collaborator's load(doc) call.
type LoadResult struct {
	BaselineWords []store.Word
	CurrentWords  []store.Word
	Version       uint32
	BaseSHA256    string
	AudioHandle   string
}

// Engine is the single entry point the editor collaborator and any network
// transport (cmd/vte-server) talk to.
type Engine struct {
	store    store.Store
	saves    *save.Coordinator
	confirms *confirm.Manager
	bus      *vtevents.Bus
	log      *vtlog.Logger
}

func New(st store.Store, log *vtlog.Logger) *Engine {
	if log == nil {
		log = vtlog.Nop
	}
	bus := vtevents.NewBus()
	return &Engine{
		store:    st,
		saves:    save.NewCoordinator(st, bus, log),
		confirms: confirm.NewManager(st),
		bus:      bus,
		log:      log,
	}
}

// Bus exposes the event stream so a transport layer (e.g. the WebSocket
// handler in cmd/vte-server) can subscribe editors to live updates.
func (e *Engine) Bus() *vtevents.Bus { return e.bus }

// Load implements §6's load(doc). audio_handle is an opaque pointer into the
// audio playback system, which spec.md §1 names explicitly as an external
// collaborator the core never resolves or streams itself.
func (e *Engine) Load(ctx context.Context, doc string) (LoadResult, error) {
	latest, err := e.store.Latest(ctx, doc)
	if err != nil {
		return LoadResult{}, err
	}
	if latest == nil {
		return LoadResult{}, store.ErrNotFound
	}
	v1, err := e.store.Get(ctx, doc, 1)
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{
		BaselineWords: v1.Words,
		CurrentWords:  latest.Words,
		Version:       latest.Version,
		BaseSHA256:    latest.BaseSHA256,
		AudioHandle:   audioHandle(doc),
	}, nil
}

func audioHandle(doc string) string { return fmt.Sprintf("audio://%s", doc) }

// Save implements §6's save(...), delegating to the Save Coordinator.
func (e *Engine) Save(ctx context.Context, req save.Request) save.Result {
	return e.saves.Save(ctx, req)
}

// SaveState reports the coordinator's current state for doc, for
// diagnostics surfaces only.
func (e *Engine) SaveState(doc string) save.State {
	return e.saves.State(doc)
}

// AutoMerge implements the auto-merge algorithm named in spec.md §1 item 3,
// composing a conflicting save against whatever diverged in the meantime.
func (e *Engine) AutoMerge(ctx context.Context, req save.Request) (string, error) {
	return e.saves.AutoMerge(ctx, req)
}

// SaveConfirmations implements §6's save_confirmations(...).
func (e *Engine) SaveConfirmations(ctx context.Context, doc string, version uint32, baseSHA256 string, ranges []confirm.Range, fullText string) ([]confirm.Confirmation, error) {
	return e.confirms.SaveConfirmations(ctx, doc, version, baseSHA256, ranges, fullText)
}

// GetConfirmations returns the anchored confirmation list for (doc, version).
func (e *Engine) GetConfirmations(ctx context.Context, doc string, version uint32) ([]confirm.Confirmation, error) {
	return e.confirms.GetConfirmations(ctx, doc, version)
}

// History and Edits pass through to the store for read-only surfaces
// (e.g. cmd/vte-server's /history route, a version-history UI panel).
func (e *Engine) History(ctx context.Context, doc string) ([]store.VersionMeta, error) {
	return e.store.History(ctx, doc)
}

func (e *Engine) Edits(ctx context.Context, doc string) ([]store.EditRecord, error) {
	return e.store.Edits(ctx, doc)
}
