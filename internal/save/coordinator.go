// Package save implements the Save Coordinator (C7): the state machine that
// turns editor text into a new persisted version, detects conflicts, kicks
// off background timing realignment, and reports chain-verification status
// back to the caller. Grounded on the atomic-flag/per-task style of
// services/orchestrator/internal/coordinator/worker_pool.go, narrowed from a
// generic concurrency-bounded task pool to one save-serializing lock and one
// background alignment goroutine per document.
package save

import (
	"context"
	"errors"
	"sync"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/patch"
	"github.com/transcriptlab/vte/internal/store"
	"github.com/transcriptlab/vte/internal/timing"
	"github.com/transcriptlab/vte/internal/verify"
	"github.com/transcriptlab/vte/pkg/vtevents"
	"github.com/transcriptlab/vte/pkg/vtlog"
)

// State names the coordinator's per-document state machine position:
// Idle -> Pending -> Saving -> {Idle | Conflict | Aligning} -> Idle.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateSaving   State = "saving"
	StateConflict State = "conflict"
	StateAligning State = "aligning"
)

// Request is the save(doc, editor_text, client_version, client_base_hash,
// caret_segment) operation's input.
type Request struct {
	Doc            string
	EditorText     string
	ClientVersion  uint32
	ClientBaseHash string
	CaretSegment   int
}

// ConflictInfo carries the merge-dialog payload: the parent the client
// thought it was editing from, the actual latest version, and the two
// diverging diffs against that common parent.
type ConflictInfo struct {
	Parent     uint32
	Latest     uint32
	ParentText string
	D1         []diff.Op // parent_text -> latest.text
	D2         []diff.Op // parent_text -> client's edited text
}

// AutoMerge implements spec.md §1 item 3: composing the two diverging edit
// streams against their common parent when they touch disjoint regions.
// Callers that get ErrUnmergeable back (patch.ErrUnmergeable) should surface
// that as the unmergeable-conflict case (spec.md §8 scenario S4) rather than
// retrying; the document is left untouched either way since AutoMerge never
// writes to the store itself.
func (c *ConflictInfo) AutoMerge() (string, error) {
	return patch.Merge(c.ParentText, c.D1, c.D2)
}

// Kind tags the outcome of Save.
type Kind int

const (
	KindOk Kind = iota
	KindNoChange
	KindConflict
	KindError
)

// Result is the tagged Ok | NoChange | Conflict | Error outcome.
type Result struct {
	Kind       Kind
	Version    uint32
	BaseSHA256 string
	Conflict   *ConflictInfo
	// VerifyErr is non-nil when the post-save Chain Verifier (C9) run found
	// the newly extended chain unsound. The save itself is NOT rolled back;
	// this is surfaced for the caller to escalate.
	VerifyErr error
	Err       error
}

type docState struct {
	saveMu  sync.Mutex // serializes the synchronous portion of Save per document
	stateMu sync.Mutex
	state   State
}

func (d *docState) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

func (d *docState) getState() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Coordinator is the engine-facing handle for C7. One Coordinator is shared
// across all documents; per-document serialization happens internally.
type Coordinator struct {
	store     store.Store
	bus       *vtevents.Bus
	log       *vtlog.Logger
	neighbors int

	mu   sync.Mutex
	docs map[string]*docState
}

func NewCoordinator(st store.Store, bus *vtevents.Bus, log *vtlog.Logger) *Coordinator {
	if log == nil {
		log = vtlog.Nop
	}
	return &Coordinator{
		store:     st,
		bus:       bus,
		log:       log,
		neighbors: 1,
		docs:      make(map[string]*docState),
	}
}

func (c *Coordinator) doc(name string) *docState {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[name]
	if !ok {
		d = &docState{state: StateIdle}
		c.docs[name] = d
	}
	return d
}

// State reports doc's current coordinator state, for diagnostics only; it is
// not authoritative over persisted data (only C6 is, per spec.md §5).
func (c *Coordinator) State(doc string) State {
	return c.doc(doc).getState()
}

// Save runs the full save algorithm (spec.md §4.7). Additional saves for the
// same document queue behind saveMu; saves against other documents, and the
// background alignment goroutine this call may spawn, are never blocked by
// it.
func (c *Coordinator) Save(ctx context.Context, req Request) Result {
	d := c.doc(req.Doc)
	d.setState(StatePending)

	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	d.setState(StateSaving)

	text := canonical.Canonicalize(req.EditorText)

	// Step 2: no-op short-circuit against the client's own claimed baseline.
	if req.ClientVersion > 0 {
		if baseline, err := c.store.Get(ctx, req.Doc, req.ClientVersion); err == nil {
			if canonical.Hash(canonical.Canonicalize(baseline.Text)) == canonical.Hash(text) {
				d.setState(StateIdle)
				return Result{Kind: KindNoChange}
			}
		}
	}

	latest, err := c.store.Latest(ctx, req.Doc)
	if err != nil {
		d.setState(StateIdle)
		return Result{Kind: KindError, Err: err}
	}

	// Step 3: early conflict probe.
	if req.ClientVersion > 0 && latest != nil && latest.Version != req.ClientVersion {
		info, berr := c.buildConflict(ctx, req, text, latest)
		if berr != nil {
			d.setState(StateIdle)
			return Result{Kind: KindError, Err: berr}
		}
		d.setState(StateConflict)
		return Result{Kind: KindConflict, Conflict: info}
	}

	// Step 4: carry timings for words whose payload matches exactly.
	preSaveWords := wordsOf(latest)
	wordsForSave := carryWordTimings(preSaveWords, text)

	// Step 5: insert.
	res, err := c.store.Insert(ctx, req.Doc, req.ClientVersion, req.ClientBaseHash, text, wordsForSave, nil)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			latestNow, lerr := c.store.Latest(ctx, req.Doc)
			if lerr != nil {
				d.setState(StateIdle)
				return Result{Kind: KindError, Err: lerr}
			}
			info, berr := c.buildConflict(ctx, req, text, latestNow)
			if berr != nil {
				d.setState(StateIdle)
				return Result{Kind: KindError, Err: berr}
			}
			d.setState(StateConflict)
			return Result{Kind: KindConflict, Conflict: info}
		}
		d.setState(StateIdle)
		return Result{Kind: KindError, Err: err}
	}

	c.bus.Publish(vtevents.VersionChanged{Doc: req.Doc, Version: res.Version, BaseSHA256: res.BaseSHA256})

	// Step 6: async realignment. The coordinator is re-enterable from here:
	// the saveMu unlock (deferred) happens before the goroutine necessarily
	// finishes, so a queued save proceeds without waiting on alignment.
	d.setState(StateAligning)
	go c.realign(req.Doc, res.Version, preSaveWords, text, req.CaretSegment, d)

	// Step 7: chain verification, reported but never rolling the save back.
	vres, verr := verify.Verify(ctx, c.store, req.Doc)
	var verifyErr error
	switch {
	case verr != nil:
		verifyErr = verr
	case !vres.Ok:
		verifyErr = &ChainError{Reason: string(vres.Reason), At: vres.At, Got: vres.Got, Expected: vres.Expected}
	}

	return Result{Kind: KindOk, Version: res.Version, BaseSHA256: res.BaseSHA256, VerifyErr: verifyErr}
}

// AutoMerge recomputes the conflict diffs for req against the document's
// current latest version and attempts to compose them (spec.md §1 item 3,
// §8 scenarios S3/S4). It performs no writes: a caller that gets merged
// text back with a nil error must still call Save with ClientVersion set to
// the current latest version to persist it.
func (c *Coordinator) AutoMerge(ctx context.Context, req Request) (string, error) {
	if req.ClientVersion == 0 {
		return "", store.ErrNoV1
	}
	latest, err := c.store.Latest(ctx, req.Doc)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", store.ErrNotFound
	}
	text := canonical.Canonicalize(req.EditorText)
	info, err := c.buildConflict(ctx, req, text, latest)
	if err != nil {
		return "", err
	}
	return info.AutoMerge()
}

// ChainError reports a Chain Verifier (C9) failure discovered right after a
// save committed successfully.
type ChainError struct {
	Reason   string
	At       uint32
	Got      string
	Expected string
}

func (e *ChainError) Error() string {
	if e.Expected != "" {
		return "save: chain verify failed: " + e.Reason + " got=" + e.Got + " expected=" + e.Expected
	}
	return "save: chain verify failed: " + e.Reason
}

func (c *Coordinator) buildConflict(ctx context.Context, req Request, text string, latest *store.Version) (*ConflictInfo, error) {
	parent, err := c.store.Get(ctx, req.Doc, req.ClientVersion)
	if err != nil {
		return nil, err
	}
	d1 := diff.Diff(parent.Text, latest.Text)
	d2 := diff.Diff(parent.Text, text)
	return &ConflictInfo{Parent: req.ClientVersion, Latest: latest.Version, ParentText: parent.Text, D1: d1, D2: d2}, nil
}

func (c *Coordinator) realign(doc string, version uint32, baseline []store.Word, text string, caretSegment int, d *docState) {
	defer d.setState(StateIdle)
	ctx := context.Background()

	windowStart := caretSegment - c.neighbors
	if windowStart < 0 {
		windowStart = 0
	}
	windowEnd := caretSegment + c.neighbors + 1

	refined, _ := timing.Align(baseline, text, windowStart, windowEnd)
	if err := timing.Validate(refined); err != nil {
		c.log.Warn(ctx, "alignment_rejected", map[string]any{"doc": doc, "version": version, "error": err.Error()})
		c.bus.Publish(vtevents.AlignmentFinished{Doc: doc, Version: version, Err: err})
		return
	}

	if err := c.store.UpdateWords(ctx, doc, version, refined); err != nil {
		c.log.Warn(ctx, "alignment_store_update_failed", map[string]any{"doc": doc, "version": version, "error": err.Error()})
		c.bus.Publish(vtevents.AlignmentFinished{Doc: doc, Version: version, Err: err})
		return
	}

	c.bus.Publish(vtevents.TokensUpdated{Doc: doc, Version: version})
	c.bus.Publish(vtevents.AlignmentFinished{Doc: doc, Version: version})
}

func wordsOf(v *store.Version) []store.Word {
	if v == nil {
		return nil
	}
	return v.Words
}

// carryWordTimings tokenizes text the same way the aligner does and carries
// Start/End/Probability from oldWords wherever the token at the same
// position has an identical payload; everything else gets a null timing
// until the background realignment (step 6) fills it in.
func carryWordTimings(oldWords []store.Word, text string) []store.Word {
	tokens := timing.Tokenize(text)
	out := make([]store.Word, len(tokens))
	for i, tok := range tokens {
		out[i] = store.Word{Word: tok}
		if i < len(oldWords) && oldWords[i].Word == tok {
			out[i].Start = oldWords[i].Start
			out[i].End = oldWords[i].End
			out[i].Probability = oldWords[i].Probability
		}
	}
	return out
}
