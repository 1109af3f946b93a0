// Command vte-server exposes the editor-collaborator surface of spec.md §6
// (load, save, save_confirmations, history) over HTTP, plus a /ws/{doc}
// stream that pushes internal/engine's vtevents to connected editors.
// Grounded on services/control-plane/coordinator/main.go's router/middleware
// composition (gorilla/mux, .Methods(...), writeJSON/decodeJSONStrict
// helpers, a chained CORS/auth/request-logging handler built in main); the
// teacher file wires its chain as withRequestLogging(withCORS(withAuth(r)))
// but the function it defines is named requestLoggingMiddleware, so that
// exact call never compiles as retrieved. This binary keeps the same
// middleware shape with names that agree with their definitions.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"

	"github.com/transcriptlab/vte/internal/confirm"
	"github.com/transcriptlab/vte/internal/engine"
	"github.com/transcriptlab/vte/internal/patch"
	"github.com/transcriptlab/vte/internal/save"
	"github.com/transcriptlab/vte/internal/store"
	"github.com/transcriptlab/vte/pkg/vtconfig"
	"github.com/transcriptlab/vte/pkg/vterrors"
	"github.com/transcriptlab/vte/pkg/vtevents"
	"github.com/transcriptlab/vte/pkg/vtlog"
)

const defaultAddr = ":8090"

type server struct {
	eng *engine.Engine
	log *vtlog.Logger
	up  websocket.Upgrader
}

func main() {
	addr := strings.TrimSpace(os.Getenv("VTE_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}

	logger := vtlog.NewDefault(os.Stdout, "vte-server")

	st, backendDesc, err := openConfiguredStore(context.Background())
	if err != nil {
		logLine("ERROR", "store_open_failed", "err=%s", err.Error())
		os.Exit(1)
	}

	s := &server{
		eng: engine.New(st, logger),
		log: logger,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/docs/{doc}", s.handleLoad).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/docs/{doc}/save", s.handleSave).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/docs/{doc}/auto_merge", s.handleAutoMerge).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/docs/{doc}/confirmations", s.handleSaveConfirmations).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/docs/{doc}/confirmations", s.handleGetConfirmations).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/docs/{doc}/history", s.handleHistory).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws/{doc}", s.handleWS).Methods(http.MethodGet)

	handler := requestLoggingMiddleware(withCORS(withAuth(r)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logLine("INFO", "starting", "addr=%s store=%s", addr, backendDesc)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logLine("ERROR", "listen_failed", "err=%s", err.Error())
		os.Exit(1)
	}
}

// openConfiguredStore resolves the store backend the way pkg/vtconfig
// documents: a layered config (base + VTE_ env overrides, PathDelimiter
// "__") selects store.backend in {sqlite, postgres, memory} plus
// store.dsn, falling back to the legacy VTE_SQLITE_PATH/VTE_POSTGRES_DSN
// env vars when store.dsn is not set. Returns the opened store and a
// short description for the startup log line.
func openConfiguredStore(ctx context.Context) (store.Store, string, error) {
	configRoot := strings.TrimSpace(os.Getenv("VTE_CONFIG_ROOT"))
	if configRoot == "" {
		configRoot = "."
	}

	var merged map[string]any
	loader, err := vtconfig.NewLoader(configRoot, vtconfig.Options{
		Env:       strings.TrimSpace(os.Getenv("VTE_ENV")),
		EnvPrefix: "VTE_",
	})
	if err != nil {
		logLine("WARN", "config_load_skipped", "err=%s", err.Error())
	} else {
		bundle, lerr := loader.Load()
		if lerr != nil {
			logLine("WARN", "config_load_failed", "err=%s", lerr.Error())
		} else {
			merged = bundle.Merged
		}
	}

	backend := strings.ToLower(strings.TrimSpace(configString(merged, "store", "backend")))
	if backend == "" {
		backend = "sqlite"
	}
	dsn := configString(merged, "store", "dsn")

	switch backend {
	case "postgres":
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("VTE_POSTGRES_DSN"))
		}
		if dsn == "" {
			return nil, "", fmt.Errorf("store backend=postgres requires store.dsn or VTE_POSTGRES_DSN")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("postgres: open: %w", err)
		}
		pg, err := store.NewPostgresStore(db, store.PostgresOptions{})
		if err != nil {
			return nil, "", fmt.Errorf("postgres: new store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, "", fmt.Errorf("postgres: ensure schema: %w", err)
		}
		return pg, "postgres", nil
	case "memory":
		return store.NewMemoryStore(), "memory", nil
	case "sqlite", "":
		sqlitePath := dsn
		if sqlitePath == "" {
			sqlitePath = strings.TrimSpace(os.Getenv("VTE_SQLITE_PATH"))
		}
		if sqlitePath == "" {
			sqlitePath = "vte.db"
		}
		st, err := store.OpenSQLite(sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite:" + sqlitePath, nil
	default:
		return nil, "", fmt.Errorf("unknown store backend %q", backend)
	}
}

// configString walks a nested map[string]any produced by vtconfig's
// dotted/underscore-expanded env overrides and returns the string at path,
// or "" if any segment is missing or not a string.
func configString(m map[string]any, path ...string) string {
	cur := any(m)
	for _, seg := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = asMap[seg]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

type loadResponse struct {
	Version       uint32       `json:"version"`
	BaseSHA256    string       `json:"base_sha256"`
	AudioHandle   string       `json:"audio_handle"`
	BaselineWords []store.Word `json:"baseline_words"`
	CurrentWords  []store.Word `json:"current_words"`
}

func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]

	res, err := s.eng.Load(r.Context(), doc)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{
		Version:       res.Version,
		BaseSHA256:    res.BaseSHA256,
		AudioHandle:   res.AudioHandle,
		BaselineWords: res.BaselineWords,
		CurrentWords:  res.CurrentWords,
	})
}

type saveRequest struct {
	EditorText     string `json:"editor_text"`
	ClientVersion  uint32 `json:"client_version"`
	ClientBaseHash string `json:"client_base_hash"`
	CaretSegment   int    `json:"caret_segment"`
}

type saveResponse struct {
	Outcome    string           `json:"outcome"` // ok|no_change|conflict
	Version    uint32           `json:"version,omitempty"`
	BaseSHA256 string           `json:"base_sha256,omitempty"`
	Conflict   *conflictPayload `json:"conflict,omitempty"`
	VerifyErr  string           `json:"verify_error,omitempty"`
}

type conflictPayload struct {
	Parent uint32 `json:"parent"`
	Latest uint32 `json:"latest"`
	D1     any    `json:"d1"`
	D2     any    `json:"d2"`
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]

	var in saveRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		vterrors.WriteHTTP(w, http.StatusBadRequest, vterrors.NewEnvelope(vterrors.InvalidInput, "malformed save request", "", "", nil))
		return
	}

	res := s.eng.Save(r.Context(), save.Request{
		Doc:            doc,
		EditorText:     in.EditorText,
		ClientVersion:  in.ClientVersion,
		ClientBaseHash: in.ClientBaseHash,
		CaretSegment:   in.CaretSegment,
	})

	docLog := s.log.With("doc", doc)

	switch res.Kind {
	case save.KindOk:
		out := saveResponse{Outcome: "ok", Version: res.Version, BaseSHA256: res.BaseSHA256}
		if res.VerifyErr != nil {
			out.VerifyErr = res.VerifyErr.Error()
			docLog.Error(r.Context(), "post_save_chain_unsound", map[string]any{"version": res.Version, "error": res.VerifyErr.Error()})
		}
		writeJSON(w, http.StatusOK, out)
	case save.KindNoChange:
		writeJSON(w, http.StatusOK, saveResponse{Outcome: "no_change"})
	case save.KindConflict:
		writeJSON(w, http.StatusConflict, saveResponse{
			Outcome: "conflict",
			Conflict: &conflictPayload{
				Parent: res.Conflict.Parent,
				Latest: res.Conflict.Latest,
				D1:     res.Conflict.D1,
				D2:     res.Conflict.D2,
			},
		})
	default:
		s.writeErr(w, r, res.Err)
	}
}

// handleAutoMerge is the follow-up call an editor makes after handleSave
// reports a Conflict: it recomputes d1/d2 against the current latest
// version and composes them if they touch disjoint regions (spec.md §8
// S3/S4). It never writes to the store; a successful merge still requires a
// second call to handleSave with client_version set to the current latest.
func (s *server) handleAutoMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]

	var in saveRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		vterrors.WriteHTTP(w, http.StatusBadRequest, vterrors.NewEnvelope(vterrors.InvalidInput, "malformed auto_merge request", "", "", nil))
		return
	}

	merged, err := s.eng.AutoMerge(r.Context(), save.Request{Doc: doc, EditorText: in.EditorText, ClientVersion: in.ClientVersion})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merged_text": merged})
}

type confirmationsRequest struct {
	Version    uint32          `json:"version"`
	BaseSHA256 string          `json:"base_sha256"`
	FullText   string          `json:"full_text"`
	Ranges     []confirm.Range `json:"ranges"`
}

func (s *server) handleSaveConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]

	var in confirmationsRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		vterrors.WriteHTTP(w, http.StatusBadRequest, vterrors.NewEnvelope(vterrors.InvalidInput, "malformed confirmations request", "", "", nil))
		return
	}

	confirmed, err := s.eng.SaveConfirmations(r.Context(), doc, in.Version, in.BaseSHA256, in.Ranges, in.FullText)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": confirmed})
}

func (s *server) handleGetConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]
	version, err := strconv.ParseUint(r.URL.Query().Get("version"), 10, 32)
	if err != nil {
		vterrors.WriteHTTP(w, http.StatusBadRequest, vterrors.NewEnvelope(vterrors.InvalidInput, "version query param required", "", "", nil))
		return
	}

	confirmed, err := s.eng.GetConfirmations(r.Context(), doc, uint32(version))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": confirmed})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	doc := mux.Vars(r)["doc"]

	hist, err := s.eng.History(r.Context(), doc)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}

// handleWS upgrades to a websocket and streams every vtevents.Event whose
// Doc field matches the path's {doc} until the client disconnects.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	docLog := s.log.With("doc", doc)

	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		docLog.Warn(r.Context(), "ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()
	docLog.Info(r.Context(), "ws_connected", nil)
	defer docLog.Info(context.Background(), "ws_disconnected", nil)

	out := make(chan []byte, 16)
	unsubscribe := s.eng.Bus().Subscribe(func(ev vtevents.Event) {
		payload, ok := encodeEventForDoc(doc, ev)
		if !ok {
			return
		}
		select {
		case out <- payload:
		default: // slow reader: drop rather than block Publish's caller
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client-initiated closes/pings on their own goroutine so a
	// stalled read never blocks outbound pushes.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-out:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func encodeEventForDoc(doc string, ev vtevents.Event) ([]byte, bool) {
	var msg map[string]any
	switch e := ev.(type) {
	case vtevents.VersionChanged:
		if e.Doc != doc {
			return nil, false
		}
		msg = map[string]any{"type": "version_changed", "version": e.Version, "base_sha256": e.BaseSHA256}
	case vtevents.TokensUpdated:
		if e.Doc != doc {
			return nil, false
		}
		msg = map[string]any{"type": "tokens_updated", "version": e.Version}
	case vtevents.ConfirmationsChanged:
		if e.Doc != doc {
			return nil, false
		}
		msg = map[string]any{"type": "confirmations_changed", "version": e.Version}
	case vtevents.AlignmentFinished:
		if e.Doc != doc {
			return nil, false
		}
		errStr := ""
		if e.Err != nil {
			errStr = e.Err.Error()
		}
		msg = map[string]any{"type": "alignment_finished", "version": e.Version, "error": errStr}
	default:
		return nil, false
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		vterrors.WriteHTTP(w, http.StatusInternalServerError, vterrors.NewEnvelope(vterrors.Internal, "unknown error", "", "", nil))
		return
	}
	code := vterrors.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoV1):
		code = vterrors.NotFound
	case errors.Is(err, store.ErrConflict):
		code = vterrors.Conflict
	case errors.Is(err, confirm.ErrStaleBaseline), errors.Is(err, confirm.ErrRangeOrder), errors.Is(err, confirm.ErrRangeBounds):
		code = vterrors.InvalidInput
	case errors.Is(err, patch.ErrUnmergeable):
		code = vterrors.ConflictUnmerge
	}
	var chainErr *save.ChainError
	if errors.As(err, &chainErr) {
		code = vterrors.HashMismatch
	}
	s.log.Error(r.Context(), "request_failed", map[string]any{"path": r.URL.Path, "error": err.Error(), "code": string(code)})
	vterrors.WriteHTTP(w, vterrors.HTTPStatusFor(code), vterrors.NewEnvelope(code, err.Error(), "", "", nil))
}

func decodeJSONStrict(r *http.Request, v any) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func withAuth(next http.Handler) http.Handler {
	required := envBool("VTE_AUTH_REQUIRED", false)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/health" || !required {
			next.ServeHTTP(w, r)
			return
		}
		if strings.TrimSpace(r.Header.Get("X-Principal")) == "" {
			vterrors.WriteHTTP(w, http.StatusUnauthorized, vterrors.NewEnvelope(vterrors.Unauthorized, "missing X-Principal", "", "", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Principal")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		dur := time.Since(start).Milliseconds()
		level := "INFO"
		if rec.status >= 500 {
			level = "ERROR"
		} else if rec.status >= 400 {
			level = "WARN"
		}
		logLine(level, "request", "method=%s path=%s status=%d duration_ms=%d", r.Method, r.URL.Path, rec.status, dur)
	})
}

func logLine(level, msg, format string, args ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stdout, "%s %s %s %s\n", ts, level, msg, line)
}
