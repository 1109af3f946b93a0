// Package vtconfig loads engine configuration from a filesystem root with
// deterministic layering: base -> env -> environment-variable overrides.
//
// Conventions:
//
//	<root>/engine.json
//	<root>/env/<env>/engine.json
//
// Load looks only for engine.json in each tier; no engine.yaml/engine.yml
// file is read. loadFile's v0 YAML rule: a .yaml/.yml path is accepted only
// if its content parses as JSON (json-as-yaml); anything else is
// ErrUnsupportedYAML.
package vtconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Options struct {
	Env string // optional, e.g. "local", "dev", "prod"

	EnableEnvOverrides bool   // always true: NewLoader sets it even when false is passed
	EnvPrefix          string // default "VTE_"
	PathDelimiter      string // default "__"

	MaxFiles     int // default 8
	MaxFileBytes int64
	MaxDepth     int

	OnWarn func(code, detail string)
}

type Document struct {
	Path string
	Tier string // base|env
	Data map[string]any
}

type Bundle struct {
	Env    string
	Docs   []Document
	Merged map[string]any
}

var (
	ErrInvalidRoot     = errors.New("vtconfig: invalid root")
	ErrTooManyFiles    = errors.New("vtconfig: too many files")
	ErrFileTooLarge    = errors.New("vtconfig: file too large")
	ErrUnsupportedExt  = errors.New("vtconfig: unsupported extension")
	ErrInvalidJSON     = errors.New("vtconfig: invalid json")
	ErrNotObject       = errors.New("vtconfig: top-level must be an object")
	ErrUnsupportedYAML = errors.New("vtconfig: yaml unsupported (v0 only supports json-as-yaml)")
	ErrDepthExceeded   = errors.New("vtconfig: max depth exceeded")
)

type Loader struct {
	rootAbs string
	opts    Options
	reSeg   *regexp.Regexp
}

func NewLoader(root string, opts Options) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 8
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 2 * 1024 * 1024
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 32
	}
	if opts.PathDelimiter == "" {
		opts.PathDelimiter = "__"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "VTE_"
	}
	if !opts.EnableEnvOverrides {
		opts.EnableEnvOverrides = true
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", ErrInvalidRoot)
	}
	return &Loader{
		rootAbs: abs,
		opts:    opts,
		reSeg:   regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`),
	}, nil
}

func (l *Loader) warn(code, detail string) {
	if l != nil && l.opts.OnWarn != nil {
		l.opts.OnWarn(code, detail)
	}
}

// Load reads the base file, the env-tier file (if Env is set), and applies
// environment-variable overrides, in that precedence order.
func (l *Loader) Load() (*Bundle, error) {
	var docs []Document
	merged := map[string]any{}

	candidates := []struct{ rel, tier string }{
		{"engine.json", "base"},
	}
	if l.opts.Env != "" {
		candidates = append(candidates, struct{ rel, tier string }{
			filepath.Join("env", l.opts.Env, "engine.json"), "env",
		})
	}
	if len(candidates) > l.opts.MaxFiles {
		return nil, ErrTooManyFiles
	}
	for _, c := range candidates {
		doc, err := l.loadFile(c.rel, c.tier)
		if err != nil {
			if os.IsNotExist(err) {
				l.warn("file_missing", c.rel)
				continue
			}
			return nil, err
		}
		docs = append(docs, *doc)
		merged = deepMerge(merged, doc.Data, l.opts.MaxDepth)
	}

	if l.opts.EnableEnvOverrides {
		envMap, err := l.envOverrides()
		if err != nil {
			return nil, err
		}
		if len(envMap) > 0 {
			merged = deepMerge(merged, envMap, l.opts.MaxDepth)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return &Bundle{Env: l.opts.Env, Docs: docs, Merged: merged}, nil
}

func (l *Loader) loadFile(rel, tier string) (*Document, error) {
	abs := filepath.Join(l.rootAbs, rel)
	ext := strings.ToLower(filepath.Ext(abs))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExt, ext)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Size() > l.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: %s", ErrFileTooLarge, rel)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		if ext == ".yaml" || ext == ".yml" {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedYAML, rel, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJSON, rel, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotObject, rel)
	}
	return &Document{Path: rel, Tier: tier, Data: data}, nil
}

// envOverrides scans os.Environ for EnvPrefix-matching vars and expands
// PathDelimiter-joined keys into nested maps, e.g. VTE_STORE__DSN=foo ->
// {"store":{"dsn":"foo"}}.
func (l *Loader) envOverrides() (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		k, v := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(k, l.opts.EnvPrefix) {
			continue
		}
		path := strings.TrimPrefix(k, l.opts.EnvPrefix)
		if path == "" {
			continue
		}
		segs := strings.Split(strings.ToLower(path), strings.ToLower(l.opts.PathDelimiter))
		valid := true
		for _, s := range segs {
			if !l.reSeg.MatchString(s) {
				valid = false
				break
			}
		}
		if !valid {
			l.warn("env_override_invalid", k)
			continue
		}
		if len(segs) > l.opts.MaxDepth {
			l.warn("env_override_too_deep", k)
			continue
		}
		setPath(out, segs, parseEnvValue(v))
	}
	return out, nil
}

func parseEnvValue(v string) any {
	var j any
	if err := json.Unmarshal([]byte(v), &j); err == nil {
		switch j.(type) {
		case map[string]any, []any, float64, bool, nil:
			return j
		}
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	return v
}

func setPath(m map[string]any, segs []string, v any) {
	cur := m
	for i, s := range segs {
		if i == len(segs)-1 {
			cur[s] = v
			return
		}
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
}

func deepMerge(dst, src map[string]any, maxDepth int) map[string]any {
	return deepMergeDepth(dst, src, 0, maxDepth)
}

func deepMergeDepth(dst, src map[string]any, depth, maxDepth int) map[string]any {
	if depth > maxDepth {
		return dst
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMergeDepth(dv, sv, depth+1, maxDepth)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
