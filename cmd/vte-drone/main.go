// Command vte-drone is the ops CLI that exports a document's version
// history and edit chain to YAML for offline inspection or archival,
// grounded on cmd/drone/main.go's flag-driven export shape: manual
// yaml.Node construction for a stable field order, a logLine helper, and a
// single-purpose main that does one thing and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/transcriptlab/vte/internal/store"
)

func main() {
	var (
		sqlitePath = flag.String("sqlite", "", "path to the sqlite database (required)")
		doc        = flag.String("doc", "", "document id to export (required)")
		out        = flag.String("out", "-", "output path, or - for stdout")
	)
	flag.Parse()

	if strings.TrimSpace(*sqlitePath) == "" || strings.TrimSpace(*doc) == "" {
		fmt.Fprintln(os.Stderr, "vte-drone: -sqlite and -doc are both required")
		flag.Usage()
		os.Exit(2)
	}

	st, err := store.OpenSQLite(*sqlitePath)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	node, versionCount, err := buildExportNode(ctx, st, *doc)
	if err != nil {
		fatalf("export %s: %v", *doc, err)
	}

	b, err := yaml.Marshal(node)
	if err != nil {
		fatalf("marshal: %v", err)
	}

	if *out == "-" || *out == "" {
		os.Stdout.Write(b)
		logLine("INFO", "export_written", "doc=%s dest=stdout versions=%d", *doc, versionCount)
		return
	}
	if err := os.WriteFile(*out, b, 0o644); err != nil {
		fatalf("write %s: %v", *out, err)
	}
	logLine("INFO", "export_written", "doc=%s dest=%s versions=%d", *doc, *out, versionCount)
}

// buildExportNode walks the document's history and edit records into a
// yaml.Node tree by hand, rather than relying on struct-tag marshaling, so
// the exported file's key order (doc, versions, edits) is stable regardless
// of Go struct field ordering changes down the line.
func buildExportNode(ctx context.Context, st *store.SQLiteStore, doc string) (*yaml.Node, int, error) {
	hist, err := st.History(ctx, doc)
	if err != nil {
		return nil, 0, err
	}
	if len(hist) == 0 {
		return nil, 0, store.ErrNoV1
	}
	edits, err := st.Edits(ctx, doc)
	if err != nil {
		return nil, 0, err
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	appendKV(root, "doc", scalar(doc))

	versionsNode := &yaml.Node{Kind: yaml.SequenceNode}
	for _, v := range hist {
		versionsNode.Content = append(versionsNode.Content, versionNode(v))
	}
	appendKV(root, "versions", versionsNode)

	editsNode := &yaml.Node{Kind: yaml.SequenceNode}
	for _, e := range edits {
		editsNode.Content = append(editsNode.Content, editNode(e))
	}
	appendKV(root, "edits", editsNode)

	return root, len(hist), nil
}

func versionNode(v store.VersionMeta) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	appendKV(n, "version", scalar(fmt.Sprintf("%d", v.Version)))
	appendKV(n, "base_sha256", scalar(v.BaseSHA256))
	if v.CreatedBy != "" {
		appendKV(n, "created_by", scalar(v.CreatedBy))
	}
	appendKV(n, "created_at", scalar(v.CreatedAt.UTC().Format(time.RFC3339)))
	return n
}

func editNode(e store.EditRecord) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	appendKV(n, "parent_version", scalar(fmt.Sprintf("%d", e.ParentVersion)))
	appendKV(n, "child_version", scalar(fmt.Sprintf("%d", e.ChildVersion)))
	appendKV(n, "op_count", scalar(fmt.Sprintf("%d", len(e.TextOps))))
	return n
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}

func appendKV(mapping *yaml.Node, key string, value *yaml.Node) {
	mapping.Content = append(mapping.Content, scalar(key), value)
}

func fatalf(format string, args ...any) {
	logLine("ERROR", "fatal", format, args...)
	os.Exit(1)
}

func logLine(level, msg, format string, args ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s %s %s %s\n", ts, level, msg, line)
}
