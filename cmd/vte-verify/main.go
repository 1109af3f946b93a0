// Command vte-verify runs the Chain Verifier (C9) against a single document
// in a sqlite-backed store and reports the result on stdout/stderr, for
// operators and CI jobs that want to catch chain corruption outside the
// save path. Grounded on cmd/drone/main.go's flag-driven, single-purpose
// CLI shape and logLine helper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/transcriptlab/vte/internal/store"
	"github.com/transcriptlab/vte/internal/verify"
)

func main() {
	var (
		sqlitePath = flag.String("sqlite", "", "path to the sqlite database (required)")
		doc        = flag.String("doc", "", "document id to verify (required)")
		timeout    = flag.Duration("timeout", 30*time.Second, "verification timeout")
	)
	flag.Parse()

	if strings.TrimSpace(*sqlitePath) == "" || strings.TrimSpace(*doc) == "" {
		fmt.Fprintln(os.Stderr, "vte-verify: -sqlite and -doc are both required")
		flag.Usage()
		os.Exit(2)
	}

	st, err := store.OpenSQLite(*sqlitePath)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := verify.Verify(ctx, st, *doc)
	if err != nil {
		fatalf("verify: %v", err)
	}

	if res.Ok {
		logLine("INFO", "chain_sound", "doc=%s hash=%s", *doc, res.Hash)
		return
	}

	logLine("ERROR", "chain_unsound", "doc=%s reason=%s at=%d got=%s expected=%s",
		*doc, res.Reason, res.At, res.Got, res.Expected)
	os.Exit(1)
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
