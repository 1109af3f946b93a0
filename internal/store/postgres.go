package store

// PostgresStore is the production Version Store backend. It is adapted
// directly from the object-store pattern used elsewhere for blob
// persistence: standard library database/sql only (the driver is
// registered by the caller via a blank import of lib/pq), table name
// validated against injection since it is interpolated with fmt.Sprintf.
// Insert stamps created_at/partition_key with a single time.Now().UTC()
// read per call so both columns agree on the same instant.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/timing"
	"github.com/transcriptlab/vte/pkg/vteversion"
	"github.com/transcriptlab/vte/pkg/vtretry"
)

var ErrDB = errors.New("store: db error")

type PostgresOptions struct {
	VersionsTable      string // default "vte_versions"
	EditsTable         string // default "vte_edits"
	ConfirmationsTable string // default "vte_confirmations"
}

type PostgresStore struct {
	db       *sql.DB
	opts     PostgresOptions
	retry    vtretry.Policy
	vTable   string
	eTable   string
	cTable   string
}

func NewPostgresStore(db *sql.DB, opts PostgresOptions) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil db")
	}
	v := strings.TrimSpace(opts.VersionsTable)
	if v == "" {
		v = "vte_versions"
	}
	e := strings.TrimSpace(opts.EditsTable)
	if e == "" {
		e = "vte_edits"
	}
	c := strings.TrimSpace(opts.ConfirmationsTable)
	if c == "" {
		c = "vte_confirmations"
	}
	for _, name := range []string{v, e, c} {
		if err := validateTableName(name); err != nil {
			return nil, fmt.Errorf("store: invalid table name %q: %w", name, err)
		}
	}
	return &PostgresStore{
		db:     db,
		opts:   opts,
		retry:  vtretry.DefaultPolicy(isPostgresTransient),
		vTable: v, eTable: e, cTable: c,
	}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc TEXT NOT NULL,
			version INTEGER NOT NULL,
			base_sha256 TEXT NOT NULL,
			text TEXT NOT NULL,
			words_json TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (doc, version)
		);`, s.vTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_partition_key_idx ON %s (partition_key);`, s.vTable, s.vTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc TEXT NOT NULL,
			parent_version INTEGER NOT NULL,
			child_version INTEGER NOT NULL,
			text_ops_json TEXT NOT NULL,
			timing_ops_json TEXT NOT NULL,
			PRIMARY KEY (doc, child_version)
		);`, s.eTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc TEXT NOT NULL,
			version INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			prefix TEXT NOT NULL,
			exact TEXT NOT NULL,
			suffix TEXT NOT NULL,
			base_sha256 TEXT NOT NULL
		);`, s.cTable),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrDB, err)
		}
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, doc string) (*Version, error) {
	q := fmt.Sprintf(`SELECT version, base_sha256, text, words_json, created_by, created_at
		FROM %s WHERE doc = $1 ORDER BY version DESC LIMIT 1;`, s.vTable)
	return s.scanOneVersion(ctx, doc, q, doc)
}

func (s *PostgresStore) Get(ctx context.Context, doc string, n uint32) (*Version, error) {
	q := fmt.Sprintf(`SELECT version, base_sha256, text, words_json, created_by, created_at
		FROM %s WHERE doc = $1 AND version = $2;`, s.vTable)
	v, err := s.scanOneVersion(ctx, doc, q, doc, n)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *PostgresStore) Words(ctx context.Context, doc string, n uint32, segmentStart, count int) ([]Word, error) {
	v, err := s.Get(ctx, doc, n)
	if err != nil {
		return nil, err
	}
	if count <= 0 || segmentStart < 0 {
		return v.Words, nil
	}
	end := segmentStart + count
	if end > len(v.Words) {
		end = len(v.Words)
	}
	if segmentStart > len(v.Words) {
		segmentStart = len(v.Words)
	}
	return v.Words[segmentStart:end], nil
}

func (s *PostgresStore) History(ctx context.Context, doc string) ([]VersionMeta, error) {
	q := fmt.Sprintf(`SELECT version, base_sha256, created_by, created_at
		FROM %s WHERE doc = $1 ORDER BY version ASC;`, s.vTable)
	rows, err := s.db.QueryContext(ctx, q, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []VersionMeta
	for rows.Next() {
		var m VersionMeta
		var createdAt time.Time
		if err := rows.Scan(&m.Version, &m.BaseSHA256, &m.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrDB, err)
		}
		m.CreatedAt = createdAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Edits(ctx context.Context, doc string) ([]EditRecord, error) {
	q := fmt.Sprintf(`SELECT parent_version, child_version, text_ops_json, timing_ops_json
		FROM %s WHERE doc = $1 ORDER BY child_version ASC;`, s.eTable)
	rows, err := s.db.QueryContext(ctx, q, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: edits: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []EditRecord
	for rows.Next() {
		var rec EditRecord
		var opsJSON, timingJSON string
		if err := rows.Scan(&rec.ParentVersion, &rec.ChildVersion, &opsJSON, &timingJSON); err != nil {
			return nil, fmt.Errorf("%w: edits scan: %v", ErrDB, err)
		}
		rec.Doc = doc
		if err := json.Unmarshal([]byte(opsJSON), &rec.TextOps); err != nil {
			return nil, fmt.Errorf("store: bad text_ops: %w", err)
		}
		if timingJSON != "" {
			if err := json.Unmarshal([]byte(timingJSON), &rec.TimingOps); err != nil {
				return nil, fmt.Errorf("store: bad timing_ops: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, doc string, parentVersion uint32, expectedBaseSHA256 string, text string, words []Word, timingOps []timing.TimingBlock) (InsertResult, error) {
	var result InsertResult
	err := vtretry.Do(ctx, s.retry, func(int) error {
		r, err := s.insertOnce(ctx, doc, parentVersion, expectedBaseSHA256, text, words, timingOps)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *PostgresStore) insertOnce(ctx context.Context, doc string, parentVersion uint32, expectedBaseSHA256 string, text string, words []Word, timingOps []timing.TimingBlock) (InsertResult, error) {
	canonText, baseSHA := canonical.CanonicalizeAndHash(text)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("%w: begin: %v", ErrDB, err)
	}
	defer tx.Rollback()

	lockQ := fmt.Sprintf(`SELECT version, text FROM %s WHERE doc = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE;`, s.vTable)
	var (
		latestVersion uint32
		latestText    string
		hasLatest     bool
	)
	switch err := tx.QueryRowContext(ctx, lockQ, doc).Scan(&latestVersion, &latestText); err {
	case nil:
		hasLatest = true
	case sql.ErrNoRows:
		hasLatest = false
	default:
		return InsertResult{}, fmt.Errorf("%w: read latest: %v", ErrDB, err)
	}

	if parentVersion > 0 {
		if !hasLatest || latestVersion != parentVersion {
			got := uint32(0)
			if hasLatest {
				got = latestVersion
			}
			return InsertResult{}, &ConflictError{Doc: doc, Latest: got, Expected: parentVersion}
		}
		if expectedBaseSHA256 != "" {
			_, latestHash := canonical.CanonicalizeAndHash(latestText)
			if expectedBaseSHA256 != latestHash {
				return InsertResult{}, &ConflictError{Doc: doc, Latest: latestVersion, Expected: parentVersion}
			}
		}
	}

	child := uint32(1)
	parentText := ""
	if hasLatest {
		child = latestVersion + 1
		parentText = latestText
	}

	ops := diff.Diff(parentText, canonText)
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return InsertResult{}, fmt.Errorf("store: marshal ops: %w", err)
	}
	timingJSON, err := json.Marshal(timingOps)
	if err != nil {
		return InsertResult{}, fmt.Errorf("store: marshal timing ops: %w", err)
	}
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return InsertResult{}, fmt.Errorf("store: marshal words: %w", err)
	}

	createdAt := time.Now().UTC()
	partitionKey := vteversion.PartitionKey(doc, createdAt)

	insV := fmt.Sprintf(`INSERT INTO %s (doc, version, base_sha256, text, words_json, created_by, created_at, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`, s.vTable)
	if _, err := tx.ExecContext(ctx, insV, doc, child, baseSHA, canonText, string(wordsJSON), "", createdAt, partitionKey); err != nil {
		return InsertResult{}, fmt.Errorf("%w: insert version: %v", ErrDB, err)
	}

	insE := fmt.Sprintf(`INSERT INTO %s (doc, parent_version, child_version, text_ops_json, timing_ops_json)
		VALUES ($1, $2, $3, $4, $5);`, s.eTable)
	if _, err := tx.ExecContext(ctx, insE, doc, child-1, child, string(opsJSON), string(timingJSON)); err != nil {
		return InsertResult{}, fmt.Errorf("%w: insert edit: %v", ErrDB, err)
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("%w: commit: %v", ErrDB, err)
	}
	return InsertResult{Version: child, BaseSHA256: baseSHA}, nil
}

func (s *PostgresStore) UpdateWords(ctx context.Context, doc string, version uint32, words []Word) error {
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return fmt.Errorf("store: marshal words: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET words_json = $1 WHERE doc = $2 AND version = $3;`, s.vTable)
	return vtretry.Do(ctx, s.retry, func(int) error {
		res, err := s.db.ExecContext(ctx, q, string(wordsJSON), doc, version)
		if err != nil {
			return fmt.Errorf("%w: update words: %v", ErrDB, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update words rows affected: %v", ErrDB, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ReplaceConfirmations(ctx context.Context, doc string, version uint32, confirmations []ConfirmationRecord) error {
	return vtretry.Do(ctx, s.retry, func(int) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin: %v", ErrDB, err)
		}
		defer tx.Rollback()

		delQ := fmt.Sprintf(`DELETE FROM %s WHERE doc = $1 AND version = $2;`, s.cTable)
		if _, err := tx.ExecContext(ctx, delQ, doc, version); err != nil {
			return fmt.Errorf("%w: delete confirmations: %v", ErrDB, err)
		}
		insQ := fmt.Sprintf(`INSERT INTO %s
			(doc, version, start_offset, end_offset, prefix, exact, suffix, base_sha256)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`, s.cTable)
		for _, c := range confirmations {
			if _, err := tx.ExecContext(ctx, insQ, doc, version, c.StartOffset, c.EndOffset, c.Prefix, c.Exact, c.Suffix, c.BaseSHA256); err != nil {
				return fmt.Errorf("%w: insert confirmation: %v", ErrDB, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %v", ErrDB, err)
		}
		return nil
	})
}

func (s *PostgresStore) Confirmations(ctx context.Context, doc string, version uint32) ([]ConfirmationRecord, error) {
	q := fmt.Sprintf(`SELECT start_offset, end_offset, prefix, exact, suffix, base_sha256
		FROM %s WHERE doc = $1 AND version = $2;`, s.cTable)
	rows, err := s.db.QueryContext(ctx, q, doc, version)
	if err != nil {
		return nil, fmt.Errorf("%w: confirmations: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []ConfirmationRecord
	for rows.Next() {
		c := ConfirmationRecord{Doc: doc, Version: version}
		if err := rows.Scan(&c.StartOffset, &c.EndOffset, &c.Prefix, &c.Exact, &c.Suffix, &c.BaseSHA256); err != nil {
			return nil, fmt.Errorf("store: confirmations scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanOneVersion(ctx context.Context, doc, q string, args ...any) (*Version, error) {
	row := s.db.QueryRowContext(ctx, q, args...)
	var (
		v         Version
		wordsJSON string
		createdAt time.Time
	)
	v.Doc = doc
	switch err := row.Scan(&v.Version, &v.BaseSHA256, &v.Text, &wordsJSON, &v.CreatedBy, &createdAt); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: scan version: %v", ErrDB, err)
	}
	v.CreatedAt = createdAt.UTC()
	if wordsJSON != "" {
		if err := json.Unmarshal([]byte(wordsJSON), &v.Words); err != nil {
			return nil, fmt.Errorf("store: bad words json: %w", err)
		}
	}
	return &v, nil
}

// validateTableName is a conservative check to prevent injection when a
// table name is interpolated with fmt.Sprintf. Letters, digits, and
// underscore only, must not start with a digit.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			continue
		case r >= '0' && r <= '9' && i > 0:
			continue
		default:
			return fmt.Errorf("invalid character %q in table name", r)
		}
	}
	return nil
}

func isPostgresTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "too many connections")
}
