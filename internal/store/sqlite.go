package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/transcriptlab/vte/internal/canonical"
	"github.com/transcriptlab/vte/internal/diff"
	"github.com/transcriptlab/vte/internal/timing"
	"github.com/transcriptlab/vte/pkg/vtretry"
)

// SQLiteStore is the embedded/dev-friendly Store backend. It serializes all
// writes (SetMaxOpenConns(1)) because SQLite allows only one writer at a
// time; per-document locking happens one level up from the connection pool.
type SQLiteStore struct {
	db    *sql.DB
	retry vtretry.Policy
}

// OpenSQLite opens dbPath with the same WAL/busy-timeout DSN shape used
// elsewhere in this codebase for single-writer embedded databases.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite best practice: one writer connection

	s := &SQLiteStore{db: db, retry: vtretry.DefaultPolicy(isSQLiteBusy)}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS versions (
			doc TEXT NOT NULL,
			version INTEGER NOT NULL,
			base_sha256 TEXT NOT NULL,
			text TEXT NOT NULL,
			words_json TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (doc, version)
		);`,
		`CREATE TABLE IF NOT EXISTS edits (
			doc TEXT NOT NULL,
			parent_version INTEGER NOT NULL,
			child_version INTEGER NOT NULL,
			text_ops_json TEXT NOT NULL,
			timing_ops_json TEXT NOT NULL,
			PRIMARY KEY (doc, child_version)
		);`,
		`CREATE TABLE IF NOT EXISTS confirmations (
			doc TEXT NOT NULL,
			version INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			prefix TEXT NOT NULL,
			exact TEXT NOT NULL,
			suffix TEXT NOT NULL,
			base_sha256 TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, doc string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, base_sha256, text, words_json, created_by, created_at
		FROM versions WHERE doc = ? ORDER BY version DESC LIMIT 1;`, doc)
	return scanVersion(row, doc)
}

func (s *SQLiteStore) Get(ctx context.Context, doc string, n uint32) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, base_sha256, text, words_json, created_by, created_at
		FROM versions WHERE doc = ? AND version = ?;`, doc, n)
	v, err := scanVersion(row, doc)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *SQLiteStore) Words(ctx context.Context, doc string, n uint32, segmentStart, count int) ([]Word, error) {
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

func (s *SQLiteStore) History(ctx context.Context, doc string) ([]VersionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, base_sha256, created_by, created_at
		FROM versions WHERE doc = ? ORDER BY version ASC;`, doc)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []VersionMeta
	for rows.Next() {
		var m VersionMeta
		var createdAt time.Time
		if err := rows.Scan(&m.Version, &m.BaseSHA256, &m.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		m.CreatedAt = createdAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Edits(ctx context.Context, doc string) ([]EditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_version, child_version, text_ops_json, timing_ops_json
		FROM edits WHERE doc = ? ORDER BY child_version ASC;`, doc)
	if err != nil {
		return nil, fmt.Errorf("store: edits: %w", err)
	}
	defer rows.Close()

	var out []EditRecord
	for rows.Next() {
		var rec EditRecord
		var opsJSON, timingJSON string
		if err := rows.Scan(&rec.ParentVersion, &rec.ChildVersion, &opsJSON, &timingJSON); err != nil {
			return nil, fmt.Errorf("store: edits scan: %w", err)
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

func (s *SQLiteStore) Insert(ctx context.Context, doc string, parentVersion uint32, expectedBaseSHA256 string, text string, words []Word, timingOps []timing.TimingBlock) (InsertResult, error) {
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

func (s *SQLiteStore) insertOnce(ctx context.Context, doc string, parentVersion uint32, expectedBaseSHA256 string, text string, words []Word, timingOps []timing.TimingBlock) (InsertResult, error) {
	canonText, baseSHA := canonical.CanonicalizeAndHash(text)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		latestVersion uint32
		latestText    string
		hasLatest     bool
	)
	row := tx.QueryRowContext(ctx, `SELECT version, text FROM versions WHERE doc = ? ORDER BY version DESC LIMIT 1;`, doc)
	switch err := row.Scan(&latestVersion, &latestText); err {
	case nil:
		hasLatest = true
	case sql.ErrNoRows:
		hasLatest = false
	default:
		return InsertResult{}, fmt.Errorf("store: read latest: %w", err)
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

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO versions (doc, version, base_sha256, text, words_json, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);`, doc, child, baseSHA, canonText, string(wordsJSON), "", now); err != nil {
		return InsertResult{}, fmt.Errorf("store: insert version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO edits (doc, parent_version, child_version, text_ops_json, timing_ops_json)
		VALUES (?, ?, ?, ?, ?);`, doc, child-1, child, string(opsJSON), string(timingJSON)); err != nil {
		return InsertResult{}, fmt.Errorf("store: insert edit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("store: commit: %w", err)
	}
	return InsertResult{Version: child, BaseSHA256: baseSHA}, nil
}

func (s *SQLiteStore) UpdateWords(ctx context.Context, doc string, version uint32, words []Word) error {
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return fmt.Errorf("store: marshal words: %w", err)
	}
	return vtretry.Do(ctx, s.retry, func(int) error {
		res, err := s.db.ExecContext(ctx, `UPDATE versions SET words_json = ? WHERE doc = ? AND version = ?;`,
			string(wordsJSON), doc, version)
		if err != nil {
			return fmt.Errorf("store: update words: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: update words rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ReplaceConfirmations(ctx context.Context, doc string, version uint32, confirmations []ConfirmationRecord) error {
	return vtretry.Do(ctx, s.retry, func(int) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM confirmations WHERE doc = ? AND version = ?;`, doc, version); err != nil {
			return fmt.Errorf("store: delete confirmations: %w", err)
		}
		for _, c := range confirmations {
			if _, err := tx.ExecContext(ctx, `INSERT INTO confirmations
				(doc, version, start_offset, end_offset, prefix, exact, suffix, base_sha256)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
				doc, version, c.StartOffset, c.EndOffset, c.Prefix, c.Exact, c.Suffix, c.BaseSHA256); err != nil {
				return fmt.Errorf("store: insert confirmation: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Confirmations(ctx context.Context, doc string, version uint32) ([]ConfirmationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_offset, end_offset, prefix, exact, suffix, base_sha256
		FROM confirmations WHERE doc = ? AND version = ?;`, doc, version)
	if err != nil {
		return nil, fmt.Errorf("store: confirmations: %w", err)
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

func scanVersion(row *sql.Row, doc string) (*Version, error) {
	var (
		v         Version
		wordsJSON string
		createdAt time.Time
	)
	v.Doc = doc
	if err := row.Scan(&v.Version, &v.BaseSHA256, &v.Text, &wordsJSON, &v.CreatedBy, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan version: %w", err)
	}
	v.CreatedAt = createdAt.UTC()
	if wordsJSON != "" {
		if err := json.Unmarshal([]byte(wordsJSON), &v.Words); err != nil {
			return nil, fmt.Errorf("store: bad words json: %w", err)
		}
	}
	return &v, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}
