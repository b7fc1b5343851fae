package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bull/insight-engine/internal/storage/migrations"
)

const (
	metaDimension = "dimension"
	metaParams    = "params"
)

// SQLiteIndex is a VectorIndex persisted in a single SQLite file.
// Queries scan every vector; this is exact and fast enough for personal
// document folders. WAL mode lets queries run while ingestion writes.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

var _ VectorIndex = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens (creating if needed) the index database at path.
// A file that is not a valid database yields ErrIndexCorrupt.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteIndex{db: db, path: path}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("running migrations: %w", err))
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteIndex) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations.
func (s *SQLiteIndex) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// Upsert stores e, keeping the original insertion position when the id exists.
func (s *SQLiteIndex) Upsert(ctx context.Context, e Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkDimension(ctx, tx, len(e.Vector)); err != nil {
			return err
		}
		return insertEntry(ctx, tx, e)
	})
}

// DeleteBySource removes every entry of source. The source record is kept.
func (s *SQLiteIndex) DeleteBySource(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE source = ?", source); err != nil {
		return classify(fmt.Errorf("deleting entries of %s: %w", source, err))
	}
	return nil
}

// ReplaceSource deletes the old entries of rec.Source, inserts entries and
// records rec in one transaction: readers see either the old set or the new.
func (s *SQLiteIndex) ReplaceSource(ctx context.Context, rec SourceRecord, entries []Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE source = ?", rec.Source); err != nil {
			return fmt.Errorf("deleting entries of %s: %w", rec.Source, err)
		}

		for _, e := range entries {
			if e.Source != rec.Source {
				return fmt.Errorf("entry %s does not belong to source %s", e.ChunkID, rec.Source)
			}
			if err := checkDimension(ctx, tx, len(e.Vector)); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}

		rec.ChunkCount = len(entries)
		return upsertSource(ctx, tx, rec)
	})
}

// DeleteSource removes a source's entries and its record.
func (s *SQLiteIndex) DeleteSource(ctx context.Context, source string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE source = ?", source); err != nil {
			return fmt.Errorf("deleting entries of %s: %w", source, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE source = ?", source); err != nil {
			return fmt.Errorf("deleting source %s: %w", source, err)
		}
		return nil
	})
}

// MarkSeen updates last_seen_at of source.
func (s *SQLiteIndex) MarkSeen(ctx context.Context, source string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sources SET last_seen_at = ? WHERE source = ?", formatTime(at), source)
	if err != nil {
		return classify(fmt.Errorf("marking %s seen: %w", source, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	return nil
}

// Query scans all entries and returns the topK nearest by cosine distance.
// Equal distances keep insertion order. The scan is a single statement, so it
// sees one consistent snapshot even while ingestion writes.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]ScoredEntry, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id, source, chunk_index, text, vector FROM entries ORDER BY seq")
	if err != nil {
		return nil, classify(fmt.Errorf("querying entries: %w", err))
	}
	defer rows.Close()

	var (
		results []ScoredEntry
		vectors [][]float32
	)
	for rows.Next() {
		var (
			r    ScoredEntry
			blob []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.Source, &r.ChunkIndex, &r.Text, &blob); err != nil {
			return nil, classify(fmt.Errorf("scanning entry: %w", err))
		}
		v, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", r.ChunkID, err)
		}
		if len(vectors) > 0 && len(v) != len(vectors[0]) {
			return nil, fmt.Errorf("%w: entry %s has %d dimensions, others have %d",
				ErrIndexCorrupt, r.ChunkID, len(v), len(vectors[0]))
		}
		results = append(results, r)
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating entries: %w", err))
	}

	if len(vectors) == 0 {
		return []ScoredEntry{}, nil
	}
	if len(vector) != len(vectors[0]) {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), len(vectors[0]))
	}

	for i := range results {
		d := cosineDistance(vector, vectors[i])
		results[i].Distance = &d
	}

	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].Distance < *results[j].Distance
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Source returns the record for source.
func (s *SQLiteIndex) Source(ctx context.Context, source string) (*SourceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, fingerprint, title, chunk_count, modified_at, last_seen_at
		FROM sources WHERE source = ?`, source)

	rec, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Sources lists every recorded source ordered by path.
func (s *SQLiteIndex) Sources(ctx context.Context) ([]SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, fingerprint, title, chunk_count, modified_at, last_seen_at
		FROM sources ORDER BY source`)
	if err != nil {
		return nil, classify(fmt.Errorf("listing sources: %w", err))
	}
	defer rows.Close()

	var records []SourceRecord
	for rows.Next() {
		rec, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating sources: %w", err))
	}
	return records, nil
}

// Stats counts entries and sources.
func (s *SQLiteIndex) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&st.Entries); err != nil {
		return nil, classify(fmt.Errorf("counting entries: %w", err))
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sources").Scan(&st.Sources); err != nil {
		return nil, classify(fmt.Errorf("counting sources: %w", err))
	}
	dim, err := readDimension(ctx, s.db)
	if err != nil {
		return nil, err
	}
	st.Dimension = dim
	return &st, nil
}

// Params returns the stored ingestion parameters, or "" if none are set.
func (s *SQLiteIndex) Params(ctx context.Context) (string, error) {
	var params string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaParams).Scan(&params)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("reading params: %w", err))
	}
	return params, nil
}

// SetParams stores the ingestion parameters.
func (s *SQLiteIndex) SetParams(ctx context.Context, params string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, metaParams, params)
	if err != nil {
		return classify(fmt.Errorf("storing params: %w", err))
	}
	return nil
}

// Reset deletes all entries, records, the stored dimension and parameters.
func (s *SQLiteIndex) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entries", "sources", "meta"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteIndex) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readDimension(ctx context.Context, q queryRower) (int, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaDimension).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("reading dimension: %w", err))
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("%w: stored dimension %q", ErrIndexCorrupt, raw)
	}
	return dim, nil
}

// checkDimension fixes the index dimension on first write and rejects
// vectors of any other length afterwards.
func checkDimension(ctx context.Context, tx *sql.Tx, n int) error {
	if n == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	dim, err := readDimension(ctx, tx)
	if err != nil {
		return err
	}
	if dim == 0 {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?)", metaDimension, strconv.Itoa(n))
		if err != nil {
			return fmt.Errorf("storing dimension: %w", err)
		}
		return nil
	}
	if n != dim {
		return fmt.Errorf("%w: vector has %d dimensions, index has %d", ErrDimensionMismatch, n, dim)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (chunk_id, source, chunk_index, text, vector)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			source = excluded.source,
			chunk_index = excluded.chunk_index,
			text = excluded.text,
			vector = excluded.vector`,
		e.ChunkID, e.Source, e.ChunkIndex, e.Text, encodeVector(e.Vector))
	if err != nil {
		return fmt.Errorf("upserting entry %s: %w", e.ChunkID, err)
	}
	return nil
}

func upsertSource(ctx context.Context, tx *sql.Tx, rec SourceRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sources (source, fingerprint, title, chunk_count, modified_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			title = excluded.title,
			chunk_count = excluded.chunk_count,
			modified_at = excluded.modified_at,
			last_seen_at = excluded.last_seen_at`,
		rec.Source, rec.Fingerprint, rec.Title, rec.ChunkCount,
		formatTime(rec.ModifiedAt), formatTime(rec.LastSeenAt))
	if err != nil {
		return fmt.Errorf("recording source %s: %w", rec.Source, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*SourceRecord, error) {
	var (
		rec                SourceRecord
		modified, lastSeen string
	)
	err := row.Scan(&rec.Source, &rec.Fingerprint, &rec.Title, &rec.ChunkCount, &modified, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(fmt.Errorf("scanning source: %w", err))
	}

	if rec.ModifiedAt, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return nil, fmt.Errorf("%w: source %s modified_at %q", ErrIndexCorrupt, rec.Source, modified)
	}
	if rec.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("%w: source %s last_seen_at %q", ErrIndexCorrupt, rec.Source, lastSeen)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// classify marks SQLite corruption errors with ErrIndexCorrupt.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrIndexCorrupt) {
		return err
	}
	if isCorruption(err) {
		return fmt.Errorf("%w: %w", ErrIndexCorrupt, err)
	}
	return err
}

func isCorruption(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}
