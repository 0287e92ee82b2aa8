package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// recordStore persists embedding records and cache metadata in SQLite.
type recordStore struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode so searches see committed chunks while indexing runs
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Every committed chunk must survive a crash
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return db, nil
}

// newRecordStore opens the records database and applies migrations
func newRecordStore(ctx context.Context, dbPath string) (*recordStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &recordStore{db: db}, nil
}

// Close closes the database connection
func (s *recordStore) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Integrity

// quickCheck runs SQLite's structural check and returns ErrCacheCorrupt on
// any finding.
func (s *recordStore) quickCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: quick_check: %v", types.ErrCacheCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", types.ErrCacheCorrupt, result)
	}
	return nil
}

// Metadata operations

func getMetaWithQuerier(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM cache_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func setMetaWithQuerier(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *recordStore) meta(ctx context.Context) (Meta, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM cache_meta")
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read cache meta: %w", err)
	}
	defer rows.Close()

	var m Meta
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Meta{}, err
		}
		switch key {
		case metaDimension:
			d, err := strconv.Atoi(value)
			if err != nil || d < 0 {
				return Meta{}, fmt.Errorf("%w: invalid dimension %q", types.ErrCacheCorrupt, value)
			}
			m.Dimension = d
		case metaModel:
			m.Model = value
		case metaRoots:
			var roots []string
			if err := json.Unmarshal([]byte(value), &roots); err != nil {
				return Meta{}, fmt.Errorf("%w: invalid roots %q", types.ErrCacheCorrupt, value)
			}
			m.Roots = roots
		case metaLegacyRoot:
			if m.Roots == nil && value != "" {
				m.Roots = []string{value}
			}
		case metaLastIndexedAt:
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return Meta{}, fmt.Errorf("%w: invalid last_indexed_at %q", types.ErrCacheCorrupt, value)
			}
			m.LastIndexedAt = t
		}
	}
	return m, rows.Err()
}

func (s *recordStore) setMeta(ctx context.Context, key, value string) error {
	return setMetaWithQuerier(ctx, s.db, key, value)
}

// bind writes the root set and model in one transaction.
func (s *recordStore) bind(ctx context.Context, roots []string, model string) error {
	data, err := json.Marshal(roots)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := setMetaWithQuerier(ctx, tx, metaRoots, string(data)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_meta WHERE key = ?", metaLegacyRoot); err != nil {
		return fmt.Errorf("failed to drop legacy root: %w", err)
	}
	if model != "" {
		if err := setMetaWithQuerier(ctx, tx, metaModel, model); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Record operations

// upsertRecords writes all records in one transaction. The cache dimension is
// fixed by the first record ever written; every record is checked against it
// before any row is touched.
func (s *recordStore) upsertRecords(ctx context.Context, records []types.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dimension := 0
	value, err := getMetaWithQuerier(ctx, tx, metaDimension)
	switch {
	case err == ErrNotFound:
	case err != nil:
		return fmt.Errorf("failed to read dimension: %w", err)
	default:
		if dimension, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("%w: invalid dimension %q", types.ErrCacheCorrupt, value)
		}
	}
	if dimension == 0 {
		dimension = len(records[0].Vector)
	}

	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}
		if len(records[i].Vector) != dimension {
			return fmt.Errorf("%w: %s has %d dimensions, cache has %d",
				types.ErrDimensionMismatch, records[i].Path, len(records[i].Vector), dimension)
		}
	}

	if err := upsertRecordsWithQuerier(ctx, tx, records); err != nil {
		return err
	}
	if err := setMetaWithQuerier(ctx, tx, metaDimension, strconv.Itoa(dimension)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

func upsertRecordsWithQuerier(ctx context.Context, q querier, records []types.EmbeddingRecord) error {
	query := `
		INSERT INTO records (path, vector, dimension, size_bytes, mod_time_ns, indexed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			size_bytes = excluded.size_bytes,
			mod_time_ns = excluded.mod_time_ns,
			indexed_at_ns = excluded.indexed_at_ns
	`
	for i := range records {
		r := &records[i]
		_, err := q.ExecContext(ctx, query,
			r.Path, serializeVector(r.Vector), len(r.Vector), r.Size,
			r.ModTime.UnixNano(), r.IndexedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.Path, err)
		}
	}
	return nil
}

// deleteRecords removes the given paths in one transaction and returns the
// number of rows deleted.
func (s *recordStore) deleteRecords(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted, err := deleteRecordsWithQuerier(ctx, tx, paths)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return deleted, nil
}

func deleteRecordsWithQuerier(ctx context.Context, q querier, paths []string) (int, error) {
	deleted := 0
	for _, p := range paths {
		result, err := q.ExecContext(ctx, "DELETE FROM records WHERE path = ?", p)
		if err != nil {
			return 0, fmt.Errorf("failed to delete record %s: %w", p, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

// clear removes every record and all metadata.
func (s *recordStore) clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_meta"); err != nil {
		return fmt.Errorf("failed to clear cache meta: %w", err)
	}
	return tx.Commit()
}

// fingerprints returns path -> (size, mtime) for every record.
func (s *recordStore) fingerprints(ctx context.Context) (map[string]types.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, size_bytes, mod_time_ns FROM records")
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.Fingerprint)
	for rows.Next() {
		var path string
		var size, modNS int64
		if err := rows.Scan(&path, &size, &modNS); err != nil {
			return nil, err
		}
		out[path] = types.Fingerprint{Size: size, ModTime: time.Unix(0, modNS)}
	}
	return out, rows.Err()
}

// scan streams every record to fn in path order from a single query, which
// SQLite serves from one read snapshot. fn must not call back into the store.
func (s *recordStore) scan(ctx context.Context, fn func(types.EmbeddingRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, vector, dimension, size_bytes, mod_time_ns, indexed_at_ns
		FROM records
		ORDER BY path
	`)
	if err != nil {
		return fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanRecord(rows *sql.Rows) (types.EmbeddingRecord, error) {
	var (
		rec                types.EmbeddingRecord
		blob               []byte
		dimension          int
		modNS, indexedAtNS int64
	)
	if err := rows.Scan(&rec.Path, &blob, &dimension, &rec.Size, &modNS, &indexedAtNS); err != nil {
		return rec, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return rec, fmt.Errorf("%w: record %s: %v", types.ErrCacheCorrupt, rec.Path, err)
	}
	if len(vec) != dimension {
		return rec, fmt.Errorf("%w: record %s has %d values, declares %d",
			types.ErrCacheCorrupt, rec.Path, len(vec), dimension)
	}
	rec.Vector = vec
	rec.ModTime = time.Unix(0, modNS)
	rec.IndexedAt = time.Unix(0, indexedAtNS)
	return rec, nil
}

// rootStats counts the records below each root. Paths are compared by prefix
// so the query never needs LIKE escaping.
func (s *recordStore) rootStats(ctx context.Context, roots []string) ([]types.RootStats, error) {
	out := make([]types.RootStats, 0, len(roots))
	for _, root := range roots {
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		var (
			rs    = types.RootStats{Root: root}
			total sql.NullInt64
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), SUM(size_bytes) FROM records
			WHERE substr(path, 1, length(?)) = ?
		`, prefix, prefix).Scan(&rs.Entries, &total)
		if err != nil {
			return nil, fmt.Errorf("failed to count records below %s: %w", root, err)
		}
		rs.TotalBytes = total.Int64
		out = append(out, rs)
	}
	return out, nil
}

// recordStats aggregates record counts and timestamps.
type recordStats struct {
	entries    int
	totalBytes int64
	oldest     *time.Time
	newest     *time.Time
	fileSize   int64
}

func (s *recordStore) stats(ctx context.Context) (*recordStats, error) {
	var (
		st             recordStats
		total          sql.NullInt64
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(size_bytes), MIN(indexed_at_ns), MAX(indexed_at_ns) FROM records
	`).Scan(&st.entries, &total, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	st.totalBytes = total.Int64
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		st.oldest = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		st.newest = &t
	}

	// Calculate database size
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		st.fileSize = pageCount * pageSize
	}
	return &st, nil
}
