// Package store provides the durable key->entry storage backing the cache
// layer, built on an embedded SQLite database.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"

	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/types"
)

// compressThreshold is the payload size below which gzip is skipped; tiny
// payloads grow under compression.
const compressThreshold = 1024

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key              TEXT PRIMARY KEY,
	descriptor       TEXT NOT NULL,
	payload          BLOB NOT NULL,
	compressed       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	ttl_ms           INTEGER NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER NOT NULL,
	size_bytes       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON entries(last_accessed_at);
`

// Config represents persistent store configuration
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`

	// Compression gzips stored payloads above a size threshold.
	Compression bool `yaml:"compression"`
}

// SQLiteStore implements types.Store over a single SQLite database. The
// engine's WAL journal provides the durability guarantee; no custom
// write-ahead logic lives at this layer.
type SQLiteStore struct {
	db       *sql.DB
	compress bool
}

// Open opens (creating if necessary) the store at cfg.Path.
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "store path must be set").
			WithComponent("store")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCacheRead, "failed to open database").
			WithComponent("store").WithCause(err)
	}

	// SQLite allows a single writer; serializing connections avoids
	// SQLITE_BUSY churn under concurrent cache writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeCacheWrite, "failed to initialize schema").
			WithComponent("store").WithCause(err)
	}

	return &SQLiteStore{db: db, compress: cfg.Compression}, nil
}

// Get returns the entry for key, or (nil, nil) when absent. A payload that
// no longer decodes is reported as a CACHE_CORRUPT error so the cache layer
// can delete it and treat the read as a miss.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, descriptor, payload, compressed, created_at, ttl_ms, access_count, last_accessed_at, size_bytes
		FROM entries WHERE key = ?`, key)

	var (
		entry      types.CacheEntry
		blob       []byte
		compressed bool
		createdMs  int64
		ttlMs      int64
		accessedMs int64
	)
	err := row.Scan(&entry.Key, &entry.Descriptor, &blob, &compressed,
		&createdMs, &ttlMs, &entry.AccessCount, &accessedMs, &entry.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeCacheRead, "failed to read entry").
			WithComponent("store").WithOperation("get").WithCause(err)
	}

	payload, err := decodePayload(blob, compressed)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeCacheCorrupt, "stored payload for %s does not decode", key).
			WithComponent("store").WithCause(err)
	}

	entry.Payload = *payload
	entry.CreatedAt = time.UnixMilli(createdMs)
	entry.TTL = time.Duration(ttlMs) * time.Millisecond
	entry.LastAccessedAt = time.UnixMilli(accessedMs)
	return &entry, nil
}

// Put inserts or replaces the entry under entry.Key.
func (s *SQLiteStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	blob, compressed, err := encodePayload(&entry.Payload, s.compress)
	if err != nil {
		return errors.New(errors.ErrCodeCacheWrite, "failed to encode payload").
			WithComponent("store").WithOperation("put").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (key, descriptor, payload, compressed, created_at, ttl_ms, access_count, last_accessed_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			descriptor = excluded.descriptor,
			payload = excluded.payload,
			compressed = excluded.compressed,
			created_at = excluded.created_at,
			ttl_ms = excluded.ttl_ms,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			size_bytes = excluded.size_bytes`,
		entry.Key, entry.Descriptor, blob, compressed,
		entry.CreatedAt.UnixMilli(), entry.TTL.Milliseconds(),
		entry.AccessCount, entry.LastAccessedAt.UnixMilli(), entry.SizeBytes)
	if err != nil {
		return errors.New(errors.ErrCodeCacheWrite, "failed to persist entry").
			WithComponent("store").WithOperation("put").WithCause(err)
	}
	return nil
}

// Touch bumps the access count and last-accessed time for key.
func (s *SQLiteStore) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entries SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ?`, at.UnixMilli(), key)
	if err != nil {
		return errors.New(errors.ErrCodeCacheWrite, "failed to touch entry").
			WithComponent("store").WithOperation("touch").WithCause(err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return errors.New(errors.ErrCodeCacheWrite, "failed to delete entry").
			WithComponent("store").WithOperation("delete").WithCause(err)
	}
	return nil
}

// Clear removes every entry.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return errors.New(errors.ErrCodeCacheWrite, "failed to clear entries").
			WithComponent("store").WithOperation("clear").WithCause(err)
	}
	return nil
}

// GetAll enumerates entry metadata for every stored entry, payloads
// excluded. The last_accessed_at index keeps this cheap for the eviction
// ranking scan.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]*types.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, descriptor, created_at, ttl_ms, access_count, last_accessed_at, size_bytes
		FROM entries ORDER BY last_accessed_at`)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCacheRead, "failed to enumerate entries").
			WithComponent("store").WithOperation("get_all").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.CacheEntry
	for rows.Next() {
		var (
			entry      types.CacheEntry
			createdMs  int64
			ttlMs      int64
			accessedMs int64
		)
		if err := rows.Scan(&entry.Key, &entry.Descriptor, &createdMs, &ttlMs,
			&entry.AccessCount, &accessedMs, &entry.SizeBytes); err != nil {
			return nil, errors.New(errors.ErrCodeCacheRead, "failed to scan entry").
				WithComponent("store").WithOperation("get_all").WithCause(err)
		}
		entry.CreatedAt = time.UnixMilli(createdMs)
		entry.TTL = time.Duration(ttlMs) * time.Millisecond
		entry.LastAccessedAt = time.UnixMilli(accessedMs)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.ErrCodeCacheRead, "entry enumeration failed").
			WithComponent("store").WithOperation("get_all").WithCause(err)
	}
	return entries, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodePayload(payload *types.Payload, compress bool) ([]byte, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	if !compress || len(raw) < compressThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func decodePayload(blob []byte, compressed bool) (*types.Payload, error) {
	raw := blob
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}

	var payload types.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
