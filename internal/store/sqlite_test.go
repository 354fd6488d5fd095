package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(key string, size int64) *types.CacheEntry {
	now := time.Now().Truncate(time.Millisecond)
	return &types.CacheEntry{
		Key:        key,
		Descriptor: "ds=d1|dx=A",
		Payload: types.Payload{
			Rows:    []types.Row{{"a": float64(1)}},
			Columns: []string{"a"},
		},
		CreatedAt:      now,
		TTL:            time.Hour,
		AccessCount:    1,
		LastAccessedAt: now,
		SizeBytes:      size,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testEntry("k1", 42)
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing key")
	}
	if got.Key != want.Key || got.Descriptor != want.Descriptor {
		t.Errorf("identity fields lost: got %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || got.TTL != want.TTL {
		t.Errorf("time fields lost: got createdAt=%v ttl=%v", got.CreatedAt, got.TTL)
	}
	if got.SizeBytes != 42 || got.AccessCount != 1 {
		t.Errorf("accounting fields lost: got size=%d count=%d", got.SizeBytes, got.AccessCount)
	}
	if len(got.Payload.Rows) != 1 || got.Payload.Rows[0]["a"] != float64(1) {
		t.Errorf("payload lost: %+v", got.Payload)
	}
	if len(got.Payload.Columns) != 1 || got.Payload.Columns[0] != "a" {
		t.Errorf("columns lost: %+v", got.Payload.Columns)
	}
}

func TestGet_MissingKey(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent key, got %+v", got)
	}
}

func TestPut_ReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testEntry("k1", 10)
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := testEntry("k1", 20)
	second.Payload.Rows = []types.Row{{"a": float64(2)}}
	if err := s.Put(ctx, second); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SizeBytes != 20 {
		t.Errorf("expected replaced size 20, got %d", got.SizeBytes)
	}
	if got.Payload.Rows[0]["a"] != float64(2) {
		t.Errorf("expected replaced payload, got %+v", got.Payload.Rows)
	}
}

func TestDurability_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, testEntry("k1", 42)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("entry should survive process restart")
	}
}

func TestTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := testEntry("k1", 10)
	if err := s.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	later := entry.LastAccessedAt.Add(time.Minute)
	if err := s.Touch(ctx, "k1", later); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", got.AccessCount)
	}
	if !got.LastAccessedAt.Equal(later.Truncate(time.Millisecond)) {
		t.Errorf("expected last accessed %v, got %v", later, got.LastAccessedAt)
	}

	// Touching an absent key is not an error.
	if err := s.Touch(ctx, "absent", later); err != nil {
		t.Errorf("Touch absent key: %v", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		if err := s.Put(ctx, testEntry(key, 10)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	if err := s.Delete(ctx, "k2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Get(ctx, "k2"); got != nil {
		t.Error("k2 should be deleted")
	}
	if got, _ := s.Get(ctx, "k1"); got == nil {
		t.Error("k1 should still exist")
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty store after Clear, got %d entries", len(entries))
	}
}

func TestGetAll_MetadataOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i, key := range []string{"newest", "oldest", "middle"} {
		entry := testEntry(key, int64(10+i))
		switch key {
		case "oldest":
			entry.LastAccessedAt = base.Add(-2 * time.Hour)
		case "middle":
			entry.LastAccessedAt = base.Add(-time.Hour)
		default:
			entry.LastAccessedAt = base
		}
		if err := s.Put(ctx, entry); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	entries, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Key != "oldest" || entries[2].Key != "newest" {
		t.Errorf("expected last-accessed ordering, got %s, %s, %s",
			entries[0].Key, entries[1].Key, entries[2].Key)
	}
	for _, e := range entries {
		if len(e.Payload.Rows) != 0 {
			t.Errorf("GetAll must not load payloads, got rows for %s", e.Key)
		}
		if e.SizeBytes <= 0 {
			t.Errorf("entry %s missing size", e.Key)
		}
	}
}

func TestGet_CorruptPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testEntry("k1", 10)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Corrupt the stored blob directly.
	if _, err := s.db.Exec(`UPDATE entries SET payload = ?, compressed = 1 WHERE key = ?`,
		[]byte("not gzip data"), "k1"); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	_, err := s.Get(ctx, "k1")
	if err == nil {
		t.Fatal("expected corrupt payload error")
	}
	if errors.CodeOf(err) != errors.ErrCodeCacheCorrupt {
		t.Errorf("expected CACHE_CORRUPT, got %s", errors.CodeOf(err))
	}
}

func TestCompression_RoundTrip(t *testing.T) {
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "cache.db"), Compression: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	// Large, repetitive payload compresses and must round-trip.
	entry := testEntry("big", 0)
	entry.Payload.Rows = nil
	for i := 0; i < 200; i++ {
		entry.Payload.Rows = append(entry.Payload.Rows, types.Row{
			"period": "202401", "value": float64(i), "org_unit": strings.Repeat("x", 40),
		})
	}

	if err := s.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Payload.Rows) != 200 {
		t.Errorf("expected 200 rows after decompression, got %d", len(got.Payload.Rows))
	}

	var compressed bool
	if err := s.db.QueryRow(`SELECT compressed FROM entries WHERE key = 'big'`).Scan(&compressed); err != nil {
		t.Fatalf("inspect compressed flag: %v", err)
	}
	if !compressed {
		t.Error("large payload should be stored compressed")
	}
}
