package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestIndex creates an index in a temporary directory.
func setupTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()

	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, idx.Close()) })
	return idx
}

func TestSQLiteIndex_EmptyQuery(t *testing.T) {
	idx := setupTestIndex(t)

	results, err := idx.Query(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteIndex_InvalidTopK(t *testing.T) {
	idx := setupTestIndex(t)

	_, err := idx.Query(context.Background(), []float32{1, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestSQLiteIndex_QueryOrderAndBound(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "east", []float32{1, 0})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 1, "north", []float32{0, 1})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("b.txt", 0, "north-east", []float32{1, 1})))

	results, err := idx.Query(ctx, []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "east", results[0].Text)
	assert.Equal(t, "north-east", results[1].Text)
	require.NotNil(t, results[0].Distance)
	assert.LessOrEqual(t, *results[0].Distance, *results[1].Distance)

	all, err := idx.Query(ctx, []float32{1, 0.1}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3, "fewer than topK entries returns all of them")
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, *all[i-1].Distance, *all[i].Distance)
	}
}

func TestSQLiteIndex_TiesKeepInsertionOrder(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Upsert(ctx, NewEntry("same.txt", i, fmt.Sprintf("copy %d", i), []float32{1, 1})))
	}

	results, err := idx.Query(ctx, []float32{1, 1}, 5)
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, i, r.ChunkIndex)
	}
}

func TestSQLiteIndex_UpsertReplacesSameID(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "old", []float32{1, 0})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 1, "other", []float32{1, 0})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "new", []float32{1, 0})))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)

	results, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].Text, "replaced entry keeps its original position")
	for _, r := range results {
		assert.NotEqual(t, "old", r.Text)
	}
}

func TestSQLiteIndex_DeleteBySource(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "a0", []float32{1, 0})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 1, "a1", []float32{1, 0})))
	require.NoError(t, idx.Upsert(ctx, NewEntry("b.txt", 0, "b0", []float32{1, 0})))

	require.NoError(t, idx.DeleteBySource(ctx, "a.txt"))

	results, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.txt", results[0].Source)
}

func TestSQLiteIndex_ReplaceSource(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	rec := SourceRecord{Source: "a.txt", Fingerprint: "v1", ModifiedAt: now, LastSeenAt: now}
	require.NoError(t, idx.ReplaceSource(ctx, rec, []Entry{
		NewEntry("a.txt", 0, "first", []float32{1, 0}),
		NewEntry("a.txt", 1, "second", []float32{0, 1}),
		NewEntry("a.txt", 2, "third", []float32{1, 1}),
	}))

	rec.Fingerprint = "v2"
	require.NoError(t, idx.ReplaceSource(ctx, rec, []Entry{
		NewEntry("a.txt", 0, "rewritten", []float32{1, 0}),
	}))

	results, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "rewritten", results[0].Text)

	got, err := idx.Source(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Fingerprint)
	assert.Equal(t, 1, got.ChunkCount)
}

func TestSQLiteIndex_ReplaceSourceRejectsForeignEntry(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.ReplaceSource(ctx,
		SourceRecord{Source: "a.txt", Fingerprint: "v1", ModifiedAt: now, LastSeenAt: now},
		[]Entry{NewEntry("a.txt", 0, "kept", []float32{1, 0})}))

	err := idx.ReplaceSource(ctx,
		SourceRecord{Source: "a.txt", Fingerprint: "v2", ModifiedAt: now, LastSeenAt: now},
		[]Entry{NewEntry("b.txt", 0, "wrong", []float32{1, 0})})
	require.Error(t, err)

	// Rolled back: the old chunk and fingerprint survive.
	results, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kept", results[0].Text)

	got, err := idx.Source(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Fingerprint)
}

func TestSQLiteIndex_DimensionMismatch(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "x", []float32{1, 0, 0})))

	err := idx.Upsert(ctx, NewEntry("a.txt", 1, "y", []float32{1, 0}))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Query(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Dimension)
}

func TestSQLiteIndex_SourceRecords(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, name := range []string{"b.md", "a.txt"} {
		require.NoError(t, idx.ReplaceSource(ctx, SourceRecord{
			Source:      name,
			Fingerprint: "fp-" + name,
			Title:       "Title " + name,
			ModifiedAt:  modified,
			LastSeenAt:  modified,
		}, []Entry{NewEntry(name, 0, "text", []float32{1})}))
	}

	records, err := idx.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.txt", records[0].Source)
	assert.Equal(t, "b.md", records[1].Source)
	assert.Equal(t, "Title b.md", records[1].Title)
	assert.True(t, modified.Equal(records[0].ModifiedAt))

	seen := modified.Add(time.Hour)
	require.NoError(t, idx.MarkSeen(ctx, "a.txt", seen))
	rec, err := idx.Source(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, seen.Equal(rec.LastSeenAt))

	assert.ErrorIs(t, idx.MarkSeen(ctx, "missing.txt", seen), ErrSourceNotFound)
	_, err = idx.Source(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrSourceNotFound)

	require.NoError(t, idx.DeleteSource(ctx, "a.txt"))
	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sources)
	assert.Equal(t, 1, stats.Entries)
}

func TestSQLiteIndex_Reset(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "x", []float32{1, 0, 0})))
	require.NoError(t, idx.Reset(ctx))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *stats)

	// Dimension is free again after a reset.
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "x", []float32{1, 0})))
}

func TestSQLiteIndex_Params(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	params, err := idx.Params(ctx)
	require.NoError(t, err)
	assert.Empty(t, params)

	require.NoError(t, idx.SetParams(ctx, "size=20"))
	require.NoError(t, idx.SetParams(ctx, "size=100"))
	params, err = idx.Params(ctx)
	require.NoError(t, err)
	assert.Equal(t, "size=100", params)

	require.NoError(t, idx.Reset(ctx))
	params, err = idx.Params(ctx)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestSQLiteIndex_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	idx, err := NewSQLiteIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "kept", []float32{1, 0})))
	require.NoError(t, idx.Close())

	idx, err = NewSQLiteIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	results, err := idx.Query(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kept", results[0].Text)
}

func TestSQLiteIndex_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	_, err := NewSQLiteIndex(path)
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestSQLiteIndex_CorruptVector(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, NewEntry("a.txt", 0, "x", []float32{1, 0})))
	_, err := idx.db.Exec("UPDATE entries SET vector = x'010203'")
	require.NoError(t, err)

	_, err = idx.Query(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

// TestSQLiteIndex_ConcurrentReadWrite queries while several writers upsert.
// Every observed entry must be whole: text and vector agree.
func TestSQLiteIndex_ConcurrentReadWrite(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				text := fmt.Sprintf("w%d-%d", w, i)
				err := idx.Upsert(ctx, NewEntry(fmt.Sprintf("w%d.txt", w), i, text, []float32{float32(w + 1), 1}))
				assert.NoError(t, err)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			results, err := idx.Query(ctx, []float32{1, 1}, 100)
			if !assert.NoError(t, err) {
				return
			}
			for _, r := range results {
				assert.Equal(t, ChunkID(r.Source, r.ChunkIndex), r.ChunkID)
			}
		}
	}()

	wg.Wait()
	<-done

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, stats.Entries)
}
