package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	// Use in-memory database for testing
	store, err := NewSQLiteStore(context.Background(), ":memory:", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunk(source types.Source, path string, start, end int, text, model string, vector []float32) *types.Chunk {
	tc := types.TextChunk{Text: text, StartLine: start, EndLine: end, Hash: types.HashText(text)}
	return types.NewChunk(source, path, tc, model, vector, time.UnixMilli(1_700_000_000_000))
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestStore(t)
	assert.True(t, store.FTSAvailable())
	assert.True(t, store.VectorAvailable(context.Background()))
	assert.Equal(t, "agent-a", store.AgentID())

	_, err := NewSQLiteStore(context.Background(), ":memory:", "")
	assert.Error(t, err)
}

func TestFileOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetFileHash(ctx, "MEMORY.md", types.SourceMemory)
	require.NoError(t, err)
	assert.False(t, found)

	rec := &types.FileRecord{Path: "MEMORY.md", Source: types.SourceMemory, Hash: "h1", ModTime: time.UnixMilli(1000), SizeBytes: 12}
	require.NoError(t, store.UpsertFile(ctx, rec))

	hash, found, err := store.GetFileHash(ctx, "MEMORY.md", types.SourceMemory)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "h1", hash)

	// Same path under another source is a different record
	_, found, err = store.GetFileHash(ctx, "MEMORY.md", types.SourceSessions)
	require.NoError(t, err)
	assert.False(t, found)

	rec.Hash = "h2"
	require.NoError(t, store.UpsertFile(ctx, rec))
	files, err := store.ListFiles(ctx, types.SourceMemory)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "h2", files[0].Hash)
	assert.Equal(t, int64(12), files[0].SizeBytes)
	assert.Equal(t, time.UnixMilli(1000), files[0].ModTime)

	err = store.UpsertFile(ctx, &types.FileRecord{Path: "x", Source: "bogus"})
	assert.ErrorIs(t, err, types.ErrInvalidSource)
}

func TestAgentScoping(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := NewSQLiteStore(ctx, dbPath, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(ctx, dbPath, "b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.UpsertFile(ctx, &types.FileRecord{Path: "MEMORY.md", Source: types.SourceMemory, Hash: "h"}))
	require.NoError(t, a.UpsertChunk(ctx, testChunk(types.SourceMemory, "MEMORY.md", 1, 1, "shared fox", "", nil)))

	n, err := b.CountFiles(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := b.SearchLexical(ctx, "fox", SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, b.Clear(ctx))
	n, err = a.CountChunks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChunkReplaceInTransaction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := testChunk(types.SourceMemory, "notes.md", 1, 2, "old text", "m", nil)
	require.NoError(t, store.UpsertChunk(ctx, old))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteChunksByPath(ctx, "notes.md", types.SourceMemory))
	require.NoError(t, tx.UpsertChunk(ctx, testChunk(types.SourceMemory, "notes.md", 1, 1, "new first", "m", nil)))
	require.NoError(t, tx.UpsertChunk(ctx, testChunk(types.SourceMemory, "notes.md", 2, 3, "new second", "m", nil)))
	require.NoError(t, tx.Commit())

	chunks, err := store.ListChunks(ctx, types.SourceMemory, "notes.md")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "new first", chunks[0].Text)
	assert.Equal(t, "new second", chunks[1].Text)

	// Old text is gone from the FTS index too
	hits, err := store.SearchLexical(ctx, "old", SearchOptions{Model: "m", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChunkRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "a.md", 1, 1, "keep me", "", nil)))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteChunksByPath(ctx, "a.md", types.SourceMemory))
	require.NoError(t, tx.Rollback())

	chunks, err := store.ListChunks(ctx, types.SourceMemory, "a.md")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestUpsertChunk_Invalid(t *testing.T) {
	store := setupTestStore(t)
	err := store.UpsertChunk(context.Background(), &types.Chunk{ID: "x", Path: "a.md", Source: types.SourceMemory})
	assert.Error(t, err)
}

func TestDeleteStaleFiles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a.md", "b.md"} {
		require.NoError(t, store.UpsertFile(ctx, &types.FileRecord{Path: p, Source: types.SourceMemory, Hash: p}))
		require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, p, 1, 1, "text of "+p, "", nil)))
	}
	require.NoError(t, store.UpsertFile(ctx, &types.FileRecord{Path: "s.jsonl", Source: types.SourceSessions, Hash: "s"}))

	removed, err := store.DeleteStaleFiles(ctx, types.SourceMemory, []string{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	files, err := store.ListFiles(ctx, types.SourceMemory)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.md", files[0].Path)

	chunks, err := store.ListChunks(ctx, types.SourceMemory, "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a.md", chunks[0].Path)

	// Other sources are untouched
	n, err := store.CountFiles(ctx, []types.Source{types.SourceSessions})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClear(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertFile(ctx, &types.FileRecord{Path: "a.md", Source: types.SourceMemory, Hash: "h"}))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "a.md", 1, 1, "text", "", nil)))
	require.NoError(t, store.WriteMeta(ctx, &types.SyncMeta{Model: "m"}))

	require.NoError(t, store.Clear(ctx))

	files, _ := store.CountFiles(ctx, nil)
	chunks, _ := store.CountChunks(ctx, nil)
	assert.Zero(t, files)
	assert.Zero(t, chunks)

	meta, err := store.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m", meta.Model)
}

func TestMeta(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.ReadMeta(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	meta := &types.SyncMeta{Model: "text-embedding-3-small", ProviderID: "openai", ProviderKey: "k", ChunkTokens: 400, ChunkOverlap: 80, VectorDims: 1536}
	require.NoError(t, store.WriteMeta(ctx, meta))

	got, err := store.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	meta.ChunkTokens = 200
	require.NoError(t, store.WriteMeta(ctx, meta))
	got, err = store.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, got.ChunkTokens)
}

func TestSearchLexical(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "a.md", 1, 1, "the quick brown fox", "", nil)))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "b.md", 1, 1, "jumps over the lazy dog", "", nil)))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceSessions, "sessions/s.jsonl", 1, 1, "User: fox fox fox", "", nil)))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "c.md", 1, 1, "fox under another model", "other", nil)))

	hits, err := store.SearchLexical(ctx, "fox", SearchOptions{Sources: []types.Source{types.SourceMemory}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.md", hits[0].Path)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.LessOrEqual(t, hits[0].Score, 1.0)

	hits, err = store.SearchLexical(ctx, "FOX", SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.True(t, h.Score > 0 && h.Score < 1)
	}
	// Denser matches rank first
	assert.Equal(t, "sessions/s.jsonl", hits[0].Path)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	// FTS operators and punctuation are matched literally
	hits, err = store.SearchLexical(ctx, `fox" OR NOT (*`, SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.SearchLexical(ctx, "?!", SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddingCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ks := Keyspace{Provider: "openai", Model: "m", ProviderKey: "k"}
	other := Keyspace{Provider: "openai", Model: "m", ProviderKey: "k2"}

	require.NoError(t, store.UpsertEmbeddings(ctx, ks, []CacheEntry{
		{Hash: "h1", Vector: []float32{1, 0}},
		{Hash: "h2", Vector: []float32{0, 1}},
		{Hash: "empty"},
	}))

	got, err := store.LookupEmbeddings(ctx, ks, []string{"h1", "h2", "h1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"h1": {1, 0}, "h2": {0, 1}}, got)

	got, err = store.LookupEmbeddings(ctx, other, []string{"h1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Last write wins
	require.NoError(t, store.UpsertEmbeddings(ctx, ks, []CacheEntry{{Hash: "h1", Vector: []float32{0.5, 0.5}}}))
	got, err = store.LookupEmbeddings(ctx, ks, []string{"h1"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, got["h1"])

	n, err := store.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmbeddingCache_LargeLookupIsBatched(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ks := Keyspace{Provider: "local", Model: "m"}

	entries := make([]CacheEntry, 0, 900)
	hashes := make([]string, 0, 900)
	for i := 0; i < 900; i++ {
		h := types.HashText(string(rune('a'+i%26)) + time.Duration(i).String())
		entries = append(entries, CacheEntry{Hash: h, Vector: []float32{float32(i)}})
		hashes = append(hashes, h)
	}
	require.NoError(t, store.UpsertEmbeddings(ctx, ks, entries))

	got, err := store.LookupEmbeddings(ctx, ks, hashes)
	require.NoError(t, err)
	assert.Len(t, got, 900)
}

func TestPruneEmbeddings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ks := Keyspace{Provider: "p", Model: "m", ProviderKey: "k"}
	other := Keyspace{Provider: "p", Model: "m2", ProviderKey: "k"}

	for i, h := range []string{"old", "mid", "new"} {
		require.NoError(t, store.UpsertEmbeddings(ctx, ks, []CacheEntry{{Hash: h, Vector: []float32{float32(i)}}}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, store.UpsertEmbeddings(ctx, other, []CacheEntry{{Hash: "x", Vector: []float32{1}}}))

	removed, err := store.PruneEmbeddings(ctx, ks, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := store.LookupEmbeddings(ctx, ks, []string{"old", "mid", "new"})
	require.NoError(t, err)
	assert.NotContains(t, got, "old")
	assert.Contains(t, got, "mid")
	assert.Contains(t, got, "new")

	// Other keyspaces are not counted or pruned
	got, err = store.LookupEmbeddings(ctx, other, []string{"x"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	removed, err = store.PruneEmbeddings(ctx, ks, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMigrations_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, store.db))
	v, err := currentVersion(ctx, store.db, sqliteDialect)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	require.NoError(t, ApplyMigrations(ctx, store.db))
	v, err = currentVersion(ctx, store.db, sqliteDialect)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	// Re-applying is a no-op
	require.NoError(t, ApplyMigrations(ctx, store.db))
}

// Migrations are applied in slice order and skipped by semver comparison, so
// each list must be strictly ascending ("1.10.0" sorts after "1.2.0").
func TestMigrations_SemverOrdered(t *testing.T) {
	for _, d := range []dialect{sqliteDialect, postgresDialect} {
		t.Run(d.name, func(t *testing.T) {
			prev := semver.MustParse("0.0.0")
			for _, m := range d.migrations {
				v, err := semver.NewVersion(m.Version)
				require.NoError(t, err)
				assert.True(t, v.GreaterThan(prev), "%s must follow %s", v, prev)
				assert.NotEmpty(t, m.Up)
				assert.NotEmpty(t, m.Down)
				prev = v
			}
			assert.Equal(t, CurrentSchemaVersion, prev.String())
		})
	}
}
