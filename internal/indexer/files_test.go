package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func entryPaths(entries []types.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestListMemoryFiles(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	extra := filepath.Join(root, "extra")

	writeFile(t, filepath.Join(ws, "MEMORY.md"), "top")
	writeFile(t, filepath.Join(ws, "memory", "2025-01-01.md"), "day")
	writeFile(t, filepath.Join(ws, "memory", "projects", "fox.md"), "nested")
	writeFile(t, filepath.Join(ws, "memory", "notes.txt"), "not markdown")
	writeFile(t, filepath.Join(ws, "memory", ".hidden", "secret.md"), "hidden")
	writeFile(t, filepath.Join(ws, "README.md"), "not a memory file")
	writeFile(t, filepath.Join(extra, "shared.md"), "outside")
	writeFile(t, filepath.Join(root, "single.md"), "single file")
	require.NoError(t, os.Symlink(filepath.Join(extra, "shared.md"), filepath.Join(ws, "memory", "link.md")))

	entries, err := listMemoryFiles(ws, []string{extra, filepath.Join(root, "single.md"), filepath.Join(root, "missing")})
	require.NoError(t, err)

	// Paths outside the workspace stay absolute and sort first
	assert.Equal(t, []string{
		filepath.ToSlash(filepath.Join(extra, "shared.md")),
		filepath.ToSlash(filepath.Join(root, "single.md")),
		"MEMORY.md",
		"memory/2025-01-01.md",
		"memory/projects/fox.md",
	}, entryPaths(entries))

	for _, e := range entries {
		assert.Equal(t, types.SourceMemory, e.Source)
		assert.Len(t, e.Hash, 64)
		assert.NotZero(t, e.Size)
		assert.False(t, e.ModTime.IsZero())
	}
}

func TestListMemoryFiles_DedupsSameFile(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "memory", "a.md"), "a")

	// The extra path points back into memory/
	entries, err := listMemoryFiles(ws, []string{filepath.Join(ws, "memory")})
	require.NoError(t, err)
	assert.Equal(t, []string{"memory/a.md"}, entryPaths(entries))
}

func TestListMemoryFiles_EmptyWorkspace(t *testing.T) {
	entries, err := listMemoryFiles(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListSessionFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jsonl"), "{}")
	writeFile(t, filepath.Join(dir, "a.jsonl"), "{}")
	writeFile(t, filepath.Join(dir, "notes.md"), "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jsonl"), 0o755))

	entries, err := listSessionFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions/a.jsonl", "sessions/b.jsonl"}, entryPaths(entries))
	for _, e := range entries {
		assert.Equal(t, types.SourceSessions, e.Source)
	}

	t.Run("missing directory", func(t *testing.T) {
		entries, err := listSessionFiles(filepath.Join(dir, "nope"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestSessionPath(t *testing.T) {
	assert.Equal(t, "sessions/abc.jsonl", SessionPath("abc.jsonl"))
	assert.Equal(t, "sessions/abc.jsonl", SessionPath(filepath.Join("/tmp", "x", "abc.jsonl")))
}

func TestComputeFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.md")
	writeFile(t, path, "hello")

	hash, modTime, size, err := computeFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, int64(5), size)
	assert.False(t, modTime.IsZero())

	_, _, _, err = computeFileHash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
