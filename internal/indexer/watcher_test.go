package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

func TestWatcher_SyncsAfterChanges(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "MEMORY.md", "initial\n")

	s := env.syncer(t, nil)
	_, err := s.Sync(context.Background(), manual())
	require.NoError(t, err)

	w, err := NewWatcher(s, 50*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	env.write(t, "memory/new.md", "a new note\n")

	assert.Eventually(t, func() bool {
		for _, p := range env.paths(t, types.SourceMemory) {
			if p == "memory/new.md" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_MarksSessionFiles(t *testing.T) {
	env := newTestEnv(t)
	s := env.syncer(t, nil)
	_, err := s.Sync(context.Background(), manual())
	require.NoError(t, err)

	// A long debounce keeps the background sync from clearing the mark
	w, err := NewWatcher(s, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	env.writeSession(t, "live.jsonl", "hello")

	assert.Eventually(t, func() bool {
		return s.SourceDirty(types.SourceSessions)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"sessions/live.jsonl"}, s.dirty.snapshot().sessionPaths())
	assert.False(t, s.SourceDirty(types.SourceMemory))
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	env := newTestEnv(t)
	s := env.syncer(t, nil)
	_, err := s.Sync(context.Background(), manual())
	require.NoError(t, err)

	w, err := NewWatcher(s, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(env.workspace, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.Dirty())
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.syncer(t, nil)

	w, err := NewWatcher(s, 0, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultWatchDebounce, w.debounce)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
