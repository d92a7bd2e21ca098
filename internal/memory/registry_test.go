package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

func TestRegistry_Get(t *testing.T) {
	cfg := testConfig(t)
	writeNote(t, cfg, "memory/a.md", "the quick brown fox")
	r := NewRegistry(cfg, Deps{})
	t.Cleanup(func() { _ = r.Close() })

	def, err := r.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "main", def.AgentID())
	assert.Equal(t, "main", r.DefaultAgent())

	again, err := r.Get(context.Background(), "main")
	require.NoError(t, err)
	assert.Same(t, def, again)

	other, err := r.Get(context.Background(), "agent-b")
	require.NoError(t, err)
	assert.NotSame(t, def, other)
	assert.Equal(t, "agent-b", other.AgentID())
	assert.Equal(t, "main", cfg.AgentID, "base config must not be modified")
	assert.ElementsMatch(t, []string{"main", "agent-b"}, r.Agents())
}

func TestRegistry_AgentsAreIsolated(t *testing.T) {
	cfg := testConfig(t)
	writeNote(t, cfg, "memory/a.md", "the quick brown fox")
	r := NewRegistry(cfg, Deps{})
	t.Cleanup(func() { _ = r.Close() })

	a, err := r.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	b, err := r.Get(context.Background(), "agent-b")
	require.NoError(t, err)

	_, err = a.Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "fox", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// agent-b shares the database file but has not synced
	results, err = b.Search(context.Background(), "fox", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegistry_InvalidAgentID(t *testing.T) {
	r := NewRegistry(testConfig(t), Deps{})
	t.Cleanup(func() { _ = r.Close() })

	for _, id := range []string{"../etc", "has space", "-leading", string(make([]byte, 80))} {
		_, err := r.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidAgentID, id)
	}
	assert.Empty(t, r.Agents())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(testConfig(t), Deps{})
	m, err := r.Get(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, r.Close())

	_, err = m.Search(context.Background(), "fox", SearchOptions{})
	assert.ErrorIs(t, err, types.ErrClosed)
	_, err = r.Get(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrClosed)
}
