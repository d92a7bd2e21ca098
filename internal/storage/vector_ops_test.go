package storage

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

func TestSerializeVector_RoundTrip(t *testing.T) {
	v := []float32{0, 1.5, -2.25, float32(math.Pi)}
	blob := SerializeVector(v)
	assert.Len(t, blob, 16)
	assert.Equal(t, v, DeserializeVector(blob))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
		{"dimension mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBuildFTSQuery(t *testing.T) {
	assert.Equal(t, `"quick" AND "fox"`, buildFTSQuery("quick fox"))
	assert.Equal(t, `"fox" AND "OR" AND "NOT"`, buildFTSQuery(`fox" OR NOT (*`))
	assert.Equal(t, `"日本語"`, buildFTSQuery("日本語!"))
	assert.Equal(t, "", buildFTSQuery("  ?! "))
}

func TestLexicalScore(t *testing.T) {
	fox := queryTerms("Fox fox")
	assert.Equal(t, []string{"fox"}, fox)

	short := lexicalScore(fox, "the quick brown fox")
	assert.InDelta(t, 0.761, short, 0.001)

	repeated := lexicalScore(fox, "fox fox fox and more fox")
	assert.Greater(t, repeated, short, "more occurrences score higher")
	assert.Less(t, repeated, 1.0)

	long := lexicalScore(fox, "the fox "+strings.Repeat("tomatoes need full sun and steady water ", 40))
	assert.Less(t, long, short, "a single mention in a long chunk scores lower")
	assert.Greater(t, long, 0.0)

	// Half the query terms once each in a short chunk
	both := lexicalScore(queryTerms("quick fox"), "the quick brown fox")
	assert.InDelta(t, short, both, 1e-9)

	assert.Zero(t, lexicalScore(nil, "the quick brown fox"))
}

func TestScoreLexicalHitsIsAbsolute(t *testing.T) {
	hits := []Hit{
		{ID: "a", Text: "the fox " + strings.Repeat("compost and mulch ", 100)},
		{ID: "b", Text: "fox fox"},
	}
	scoreLexicalHits("fox", hits)
	assert.Equal(t, "b", hits[0].ID)
	for _, h := range hits {
		assert.Less(t, h.Score, 0.99)
	}

	// A lone weak hit keeps its own score instead of being lifted to 1
	weak := []Hit{{ID: "a", Text: "the fox " + strings.Repeat("compost and mulch ", 100)}}
	scoreLexicalHits("fox", weak)
	assert.Equal(t, hits[1].Score, weak[0].Score)
	assert.Less(t, weak[0].Score, 0.5)
}

func TestSearchVector(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "a.md", 1, 1, "alpha", "m", []float32{1, 0, 0})))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "b.md", 1, 1, "beta", "m", []float32{0.6, 0.8, 0})))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "c.md", 1, 1, "gamma", "m", []float32{-1, 0, 0})))
	// Never candidates: other model, other dimension, no vector
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "d.md", 1, 1, "delta", "other", []float32{1, 0, 0})))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "e.md", 1, 1, "eps", "m", []float32{1, 0})))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "f.md", 1, 1, "phi", "m", nil)))
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceSessions, "sessions/s.jsonl", 1, 1, "sess", "m", []float32{1, 0, 0})))

	hits, err := store.SearchVector(ctx, []float32{1, 0, 0}, SearchOptions{Model: "m", Sources: []types.Source{types.SourceMemory}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a.md", hits[0].Path)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "b.md", hits[1].Path)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)
	assert.Equal(t, "c.md", hits[2].Path)
	assert.Equal(t, 0.0, hits[2].Score, "negative similarity clamps to zero")

	hits, err = store.SearchVector(ctx, []float32{1, 0, 0}, SearchOptions{Model: "m", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchVector_ZeroVector(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertChunk(ctx, testChunk(types.SourceMemory, "a.md", 1, 1, "alpha", "m", []float32{1, 0})))

	hits, err := store.SearchVector(ctx, []float32{0, 0}, SearchOptions{Model: "m", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.SearchVector(ctx, nil, SearchOptions{Model: "m", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
