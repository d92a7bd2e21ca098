package embedder

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/internal/config"
)

// fakeProvider returns {len(text), 1} per text and records every request
type fakeProvider struct {
	mu       sync.Mutex
	calls    [][]string
	failures int  // fail this many requests before succeeding
	short    bool // drop the last vector of every response
	block    bool // wait for ctx before answering
	denied   bool // reject every request as unauthorized
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.denied {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Body: "invalid api key"}
	}
	if fail {
		return nil, errors.New("transient failure")
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, []float32{float32(len(text)), 1})
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeProvider) ID() string          { return "fake" }
func (f *fakeProvider) Model() string       { return "fake-model" }
func (f *fakeProvider) ProviderKey() string { return "fake-key" }
func (f *fakeProvider) MaxInputTokens() int { return 8192 }
func (f *fakeProvider) Close() error        { return nil }

func (f *fakeProvider) batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func newTestClient(p Provider, maxTokens, maxItems int) *Client {
	return NewClient(p, config.EmbeddingConfig{
		BatchMaxTokens: maxTokens,
		BatchMaxItems:  maxItems,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}, zerolog.Nop())
}

func TestPlanBatches(t *testing.T) {
	small := strings.Repeat("a", 40) // 10 tokens
	big := strings.Repeat("b", 200)  // 50 tokens

	tests := []struct {
		name      string
		texts     []string
		maxTokens int
		maxItems  int
		want      []batchRange
	}{
		{
			name:      "token budget",
			texts:     []string{small, small, small, small, small},
			maxTokens: 25,
			maxItems:  100,
			want:      []batchRange{{0, 2}, {2, 4}, {4, 5}},
		},
		{
			name:      "item budget",
			texts:     []string{"x", "x", "x", "x", "x"},
			maxTokens: 1000,
			maxItems:  2,
			want:      []batchRange{{0, 2}, {2, 4}, {4, 5}},
		},
		{
			name:      "oversized text goes alone",
			texts:     []string{small, big, small},
			maxTokens: 25,
			maxItems:  100,
			want:      []batchRange{{0, 1}, {1, 2}, {2, 3}},
		},
		{
			name:      "everything fits",
			texts:     []string{small, small},
			maxTokens: 100,
			maxItems:  100,
			want:      []batchRange{{0, 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planBatches(tt.texts, tt.maxTokens, tt.maxItems))
		})
	}
}

func TestClient_EmbedBatchPreservesOrder(t *testing.T) {
	fp := &fakeProvider{}
	c := newTestClient(fp, 25, 100)

	texts := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 12),
		strings.Repeat("c", 200),
		strings.Repeat("d", 8),
	}
	vectors, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d out of order", i)
	}
	assert.Len(t, fp.batches(), 3)
	assert.Equal(t, 2, c.Dims())
}

func TestClient_EmbedBatchRetries(t *testing.T) {
	fp := &fakeProvider{failures: 2}
	c := newTestClient(fp, 1000, 100)

	vectors, err := c.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Len(t, fp.batches(), 3)
}

func TestClient_EmbedBatchExhaustsRetries(t *testing.T) {
	fp := &fakeProvider{failures: 10}
	c := newTestClient(fp, 1000, 100)

	_, err := c.EmbedBatch(context.Background(), []string{"one"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Len(t, fp.batches(), 3)
}

func TestClient_EmbedBatchPermanentErrorFailsFast(t *testing.T) {
	fp := &fakeProvider{denied: true}
	c := newTestClient(fp, 1000, 100)

	_, err := c.EmbedBatch(context.Background(), []string{"one"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Len(t, fp.batches(), 1)
}

func TestClient_EmbedBatchCountMismatch(t *testing.T) {
	fp := &fakeProvider{short: true}
	c := newTestClient(fp, 1000, 100)

	_, err := c.EmbedBatch(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, ErrProviderFailed)
}

func TestClient_EmbedBatchEmptyInput(t *testing.T) {
	fp := &fakeProvider{}
	c := newTestClient(fp, 1000, 100)

	vectors, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, fp.batches())
}

func TestClient_EmbedQuery(t *testing.T) {
	t.Run("returns provider vector", func(t *testing.T) {
		c := newTestClient(&fakeProvider{}, 1000, 100)
		assert.Equal(t, []float32{5, 1}, c.EmbedQuery(context.Background(), "hello", time.Second))
	})

	t.Run("failure falls back to zero vector", func(t *testing.T) {
		fp := &fakeProvider{}
		c := newTestClient(fp, 1000, 100)
		_, err := c.EmbedBatch(context.Background(), []string{"warm"})
		require.NoError(t, err)

		fp.failures = 1
		assert.Equal(t, []float32{0, 0}, c.EmbedQuery(context.Background(), "hello", time.Second))
	})

	t.Run("timeout falls back to zero vector", func(t *testing.T) {
		c := newTestClient(&fakeProvider{block: true}, 1000, 100)
		start := time.Now()
		v := c.EmbedQuery(context.Background(), "hello", 20*time.Millisecond)
		assert.Empty(t, v)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("no provider", func(t *testing.T) {
		c := NewClient(nil, config.EmbeddingConfig{}, zerolog.Nop())
		assert.Empty(t, c.EmbedQuery(context.Background(), "hello", time.Second))
		_, err := c.EmbedBatch(context.Background(), []string{"x"})
		assert.ErrorIs(t, err, ErrNoProviderEnabled)
	})
}

func TestClient_Probe(t *testing.T) {
	c := newTestClient(&fakeProvider{}, 1000, 100)
	assert.NoError(t, c.Probe(context.Background(), time.Second))

	failing := newTestClient(&fakeProvider{failures: 1}, 1000, 100)
	assert.Error(t, failing.Probe(context.Background(), time.Second))
}

func TestClient_RateLimit(t *testing.T) {
	fp := &fakeProvider{}
	c := NewClient(fp, config.EmbeddingConfig{
		BatchMaxItems:     1,
		RequestsPerMinute: 600, // one request per 100ms
	}, zerolog.Nop())

	start := time.Now()
	_, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, fp.batches(), 3)
}
