package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/internal/config"
)

type embeddingsRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

// embeddingsServer answers /embeddings with data in reverse index order so
// providers must reorder by index
func embeddingsServer(t *testing.T, got *embeddingsRequest, headers *http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		if headers != nil {
			*headers = r.Header.Clone()
		}

		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*got = req

		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i), float64(len(req.Input[i]))},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestJinaProvider(t *testing.T) {
	var (
		got     embeddingsRequest
		headers http.Header
	)
	srv := embeddingsServer(t, &got, &headers)
	defer srv.Close()

	p, err := NewJinaProvider(config.EmbeddingConfig{
		APIKey:     "jina-key",
		BaseURL:    srv.URL + "/",
		Headers:    map[string]string{"X-Tenant": "t1"},
		Dimensions: 2,
	})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, DefaultJinaModel, p.Model())
	assert.Equal(t, ComputeProviderKey(ProviderJina, srv.URL, DefaultJinaModel, map[string]string{"X-Tenant": "t1"}), p.ProviderKey())

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "bbb"}, got.Input)
	assert.Equal(t, DefaultJinaModel, got.Model)
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, "Bearer jina-key", headers.Get("Authorization"))
	assert.Equal(t, "t1", headers.Get("X-Tenant"))
	assert.Equal(t, [][]float32{{0, 1}, {1, 3}}, vectors)
}

func TestJinaProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewJinaProvider(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, isRetryable(err))
}

func TestOpenAIProvider(t *testing.T) {
	var (
		got     embeddingsRequest
		headers http.Header
	)
	srv := embeddingsServer(t, &got, &headers)
	defer srv.Close()

	p, err := NewOpenAIProvider(config.EmbeddingConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "text-embedding-3-large",
		Headers: map[string]string{"OpenAI-Organization": "org-1"},
	})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, ProviderOpenAI, p.ID())
	assert.Equal(t, "text-embedding-3-large", p.Model())

	vectors, err := p.EmbedBatch(context.Background(), []string{"first", "second text"})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second text"}, got.Input)
	assert.Equal(t, "text-embedding-3-large", got.Model)
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.Equal(t, "org-1", headers.Get("OpenAI-Organization"))
	assert.Equal(t, [][]float32{{0, 5}, {1, 11}}, vectors)
}

func TestOpenAIProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.False(t, isRetryable(err), "a rejected request is not retried")
}

func TestProviders_RejectEmptyText(t *testing.T) {
	jina, err := NewJinaProvider(config.EmbeddingConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	openaiProvider, err := NewOpenAIProvider(config.EmbeddingConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	local, err := NewLocalProvider(config.EmbeddingConfig{})
	require.NoError(t, err)

	for _, p := range []Provider{jina, openaiProvider, local} {
		t.Run(p.ID(), func(t *testing.T) {
			_, err := p.EmbedBatch(context.Background(), []string{""})
			assert.ErrorIs(t, err, ErrEmptyText)
		})
	}
}
