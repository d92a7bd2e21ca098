package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/memindex/internal/config"
)

// APIError is a non-200 response from an embeddings endpoint
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash-384"

	// Default endpoints
	DefaultJinaBaseURL   = "https://api.jina.ai/v1"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// LocalDimension is the vector size of the local provider
	LocalDimension = 384

	// DefaultMaxInputTokens applies when the config leaves it unset
	DefaultMaxInputTokens = 8192

	requestTimeout = 30 * time.Second
)

// JinaProvider implements Provider using the Jina AI embeddings API
type JinaProvider struct {
	apiKey         string
	model          string
	baseURL        string
	headers        map[string]string
	dimensions     int
	maxInputTokens int
	providerKey    string
	httpClient     *http.Client
}

// NewJinaProvider creates a Jina embedder from cfg
func NewJinaProvider(cfg config.EmbeddingConfig) (*JinaProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, config.EnvJinaAPIKey)
	}

	model := orDefault(cfg.Model, DefaultJinaModel)
	baseURL := strings.TrimRight(orDefault(cfg.BaseURL, DefaultJinaBaseURL), "/")

	return &JinaProvider{
		apiKey:         cfg.APIKey,
		model:          model,
		baseURL:        baseURL,
		headers:        cfg.Headers,
		dimensions:     cfg.Dimensions,
		maxInputTokens: maxTokensOrDefault(cfg.MaxInputTokens),
		providerKey:    ComputeProviderKey(ProviderJina, baseURL, model, cfg.Headers),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}, nil
}

func (j *JinaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}

	reqBody := map[string]interface{}{
		"input": texts,
		"model": j.model,
	}
	if j.dimensions > 0 {
		reqBody["dimensions"] = j.dimensions
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, value := range j.headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sort.SliceStable(apiResp.Data, func(a, b int) bool {
		return apiResp.Data[a].Index < apiResp.Data[b].Index
	})

	vectors := make([][]float32, len(apiResp.Data))
	for i, data := range apiResp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (j *JinaProvider) ID() string          { return ProviderJina }
func (j *JinaProvider) Model() string       { return j.model }
func (j *JinaProvider) ProviderKey() string { return j.providerKey }
func (j *JinaProvider) MaxInputTokens() int { return j.maxInputTokens }

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Provider with the official OpenAI SDK. Any
// OpenAI-compatible endpoint works through base_url.
type OpenAIProvider struct {
	client         openai.Client
	model          string
	dimensions     int
	maxInputTokens int
	providerKey    string
}

// NewOpenAIProvider creates an OpenAI embedder from cfg
func NewOpenAIProvider(cfg config.EmbeddingConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, config.EnvOpenAIAPIKey)
	}

	model := orDefault(cfg.Model, DefaultOpenAIModel)
	baseURL := strings.TrimRight(orDefault(cfg.BaseURL, DefaultOpenAIBaseURL), "/")

	// Retries are owned by Client so they share its rate limiter
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL + "/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(requestTimeout),
	}
	for name, value := range cfg.Headers {
		opts = append(opts, option.WithHeader(name, value))
	}

	return &OpenAIProvider{
		client:         openai.NewClient(opts...),
		model:          model,
		dimensions:     cfg.Dimensions,
		maxInputTokens: maxTokensOrDefault(cfg.MaxInputTokens),
		providerKey:    ComputeProviderKey(ProviderOpenAI, baseURL, model, cfg.Headers),
	}, nil
}

func (o *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}

	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(o.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}

	data := resp.Data
	sort.SliceStable(data, func(a, b int) bool { return data[a].Index < data[b].Index })

	vectors := make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = toFloat32(d.Embedding)
	}
	return vectors, nil
}

func (o *OpenAIProvider) ID() string          { return ProviderOpenAI }
func (o *OpenAIProvider) Model() string       { return o.model }
func (o *OpenAIProvider) ProviderKey() string { return o.providerKey }
func (o *OpenAIProvider) MaxInputTokens() int { return o.maxInputTokens }
func (o *OpenAIProvider) Close() error        { return nil }

// LocalProvider embeds offline by feature hashing: every word is hashed with
// SHA-256 into one of LocalDimension buckets with a hash-derived sign, and the
// result is normalized to unit length. Texts sharing words get similar vectors.
type LocalProvider struct {
	model          string
	maxInputTokens int
}

// NewLocalProvider creates the offline embedder
func NewLocalProvider(cfg config.EmbeddingConfig) (*LocalProvider, error) {
	return &LocalProvider{
		model:          orDefault(cfg.Model, DefaultLocalModel),
		maxInputTokens: maxTokensOrDefault(cfg.MaxInputTokens),
	}, nil
}

var localTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

func (l *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = localVector(text)
	}
	return vectors, nil
}

func localVector(text string) []float32 {
	v := make([]float32, LocalDimension)
	for _, tok := range localTokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := sha256.Sum256([]byte(tok))
		idx := binary.BigEndian.Uint32(h[:4]) % LocalDimension
		if h[4]&1 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return NormalizeVector(v)
}

func (l *LocalProvider) ID() string    { return ProviderLocal }
func (l *LocalProvider) Model() string { return l.model }

func (l *LocalProvider) ProviderKey() string {
	return ComputeProviderKey(ProviderLocal, "", l.model, nil)
}

func (l *LocalProvider) MaxInputTokens() int { return l.maxInputTokens }
func (l *LocalProvider) Close() error        { return nil }

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxInputTokens
	}
	return n
}
