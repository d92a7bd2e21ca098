package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/dshills/memindex/internal/chunker"
	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/internal/metrics"
	"github.com/dshills/memindex/internal/tracing"
)

// Batch limits
const (
	DefaultBatchMaxTokens = 8000
	DefaultBatchMaxItems  = 100
	DefaultQueryTimeout   = 10 * time.Second
)

// Client batches texts into provider requests with retry and rate limiting
type Client struct {
	provider       Provider
	batchMaxTokens int
	batchMaxItems  int
	queryTimeout   time.Duration
	retry          RetryConfig
	limiter        *rate.Limiter
	logger         zerolog.Logger
	dims           atomic.Int64
}

// NewClient wraps provider with the batching settings from cfg
func NewClient(provider Provider, cfg config.EmbeddingConfig, logger zerolog.Logger) *Client {
	c := &Client{
		provider:       provider,
		batchMaxTokens: cfg.BatchMaxTokens,
		batchMaxItems:  cfg.BatchMaxItems,
		queryTimeout:   cfg.QueryTimeout,
		retry:          RetryConfigFrom(cfg.Retry),
		limiter:        rate.NewLimiter(rate.Inf, 1),
		logger:         logger,
	}
	if c.batchMaxTokens <= 0 {
		c.batchMaxTokens = DefaultBatchMaxTokens
	}
	if c.batchMaxItems <= 0 {
		c.batchMaxItems = DefaultBatchMaxItems
	}
	if c.queryTimeout <= 0 {
		c.queryTimeout = DefaultQueryTimeout
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return c
}

// Provider returns the wrapped provider
func (c *Client) Provider() Provider {
	return c.provider
}

// Keyspace returns the cache keyspace of the wrapped provider
func (c *Client) Keyspace() Keyspace {
	return KeyspaceOf(c.provider)
}

// Dims returns the dimension of the last vector the provider returned, or 0
func (c *Client) Dims() int {
	return int(c.dims.Load())
}

// SetRetry overrides the retry policy
func (c *Client) SetRetry(rc RetryConfig) {
	c.retry = rc
}

// EmbedBatch embeds texts, returning one vector per text in input order.
// Texts are packed greedily into requests bounded by batch_max_tokens and
// batch_max_items; a single text over the token budget goes alone.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if c.provider == nil {
		return nil, ErrNoProviderEnabled
	}

	ctx, span := tracing.StartSpan(ctx, "embedder.EmbedBatch",
		attribute.String("provider", c.provider.ID()),
		attribute.Int("texts", len(texts)),
	)
	defer span.End()

	out := make([][]float32, len(texts))
	for _, b := range planBatches(texts, c.batchMaxTokens, c.batchMaxItems) {
		batch := texts[b.start:b.end]
		vectors, err := retryWithBackoff(ctx, c.retry, func(attempt int) ([][]float32, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			vectors, err := c.provider.EmbedBatch(ctx, batch)
			if err == nil && len(vectors) != len(batch) {
				err = fmt.Errorf("%w: expected %d vectors, got %d", ErrProviderFailed, len(batch), len(vectors))
			}
			if err != nil {
				metrics.RecordEmbeddingRequest(c.provider.ID(), "error")
				c.logger.Debug().Err(err).Int("attempt", attempt+1).Int("batch", len(batch)).Msg("embedding request failed")
				return nil, err
			}
			metrics.RecordEmbeddingRequest(c.provider.ID(), "ok")
			return vectors, nil
		})
		if err != nil {
			tracing.Fail(span, err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if errors.Is(err, ErrProviderFailed) {
				return nil, err
			}
			if !isRetryable(err) {
				return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
			}
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderFailed, c.retry.MaxAttempts, err)
		}
		copy(out[b.start:b.end], vectors)
		if len(vectors) > 0 && len(vectors[0]) > 0 {
			c.dims.Store(int64(len(vectors[0])))
		}
	}
	return out, nil
}

// EmbedQuery embeds a search query within timeout (the configured query
// timeout when zero). On failure or timeout it logs the reason and returns a
// zero vector, which yields no vector candidates.
func (c *Client) EmbedQuery(ctx context.Context, text string, timeout time.Duration) []float32 {
	if c.provider == nil || text == "" {
		return c.zeroVector()
	}
	if timeout <= 0 {
		timeout = c.queryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("query embedding skipped")
		return c.zeroVector()
	}
	vectors, err := c.provider.EmbedBatch(ctx, []string{text})
	if err == nil && len(vectors) != 1 {
		err = fmt.Errorf("%w: expected 1 vector, got %d", ErrProviderFailed, len(vectors))
	}
	if err != nil {
		metrics.RecordEmbeddingRequest(c.provider.ID(), "error")
		c.logger.Warn().Err(err).Dur("timeout", timeout).Msg("query embedding failed, using zero vector")
		return c.zeroVector()
	}
	metrics.RecordEmbeddingRequest(c.provider.ID(), "ok")
	if len(vectors[0]) > 0 {
		c.dims.Store(int64(len(vectors[0])))
	}
	return vectors[0]
}

// Probe checks that the provider answers a one-text request within timeout
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	if c.provider == nil {
		return ErrNoProviderEnabled
	}
	if timeout <= 0 {
		timeout = c.queryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vectors, err := c.provider.EmbedBatch(ctx, []string{"ping"})
	if err != nil {
		return err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return fmt.Errorf("%w: empty probe response", ErrProviderFailed)
	}
	return nil
}

func (c *Client) zeroVector() []float32 {
	return make([]float32, c.Dims())
}

type batchRange struct {
	start, end int
}

// planBatches packs texts in order. A batch closes when the next text would
// push it past maxTokens or maxItems.
func planBatches(texts []string, maxTokens, maxItems int) []batchRange {
	var (
		batches []batchRange
		start   int
		tokens  int
	)
	for i, text := range texts {
		n := estimateTokens(text)
		count := i - start
		if count > 0 && (tokens+n > maxTokens || count >= maxItems) {
			batches = append(batches, batchRange{start: start, end: i})
			start, tokens = i, 0
		}
		tokens += n
	}
	if start < len(texts) {
		batches = append(batches, batchRange{start: start, end: len(texts)})
	}
	return batches
}

func estimateTokens(text string) int {
	return (len(text) + chunker.CharsPerToken - 1) / chunker.CharsPerToken
}
