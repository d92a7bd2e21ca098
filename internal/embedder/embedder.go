package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dshills/memindex/internal/storage"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
)

// Keyspace scopes cached vectors to a provider identity
type Keyspace = storage.Keyspace

// Provider turns texts into vectors. Implementations return exactly one vector
// per input, in input order.
type Provider interface {
	// EmbedBatch embeds texts in a single provider request
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ID returns the provider name (openai, jina, local)
	ID() string

	// Model returns the embedding model name
	Model() string

	// ProviderKey fingerprints the provider configuration that affects vectors
	ProviderKey() string

	// MaxInputTokens is the per-text token ceiling the provider accepts
	MaxInputTokens() int

	// Close releases any resources held by the provider
	Close() error
}

// KeyspaceOf returns the cache keyspace for p
func KeyspaceOf(p Provider) Keyspace {
	return Keyspace{Provider: p.ID(), Model: p.Model(), ProviderKey: p.ProviderKey()}
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ComputeProviderKey fingerprints provider|baseURL|model plus every header
// except credentials, so rotating an API key keeps the cache while pointing at
// another endpoint or model invalidates it.
func ComputeProviderKey(provider, baseURL, model string, headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		if isAuthHeader(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(provider)
	b.WriteByte('|')
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteByte('|')
	b.WriteString(model)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(headers[name])
	}
	return ComputeHash(b.String())
}

func isAuthHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "api-key", "x-api-key", "proxy-authorization":
		return true
	}
	return false
}

// ValidateBatch rejects an empty batch or an empty text
func ValidateBatch(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrEmptyText, i)
		}
	}
	return nil
}

// NormalizeVector scales v to unit length in place. A zero vector is left as is.
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}
