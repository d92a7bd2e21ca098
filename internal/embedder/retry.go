package embedder

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	"github.com/dshills/memindex/internal/config"
)

// BackoffMultiplier grows the delay between attempts
const BackoffMultiplier = 2.0

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Initial delay between attempts
	MaxDelay    time.Duration // Maximum delay between attempts
	Multiplier  float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns the defaults used when nothing is configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  BackoffMultiplier,
	}
}

// RetryConfigFrom fills unset fields of cfg from the defaults
func RetryConfigFrom(cfg config.RetryConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		rc.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		rc.MaxDelay = cfg.MaxDelay
	}
	return rc
}

// retryWithBackoff executes fn with exponential backoff between attempts.
// fn receives the zero-based attempt number. Retry stops on context
// cancellation and on errors isRetryable rejects.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isRetryable(err) {
			return zero, err
		}

		if attempt < attempts-1 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}

	return zero, lastErr
}

// isRetryable reports whether a failed attempt may succeed when repeated.
// Rejected input and 4xx responses other than timeouts, conflicts and rate
// limits are permanent.
func isRetryable(err error) bool {
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrEmptyText) || errors.Is(err, ErrUnsupportedModel) {
		return false
	}

	var (
		apiErr    *APIError
		openaiErr *openai.Error
		status    int
	)
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	default:
		return true
	}

	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return status < 400 || status >= 500
}
