package chunker

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// Tokenizer names
const (
	TokenizerHeuristic = "heuristic"
	TokenizerTiktoken  = "tiktoken"
)

// Tokenizer counts and truncates text in model tokens
type Tokenizer interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
	Name() string
}

// HeuristicTokenizer estimates one token per four bytes
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

func (HeuristicTokenizer) Truncate(text string, maxTokens int) string {
	limit := maxTokens * CharsPerToken
	if maxTokens <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	return text[:runeBoundary(text, limit)]
}

func (HeuristicTokenizer) Name() string { return TokenizerHeuristic }

// TiktokenTokenizer counts with a BPE encoding
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the named encoding, e.g. cl100k_base
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}

func (t *TiktokenTokenizer) Name() string { return TokenizerTiktoken }

// NewTokenizer returns the named tokenizer. tiktoken falls back to the
// heuristic when its encoding cannot be loaded (it is fetched on first use).
func NewTokenizer(name string, logger zerolog.Logger) Tokenizer {
	if strings.EqualFold(strings.TrimSpace(name), TokenizerTiktoken) {
		tk, err := NewTiktokenTokenizer("cl100k_base")
		if err == nil {
			return tk
		}
		logger.Warn().Err(err).Msg("tiktoken unavailable, using heuristic token counts")
	}
	return HeuristicTokenizer{}
}
