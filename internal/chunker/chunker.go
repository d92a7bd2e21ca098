package chunker

import (
	"strings"

	"github.com/dshills/memindex/pkg/types"
)

const (
	// CharsPerToken is the heuristic used to turn token budgets into char budgets
	CharsPerToken = 4

	// minChunkChars keeps tiny token budgets from producing one chunk per word
	minChunkChars = 32

	DefaultTokens  = 400
	DefaultOverlap = 80
)

// Options configures a Chunker
type Options struct {
	Tokens         int // target tokens per chunk
	Overlap        int // tokens carried from the end of one chunk into the next
	MaxInputTokens int // hard per-chunk ceiling of the embedding model, 0 = none
	Tokenizer      Tokenizer
}

// Chunker splits text into overlapping, token-bounded chunks with line ranges
type Chunker struct {
	tokens         int
	overlap        int
	maxInputTokens int
	tokenizer      Tokenizer
}

// New creates a Chunker. Zero options take the defaults.
func New(opts Options) *Chunker {
	if opts.Tokens <= 0 {
		opts.Tokens = DefaultTokens
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Tokens {
		opts.Overlap = 0
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = HeuristicTokenizer{}
	}
	return &Chunker{
		tokens:         opts.Tokens,
		overlap:        opts.Overlap,
		maxInputTokens: opts.MaxInputTokens,
		tokenizer:      opts.Tokenizer,
	}
}

// Tokens returns the configured chunk size in tokens
func (c *Chunker) Tokens() int { return c.tokens }

// Overlap returns the configured overlap in tokens
func (c *Chunker) Overlap() int { return c.overlap }

type lineRec struct {
	text  string
	no    int
	fresh bool // false for lines carried over as overlap
}

// Chunk splits text into chunks. Lines longer than the chunk budget are cut
// into segments that share the line number. Chunks that are blank after
// trimming are dropped, and chunks over the model ceiling are truncated.
func (c *Chunker) Chunk(text string) []types.TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	maxChars := c.tokens * CharsPerToken
	if maxChars < minChunkChars {
		maxChars = minChunkChars
	}
	overlapChars := c.overlap * CharsPerToken

	var (
		cur      = make([]lineRec, 0, 32)
		curChars int
		fresh    int
		chunks   = make([]types.TextChunk, 0, 16)
	)

	flush := func() {
		if fresh == 0 {
			return
		}
		parts := make([]string, len(cur))
		for i, rec := range cur {
			parts[i] = rec.text
		}
		if tc, ok := c.finish(strings.Join(parts, "\n"), cur[0].no, cur[len(cur)-1].no); ok {
			chunks = append(chunks, tc)
		}
	}

	// carry keeps trailing whole lines that fit the overlap budget
	carry := func() {
		kept := 0
		acc := 0
		for i := len(cur) - 1; i >= 0; i-- {
			size := len(cur[i].text) + 1
			if acc+size > overlapChars {
				break
			}
			acc += size
			kept++
		}
		tail := make([]lineRec, kept)
		copy(tail, cur[len(cur)-kept:])
		for i := range tail {
			tail[i].fresh = false
		}
		cur = append(cur[:0], tail...)
		curChars = acc
		fresh = 0
	}

	for i, line := range strings.Split(text, "\n") {
		for _, seg := range splitLine(line, maxChars) {
			size := len(seg) + 1
			if curChars+size > maxChars && len(cur) > 0 {
				flush()
				carry()
				if curChars+size > maxChars {
					cur = cur[:0]
					curChars = 0
				}
			}
			cur = append(cur, lineRec{text: seg, no: i + 1, fresh: true})
			curChars += size
			fresh++
		}
	}
	flush()

	return chunks
}

// finish applies the blank filter and the model token ceiling
func (c *Chunker) finish(text string, start, end int) (types.TextChunk, bool) {
	if strings.TrimSpace(text) == "" {
		return types.TextChunk{}, false
	}
	if c.maxInputTokens > 0 && c.tokenizer.Count(text) > c.maxInputTokens {
		text = c.tokenizer.Truncate(text, c.maxInputTokens)
	}
	return types.TextChunk{
		Text:      text,
		StartLine: start,
		EndLine:   end,
		Hash:      types.HashText(text),
	}, true
}

// splitLine cuts a line into rune-safe segments of at most maxChars bytes
func splitLine(line string, maxChars int) []string {
	if len(line) <= maxChars {
		return []string{line}
	}
	segments := make([]string, 0, len(line)/maxChars+1)
	for len(line) > maxChars {
		cut := runeBoundary(line, maxChars)
		segments = append(segments, line[:cut])
		line = line[cut:]
	}
	if line != "" {
		segments = append(segments, line)
	}
	return segments
}

// runeBoundary returns the largest index <= n that starts a rune, never 0
// for non-empty input.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for i := n; i > 0; i-- {
		if isRuneStart(s[i]) {
			return i
		}
	}
	return n
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// RemapLines translates chunk line ranges of flattened text back to original
// source lines. lineMap[i] is the original line of flattened line i+1.
// Lines outside the map keep their flattened numbers.
func RemapLines(chunks []types.TextChunk, lineMap []int) []types.TextChunk {
	if len(lineMap) == 0 {
		return chunks
	}
	lookup := func(line int) int {
		if line >= 1 && line <= len(lineMap) {
			return lineMap[line-1]
		}
		return line
	}
	out := make([]types.TextChunk, len(chunks))
	for i, ch := range chunks {
		ch.StartLine = lookup(ch.StartLine)
		ch.EndLine = lookup(ch.EndLine)
		if ch.EndLine < ch.StartLine {
			ch.EndLine = ch.StartLine
		}
		out[i] = ch
	}
	return out
}
