package types

import "time"

// SearchResult is one ranked hit returned to callers
type SearchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
	Source    Source  `json:"source"`
}

// Candidate is a chunk scored by one or both query branches
type Candidate struct {
	ID          string
	Path        string
	Source      Source
	StartLine   int
	EndLine     int
	Text        string
	UpdatedAt   time.Time
	VectorScore float64
	TextScore   float64
	Score       float64
}

// Result converts the candidate into a caller-facing result with the
// snippet truncated to maxChars runes.
func (c Candidate) Result(maxChars int) SearchResult {
	return SearchResult{
		Path:      c.Path,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Score:     c.Score,
		Snippet:   TruncateRunes(c.Text, maxChars),
		Source:    c.Source,
	}
}

// TruncateRunes cuts s to at most n runes. n <= 0 leaves s untouched.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
