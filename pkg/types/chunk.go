package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// TextChunk is a chunker output: a token-bounded segment of a file with its
// 1-based line range and the SHA-256 hash of its text.
type TextChunk struct {
	Text      string
	StartLine int
	EndLine   int
	Hash      string
}

// Chunk is the stored unit of embedding and retrieval
type Chunk struct {
	// Identification
	ID     string // derived, see ChunkID
	Path   string // source-relative, slash separated
	Source Source

	// Location
	StartLine int
	EndLine   int

	// Content
	Hash  string // SHA-256 of Text
	Text  string
	Model string // embedding model the chunk was indexed under

	// Vector is empty when no embedding provider is configured
	Vector []float32

	UpdatedAt time.Time
}

// ChunkID derives the identity of a chunk from its location, content hash and
// model so re-indexing identical content under the same model is idempotent.
func ChunkID(source Source, path string, startLine, endLine int, hash, model string) string {
	key := fmt.Sprintf("%s:%s:%d:%d:%s:%s", source, path, startLine, endLine, hash, model)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashText returns the hex SHA-256 of text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewChunk builds a stored chunk from chunker output
func NewChunk(source Source, path string, tc TextChunk, model string, vector []float32, now time.Time) *Chunk {
	return &Chunk{
		ID:        ChunkID(source, path, tc.StartLine, tc.EndLine, tc.Hash, model),
		Path:      path,
		Source:    source,
		StartLine: tc.StartLine,
		EndLine:   tc.EndLine,
		Hash:      tc.Hash,
		Text:      tc.Text,
		Model:     model,
		Vector:    vector,
		UpdatedAt: now,
	}
}

// HasVector reports whether the chunk carries an embedding
func (c *Chunk) HasVector() bool {
	return len(c.Vector) > 0
}

// Validate checks the chunk invariants
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id is required")
	}
	if c.Path == "" {
		return errors.New("chunk path is required")
	}
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}
	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}
	return nil
}
