// Package chunker splits source text into overlapping, token-bounded chunks
// for embedding and search.
//
// # Basic Usage
//
//	c := chunker.New(chunker.Options{Tokens: 400, Overlap: 80, MaxInputTokens: 8192})
//	for _, ch := range c.Chunk(text) {
//	    fmt.Printf("lines %d-%d %s\n", ch.StartLine, ch.EndLine, ch.Hash[:8])
//	}
//
// # Chunking Strategy
//
// Lines are accumulated until the char budget (tokens*4) is reached. The next
// chunk starts with the trailing lines of the previous one, up to the overlap
// budget, so context is not lost at boundaries. Lines longer than the budget
// are cut into segments that keep their line number.
//
// # Token Ceiling
//
// Embedding models reject inputs above their token limit. Any chunk above
// MaxInputTokens is truncated instead of failing the file.
//
// # Line Remapping
//
// Sources that are flattened before chunking (session transcripts) pass their
// line map to RemapLines so results point at original source lines.
package chunker
