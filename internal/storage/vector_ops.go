package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/memindex/pkg/types"
)

const chunkColumns = `c.id, c.path, c.source, c.start_line, c.end_line, c.text, c.updated_at`

// searchVectorOptimized uses the sqlite-vec extension to score in SQL
func searchVectorOptimized(ctx context.Context, db *sql.DB, agentID string, queryVector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.Limit <= 0 {
		return []Hit{}, nil
	}

	// vec_distance_cosine returns distance (lower is better); convert to similarity
	query := `
		SELECT ` + chunkColumns + `,
			1.0 - vec_distance_cosine(c.vector, ?) AS similarity
		FROM chunks c
		WHERE c.agent_id = ? AND c.model = ? AND c.dims = ?
	`
	args := []interface{}{serializeVector(queryVector), agentID, opts.Model, len(queryVector)}
	query, args = applySourceFilter(query, args, opts.Sources)

	query += " ORDER BY similarity DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0, opts.Limit)
	for rows.Next() {
		hit, score, err := scanHit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		hit.Score = clamp01(score)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// searchVectorFallback computes cosine similarity in Go when sqlite-vec is
// not available (purego builds)
func searchVectorFallback(ctx context.Context, db *sql.DB, agentID string, queryVector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.Limit <= 0 {
		return []Hit{}, nil
	}

	query := `
		SELECT ` + chunkColumns + `, c.vector
		FROM chunks c
		WHERE c.agent_id = ? AND c.model = ? AND c.dims = ?
	`
	args := []interface{}{agentID, opts.Model, len(queryVector)}
	query, args = applySourceFilter(query, args, opts.Sources)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, queryVector)
	if err != nil {
		return nil, err
	}

	sortCandidates(candidates)

	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// searchText performs BM25 full-text search using FTS5
func searchText(ctx context.Context, db *sql.DB, agentID, query string, opts SearchOptions) ([]Hit, error) {
	match := buildFTSQuery(query)
	if match == "" || opts.Limit <= 0 {
		return []Hit{}, nil
	}

	sqlQuery := `
		SELECT ` + chunkColumns + `, bm25(chunks_fts) AS rank
		FROM chunks_fts
		INNER JOIN chunks c ON c.seq = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		AND c.agent_id = ? AND c.model = ?
	`
	args := []interface{}{match, agentID, opts.Model}
	sqlQuery, args = applySourceFilter(sqlQuery, args, opts.Sources)

	// BM25 is negative, lower is better
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0)
	for rows.Next() {
		hit, _, err := scanHit(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scoreLexicalHits(query, hits)
	return hits, nil
}

// Lexical scoring. lexicalRefTokens is the chunk length at which the length
// penalty is neutral.
const (
	lexicalK1        = 1.2
	lexicalB         = 0.75
	lexicalRefTokens = 256
)

// scoreLexicalHits replaces backend relevance with an absolute score in [0,1)
// and sorts by it. The backend only selects candidates: BM25 idf collapses on
// small corpora and ts_rank has its own scale, so neither is comparable across
// queries or stores.
func scoreLexicalHits(query string, hits []Hit) {
	terms := queryTerms(query)
	for i := range hits {
		hits[i].Score = lexicalScore(terms, hits[i].Text)
	}
	sortCandidates(hits)
}

// lexicalScore is the mean BM25 term-frequency saturation of terms in text,
// measured against a fixed reference length instead of corpus statistics.
// Every term counts at least once since the backend matched the text on all
// of them.
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t] = 0
	}
	tokens := ftsTokenPattern.FindAllString(text, -1)
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		if _, ok := tf[tok]; ok {
			tf[tok]++
		}
	}

	norm := 1 - lexicalB + lexicalB*float64(len(tokens))/lexicalRefTokens
	var sum float64
	for _, n := range tf {
		f := float64(max(n, 1))
		sum += f / (f + lexicalK1*norm)
	}
	return sum / float64(len(tf))
}

// queryTerms returns the distinct lowercased tokens of query
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range ftsTokenPattern.FindAllString(query, -1) {
		tok = strings.ToLower(tok)
		if !seen[tok] {
			seen[tok] = true
			terms = append(terms, tok)
		}
	}
	return terms
}

// Helper functions

// applySourceFilter adds the source IN (...) clause
func applySourceFilter(query string, args []interface{}, sources []types.Source) (string, []interface{}) {
	srcs := sourceStrings(sources)
	query += " AND c.source IN (" + placeholders(len(srcs)) + ")"
	for _, s := range srcs {
		args = append(args, s)
	}
	return query, args
}

// rowScanner is satisfied by *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanHit reads the chunk columns followed by one float column
func scanHit(rows rowScanner) (Hit, float64, error) {
	var (
		hit       Hit
		src       string
		updatedAt int64
		score     sql.NullFloat64
	)
	err := rows.Scan(&hit.ID, &hit.Path, &src, &hit.StartLine, &hit.EndLine, &hit.Text, &updatedAt, &score)
	if err != nil {
		return Hit{}, 0, err
	}
	hit.Source = types.Source(src)
	hit.UpdatedAt = fromMillis(updatedAt)
	return hit, score.Float64, nil
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32) ([]Hit, error) {
	candidates := make([]Hit, 0, 256)

	for rows.Next() {
		var (
			hit       Hit
			src       string
			updatedAt int64
			blob      []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Path, &src, &hit.StartLine, &hit.EndLine, &hit.Text, &updatedAt, &blob); err != nil {
			return nil, err
		}

		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}

		hit.Source = types.Source(src)
		hit.UpdatedAt = fromMillis(updatedAt)
		hit.Score = clamp01(cosineSimilarity(queryVector, vector))
		candidates = append(candidates, hit)
	}

	return candidates, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian),
// the layout sqlite-vec expects
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// isZeroVector reports whether v is empty or all zeros; such a query vector
// has no direction and yields no vector candidates
func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// sortCandidates sorts hits by score in descending order, ties by id
func sortCandidates(candidates []Hit) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
}

var ftsTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// buildFTSQuery turns raw text into an FTS5 query: every token is quoted, so
// FTS5 operators and special characters in the input are matched literally,
// and tokens are joined with AND.
func buildFTSQuery(raw string) string {
	tokens := ftsTokenPattern.FindAllString(raw, -1)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, `"`+t+`"`)
	}
	return strings.Join(parts, " AND ")
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
