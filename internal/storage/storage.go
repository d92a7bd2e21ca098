package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/memindex/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// Store is the document store of one agent. Every read and write is scoped
// to the agent the store was opened for.
type Store interface {
	// File operations
	GetFileHash(ctx context.Context, path string, source types.Source) (hash string, found bool, err error)
	UpsertFile(ctx context.Context, file *types.FileRecord) error
	ListFiles(ctx context.Context, source types.Source) ([]*types.FileRecord, error)
	DeleteStaleFiles(ctx context.Context, source types.Source, activePaths []string) (removed int, err error)

	// Chunk operations
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error
	DeleteChunksByPath(ctx context.Context, path string, source types.Source) error
	ListChunks(ctx context.Context, source types.Source, path string) ([]*types.Chunk, error)

	// Clear removes every file and chunk of the agent
	Clear(ctx context.Context) error

	// Sync metadata; ReadMeta returns ErrNotFound when no sync has completed
	ReadMeta(ctx context.Context) (*types.SyncMeta, error)
	WriteMeta(ctx context.Context, meta *types.SyncMeta) error

	// Search operations. Scores are in [0,1], higher is better.
	SearchLexical(ctx context.Context, query string, opts SearchOptions) ([]Hit, error)
	SearchVector(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error)

	// Status operations
	CountFiles(ctx context.Context, sources []types.Source) (int, error)
	CountChunks(ctx context.Context, sources []types.Source) (int, error)
	FTSAvailable() bool
	VectorAvailable(ctx context.Context) bool

	CacheStore

	// Database operations
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx replaces the chunk set of a file atomically
type Tx interface {
	DeleteChunksByPath(ctx context.Context, path string, source types.Source) error
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error
	Commit() error
	Rollback() error
}

// CacheStore persists embeddings by content hash. The cache is shared by all
// agents of a database.
type CacheStore interface {
	LookupEmbeddings(ctx context.Context, ks Keyspace, hashes []string) (map[string][]float32, error)
	UpsertEmbeddings(ctx context.Context, ks Keyspace, entries []CacheEntry) error
	PruneEmbeddings(ctx context.Context, ks Keyspace, maxEntries int) (removed int, err error)
	CountEmbeddings(ctx context.Context) (int, error)
}

// Keyspace scopes embedding cache entries to one provider configuration
type Keyspace struct {
	Provider    string
	Model       string
	ProviderKey string
}

// CacheEntry is one cached embedding
type CacheEntry struct {
	Hash   string
	Vector []float32
}

// SearchOptions narrows lexical and vector searches
type SearchOptions struct {
	Model   string         // only chunks indexed under this model
	Sources []types.Source // empty means all sources
	Limit   int
}

// Hit is a scored chunk returned by a search primitive
type Hit struct {
	ID        string
	Path      string
	Source    types.Source
	StartLine int
	EndLine   int
	Text      string
	UpdatedAt time.Time
	Score     float64
}

// Candidate converts the hit to a query candidate
func (h Hit) Candidate() types.Candidate {
	return types.Candidate{
		ID:        h.ID,
		Path:      h.Path,
		Source:    h.Source,
		StartLine: h.StartLine,
		EndLine:   h.EndLine,
		Text:      h.Text,
		UpdatedAt: h.UpdatedAt,
	}
}

// cacheLookupBatch bounds the number of hashes in one IN list
const cacheLookupBatch = 400

func sourceStrings(sources []types.Source) []string {
	if len(sources) == 0 {
		sources = types.AllSources
	}
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
