package searcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/internal/embedder"
	"github.com/dshills/memindex/internal/metrics"
	"github.com/dshills/memindex/internal/storage"
	"github.com/dshills/memindex/internal/tracing"
	"github.com/dshills/memindex/pkg/types"
)

// SearchMode is the path a query took
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // vector + lexical, weighted fusion
	SearchModeVector  SearchMode = "vector"  // vector similarity only
	SearchModeKeyword SearchMode = "keyword" // lexical only, one query per keyword
	SearchModeNone    SearchMode = "none"    // no signal to rank with
)

const (
	// maxCandidates caps the pool each branch returns
	maxCandidates = 200

	defaultMaxResults          = 6
	defaultCandidateMultiplier = 4
	defaultQueryTimeout        = 10 * time.Second

	// queryVectorCacheSize bounds the query embedding LRU
	queryVectorCacheSize = 256
)

// Request contains parameters for a search operation
type Request struct {
	Query      string
	MaxResults int      // 0 = configured default
	MinScore   *float64 // nil = configured default
}

// Response contains search results and metadata
type Response struct {
	Results     []types.SearchResult
	Mode        SearchMode
	Duration    time.Duration
	VectorHits  int
	TextHits    int
	QueryCached bool
}

// Options configures a Searcher
type Options struct {
	Query        config.QueryConfig
	Sources      []types.Source // empty means all
	QueryTimeout time.Duration
	Now          func() time.Time
}

// Searcher runs queries for one agent against its store. A nil client means
// lexical-only mode.
type Searcher struct {
	store        storage.Store
	client       *embedder.Client
	cfg          config.QueryConfig
	sources      []types.Source
	queryTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger
	vectors      *lru.Cache[string, []float32]
}

// NewSearcher creates a new Searcher instance
func NewSearcher(store storage.Store, client *embedder.Client, opts Options, logger zerolog.Logger) *Searcher {
	vectors, err := lru.New[string, []float32](queryVectorCacheSize)
	if err != nil {
		// Only fails for a non-positive size
		panic(fmt.Sprintf("failed to create query vector cache: %v", err))
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Searcher{
		store:        store,
		client:       client,
		cfg:          opts.Query,
		sources:      opts.Sources,
		queryTimeout: opts.QueryTimeout,
		now:          opts.Now,
		logger:       logger,
		vectors:      vectors,
	}
}

// Mode reports the path queries take with the current configuration
func (s *Searcher) Mode() SearchMode {
	switch {
	case s.client == nil && !s.cfg.Hybrid.Enabled:
		return SearchModeNone
	case s.client == nil:
		return SearchModeKeyword
	case !s.cfg.Hybrid.Enabled:
		return SearchModeVector
	default:
		return SearchModeHybrid
	}
}

// Search ranks chunks for req.Query. Branch failures degrade to fewer
// results; only an empty query is an error.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, types.ErrEmptyQuery
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = s.cfg.MaxResults
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	minScore := s.cfg.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	mode := s.Mode()
	ctx, span := tracing.StartSpan(ctx, "searcher.Search",
		attribute.String("mode", string(mode)),
		attribute.Int("max_results", maxResults),
	)
	defer span.End()

	opts := storage.SearchOptions{
		Model:   s.model(),
		Sources: s.sources,
		Limit:   s.candidateLimit(maxResults),
	}

	resp := &Response{Mode: mode}
	var candidates []types.Candidate
	switch mode {
	case SearchModeKeyword:
		candidates = s.keywordSearch(ctx, query, opts)
		resp.TextHits = len(candidates)
	case SearchModeVector:
		candidates, resp.QueryCached = s.vectorSearch(ctx, query, opts)
		resp.VectorHits = len(candidates)
	case SearchModeHybrid:
		candidates, resp.VectorHits, resp.TextHits, resp.QueryCached = s.hybridSearch(ctx, query, opts)
	}

	resp.Results = finish(candidates, minScore, maxResults, s.cfg.SnippetMaxChars)
	resp.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("results", len(resp.Results)))
	metrics.RecordSearch(string(mode), resp.Duration)

	s.logger.Debug().
		Str("mode", string(mode)).
		Int("vector_hits", resp.VectorHits).
		Int("text_hits", resp.TextHits).
		Int("results", len(resp.Results)).
		Dur("duration", resp.Duration).
		Msg("search finished")
	return resp, nil
}

// candidateLimit is the per-branch pool size
func (s *Searcher) candidateLimit(maxResults int) int {
	mult := s.cfg.Hybrid.CandidateMultiplier
	if mult <= 0 {
		mult = defaultCandidateMultiplier
	}
	return min(maxCandidates, max(1, maxResults*mult))
}

func (s *Searcher) model() string {
	if s.client == nil {
		return ""
	}
	return s.client.Provider().Model()
}

// keywordSearch runs one lexical query per keyword and keeps, per chunk, the
// best score any keyword gave it
func (s *Searcher) keywordSearch(ctx context.Context, query string, opts storage.SearchOptions) []types.Candidate {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		keywords = []string{query}
	}

	best := make(map[string]types.Candidate)
	for _, kw := range keywords {
		hits, err := s.store.SearchLexical(ctx, kw, opts)
		if err != nil {
			s.logger.Warn().Err(err).Str("keyword", kw).Msg("lexical search failed")
			continue
		}
		for _, h := range hits {
			if prev, ok := best[h.ID]; ok && prev.TextScore >= h.Score {
				continue
			}
			c := h.Candidate()
			c.TextScore = h.Score
			c.Score = h.Score
			best[h.ID] = c
		}
	}

	out := make([]types.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// vectorSearch embeds the query and returns the nearest chunks
func (s *Searcher) vectorSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]types.Candidate, bool) {
	vector, cached := s.queryVector(ctx, query)
	hits, err := s.store.SearchVector(ctx, vector, opts)
	if err != nil {
		s.logger.Warn().Err(err).Msg("vector search failed")
		return nil, cached
	}
	out := make([]types.Candidate, len(hits))
	for i, h := range hits {
		c := h.Candidate()
		c.VectorScore = h.Score
		c.Score = h.Score
		out[i] = c
	}
	return out, cached
}

// queryVector embeds query, serving repeats from the LRU. A failed or timed
// out embedding yields a zero vector, which the store treats as no
// candidates; zero vectors are not cached.
func (s *Searcher) queryVector(ctx context.Context, query string) ([]float32, bool) {
	key := s.model() + "\x00" + query
	if v, ok := s.vectors.Get(key); ok {
		return v, true
	}
	v := s.client.EmbedQuery(ctx, query, s.queryTimeout)
	if !isZero(v) {
		s.vectors.Add(key, v)
	}
	return v, false
}

// branchResult holds the output of one concurrent search branch
type branchResult struct {
	candidates []types.Candidate
	cached     bool
}

// hybridSearch runs both branches concurrently, fuses them, applies temporal
// decay and diversifies the ranking
func (s *Searcher) hybridSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]types.Candidate, int, int, bool) {
	vectorChan := make(chan branchResult, 1)
	textChan := make(chan branchResult, 1)

	go func() {
		candidates, cached := s.vectorSearch(ctx, query, opts)
		vectorChan <- branchResult{candidates: candidates, cached: cached}
	}()
	go func() {
		textChan <- branchResult{candidates: s.keywordSearch(ctx, query, opts)}
	}()

	var vectorRes, textRes branchResult
	var vectorDone, textDone bool
	for !vectorDone || !textDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case textRes = <-textChan:
			textDone = true
		case <-ctx.Done():
			s.logger.Warn().Err(ctx.Err()).Msg("search cancelled")
			return nil, 0, 0, false
		}
	}

	fused := fuse(vectorRes.candidates, textRes.candidates, s.cfg.Hybrid.VectorWeight, s.cfg.Hybrid.TextWeight)
	if s.cfg.TemporalDecay.Enabled {
		applyTemporalDecay(fused, s.cfg.TemporalDecay.HalfLifeDays, s.now())
		sortCandidates(fused)
	}
	if s.cfg.MMR.Enabled {
		fused = applyMMR(fused, s.cfg.MMR.Lambda)
	}
	return fused, len(vectorRes.candidates), len(textRes.candidates), vectorRes.cached
}

// fuse combines both branches by chunk id: score = wv*vector + wt*text, with
// zero for the branch that did not return the chunk
func fuse(vector, text []types.Candidate, vectorWeight, textWeight float64) []types.Candidate {
	byID := make(map[string]*types.Candidate, len(vector)+len(text))
	order := make([]string, 0, len(vector)+len(text))

	for _, c := range vector {
		c.TextScore = 0
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	for _, c := range text {
		if prev, ok := byID[c.ID]; ok {
			prev.TextScore = c.TextScore
			continue
		}
		c.VectorScore = 0
		byID[c.ID] = &c
		order = append(order, c.ID)
	}

	out := make([]types.Candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.Score = vectorWeight*c.VectorScore + textWeight*c.TextScore
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}

// finish applies the score floor, orders the candidates and converts the top
// maxResults into results
func finish(candidates []types.Candidate, minScore float64, maxResults, snippetMaxChars int) []types.SearchResult {
	kept := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= minScore {
			kept = append(kept, c)
		}
	}
	sortCandidates(kept)
	if len(kept) > maxResults {
		kept = kept[:maxResults]
	}

	results := make([]types.SearchResult, len(kept))
	for i, c := range kept {
		results[i] = c.Result(snippetMaxChars)
	}
	return results
}

// sortCandidates orders by score desc, then newest first, then id
func sortCandidates(c []types.Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if !c[i].UpdatedAt.Equal(c[j].UpdatedAt) {
			return c[i].UpdatedAt.After(c[j].UpdatedAt)
		}
		return c[i].ID < c[j].ID
	})
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
