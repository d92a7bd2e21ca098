// Package searcher ranks an agent's indexed chunks for a query.
//
// The path a query takes depends on configuration:
//
//   - Hybrid: a provider is configured and hybrid search is enabled. Vector
//     and lexical searches run concurrently and are fused with configured
//     weights, then temporal decay and MMR diversification are applied.
//   - Vector: a provider is configured and hybrid search is disabled. The
//     query embedding has its own timeout; on failure the query returns no
//     vector candidates instead of an error.
//   - Keyword: no provider. One lexical search runs per query keyword and
//     each chunk keeps its best score.
//   - None: no provider and hybrid search disabled. Nothing can rank, so
//     every query is empty.
//
// Every path filters by the minimum score, orders by score (newest first on
// ties, then id) and truncates to the requested number of results.
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, client, searcher.Options{Query: cfg.Query}, logger)
//
//	resp, err := s.Search(ctx, searcher.Request{Query: "billing deploy", MaxResults: 5})
//	for _, r := range resp.Results {
//	    fmt.Printf("%s:%d-%d %.2f\n", r.Path, r.StartLine, r.EndLine, r.Score)
//	}
package searcher
