// Package embedder turns chunk text into vectors.
//
// A Provider performs one embeddings request (OpenAI through the official SDK,
// Jina over HTTP, or the offline local hasher). Client sits in front of it:
//
//	provider, err := embedder.NewProvider(cfg.Embedding) // nil provider: lexical-only
//	client := embedder.NewClient(provider, cfg.Embedding, logger)
//	vectors, err := client.EmbedBatch(ctx, texts)        // one vector per text, input order
//
// EmbedBatch packs texts greedily into requests bounded by batch_max_tokens
// (estimated at four characters per token) and batch_max_items, retries each
// request with exponential backoff and waits on the rate limiter before every
// attempt. A provider returning the wrong number of vectors fails the call with
// ErrProviderFailed.
//
// EmbedQuery never fails: on timeout or provider error it logs and returns a
// zero vector, and the query engine falls back to lexical candidates.
//
// # Cache
//
// Cache maps (provider, model, provider key, content hash) to a vector. Lookups
// hit an in-process LRU first and then one batched store read. The provider
// key fingerprints the endpoint, model and non-credential headers, so rotating
// an API key keeps cached vectors while switching endpoints does not.
//
//	ks := embedder.KeyspaceOf(provider)
//	hits := cache.Lookup(ctx, ks, hashes)
//	cache.Upsert(ctx, ks, entries)
//	cache.PruneAsync(ks) // oldest-first trim to cache.max_entries
package embedder
