// Package types provides shared type definitions for memindex.
//
// It holds the domain model that every component agrees on: sources,
// file records, chunks, sync metadata, search results and status snapshots.
//
// # Chunk identity
//
// A chunk's ID is derived from its source, path, line range, content hash and
// embedding model:
//
//	id := types.ChunkID(types.SourceMemory, "memory/2025-01-02.md", 1, 12, hash, "text-embedding-3-small")
//
// Re-indexing identical content under the same model therefore produces the
// same IDs, which keeps repeated syncs free of churn.
//
// # Sync metadata
//
// SyncMeta records the provider, model, provider key and chunking parameters
// an index was built with. SameIdentity decides whether an incremental sync
// can trust the existing index.
package types
