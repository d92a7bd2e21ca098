// Package storage is the document store adapter: the only package that talks
// to the backing database.
//
// The store manages, per agent:
//   - File records and content hashes
//   - Chunks with their text and optional vector
//   - Sync metadata
//
// and, shared by all agents of a database, the embedding cache.
//
// # Backends
//
// SQLite (default) keeps everything in one file. Lexical search uses an FTS5
// external-content table kept in sync by triggers. Vector similarity is
// scored in SQL when built with the sqlite_vec tag and computed in Go
// otherwise:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5" ./...  # mattn/go-sqlite3 + sqlite-vec
//	CGO_ENABLED=0 go build ./...                                 # modernc.org/sqlite
//
// Postgres uses a generated tsvector column and the pgvector extension.
//
// # Basic Usage
//
//	st, err := storage.Open(ctx, cfg.Store, "main")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	hash, found, err := st.GetFileHash(ctx, "MEMORY.md", types.SourceMemory)
//
// # Transactions
//
// A file's chunk set is replaced in one transaction so searches never see a
// partially indexed file:
//
//	tx, err := st.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	_ = tx.DeleteChunksByPath(ctx, path, source)
//	for _, ch := range chunks {
//	    _ = tx.UpsertChunk(ctx, ch)
//	}
//	return tx.Commit()
//
// # Scores
//
// Both search primitives return scores in [0,1], higher is better. Vector
// scores are clamped cosine similarity. Lexical scores are absolute: BM25
// term-frequency saturation of the query terms in the chunk against a fixed
// reference length, the same for both backends. An empty or
// all-zero query vector yields no vector candidates.
//
// # Migrations
//
// Each backend has its own semver-ordered migration list, applied on open and
// recorded in a schema_version table.
package storage
