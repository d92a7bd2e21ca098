// Package indexer keeps an agent's document store in sync with its memory
// notes and session transcripts.
//
// # Sync runs
//
//	s := indexer.New(indexer.Config{...}, indexer.Deps{Store: store, Chunker: ch, Client: client, Cache: cache})
//	res, err := s.Sync(ctx, indexer.SyncRequest{Reason: types.ReasonManual})
//
// A run moves through idle, deciding-scope, full-clear (only on a full
// reindex), syncing-memory, syncing-sessions and writing-meta. A full reindex
// happens when the caller forces it, when no SyncMeta is stored, or when the
// provider, model, provider key or chunking parameters changed.
//
// Memory notes sync when the memory source is dirty. Transcripts sync only
// for reasons other than session-start and watch, and on an incremental run
// only the transcripts marked dirty are considered. Unchanged files are
// skipped by SHA-256 content hash.
//
// Files are indexed under an errgroup limited to Config.Concurrency. A file
// that fails is logged and counted; it never stops the others. After every
// task of a source finishes, files no longer on disk are swept from the
// store. SyncMeta is written even when a source failed; only meta read and
// write errors fail the run.
//
// # Background syncs
//
// Concurrent Sync calls share one run. SyncAsync is fire-and-forget and
// drops the trigger while another background sync holds the IndexLock.
// Watcher marks sources dirty from fsnotify events and calls SyncAsync with
// reason "watch" once events settle.
package indexer
