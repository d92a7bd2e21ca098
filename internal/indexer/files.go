package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dshills/memindex/internal/chunker"
	"github.com/dshills/memindex/internal/storage"
	"github.com/dshills/memindex/pkg/types"
)

// sessionsPrefix is prepended to transcript file names to form stored paths
const sessionsPrefix = "sessions/"

// listMemoryFiles enumerates MEMORY.md, memory.md, memory/**/*.md and the
// extra paths (files or directories). Symlinks are skipped.
func listMemoryFiles(workspace string, extraPaths []string) ([]types.FileEntry, error) {
	var (
		entries []types.FileEntry
		seen    []os.FileInfo
	)

	add := func(abs string, info os.FileInfo) error {
		for _, prev := range seen {
			if os.SameFile(prev, info) {
				return nil
			}
		}
		entry, err := buildEntry(abs, memoryPath(workspace, abs), types.SourceMemory)
		if err != nil {
			return err
		}
		seen = append(seen, info)
		entries = append(entries, entry)
		return nil
	}

	for _, name := range []string{"MEMORY.md", "memory.md"} {
		abs := filepath.Join(workspace, name)
		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := add(abs, info); err != nil {
			return nil, err
		}
	}

	roots := append([]string{filepath.Join(workspace, "memory")}, extraPaths...)
	for _, root := range roots {
		if err := walkMarkdown(root, add); err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// walkMarkdown calls add for every regular .md file under root. root may be a
// single file; a missing root is not an error.
func walkMarkdown(root string, add func(string, os.FileInfo) error) error {
	info, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil
	}
	if info.Mode().IsRegular() {
		if isMarkdown(root) {
			return add(root, info)
		}
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() || !isMarkdown(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return add(path, info)
	})
}

// listSessionFiles enumerates <dir>/*.jsonl. A missing directory yields none.
func listSessionFiles(dir string) ([]types.FileEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]types.FileEntry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".jsonl") {
			continue
		}
		entry, err := buildEntry(filepath.Join(dir, d.Name()), SessionPath(d.Name()), types.SourceSessions)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SessionPath is the stored path of a transcript file
func SessionPath(name string) string {
	return sessionsPrefix + filepath.Base(name)
}

// memoryPath is abs relative to the workspace when inside it, else abs itself
func memoryPath(workspace, abs string) string {
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

func buildEntry(abs, path string, source types.Source) (types.FileEntry, error) {
	hash, modTime, size, err := computeFileHash(abs)
	if err != nil {
		return types.FileEntry{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return types.FileEntry{
		Path:    path,
		AbsPath: abs,
		Source:  source,
		Hash:    hash,
		ModTime: modTime,
		Size:    size,
	}, nil
}

// computeFileHash computes the hex SHA-256 of a file
func computeFileHash(filePath string) (string, time.Time, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return "", time.Time{}, 0, err
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", time.Time{}, 0, err
	}

	return hex.EncodeToString(hash.Sum(nil)), info.ModTime(), info.Size(), nil
}

// indexFile replaces the stored chunks of one file: read, parse, chunk, look
// up cached vectors, embed the misses, swap the chunk set in one transaction,
// then upsert the file record.
func (s *Syncer) indexFile(ctx context.Context, entry types.FileEntry, run *runState) (int, error) {
	content, err := os.ReadFile(entry.AbsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}
	entry.Hash = hex.EncodeToString(sha256Sum(content))
	entry.Size = int64(len(content))

	doc, err := s.parser.Parse(content, entry.Source)
	if err != nil {
		return 0, err
	}
	if doc.Skipped > 0 {
		s.logger.Debug().Str("path", entry.Path).Int("skipped", doc.Skipped).Msg("skipped malformed transcript lines")
	}

	chunks := s.chunker.Chunk(doc.Text)
	if doc.HasLineMap() {
		chunks = chunker.RemapLines(chunks, doc.LineMap)
	}

	vectors, err := s.embedChunks(ctx, chunks, run)
	if err != nil {
		return 0, err
	}

	updatedAt := entry.ModTime
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.DeleteChunksByPath(ctx, entry.Path, entry.Source); err != nil {
		return 0, err
	}
	for i, tc := range chunks {
		chunk := types.NewChunk(entry.Source, entry.Path, tc, s.model(), vectors[i], updatedAt)
		if err := tx.UpsertChunk(ctx, chunk); err != nil {
			return 0, fmt.Errorf("failed to store chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if err := s.store.UpsertFile(ctx, entry.Record()); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedChunks returns one vector per chunk: cached where possible, embedded
// otherwise. A hash is embedded once per run; a task that finds another task
// already embedding it waits for that result. Without a provider every vector
// is empty.
func (s *Syncer) embedChunks(ctx context.Context, chunks []types.TextChunk, run *runState) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	if s.client == nil || len(chunks) == 0 {
		return vectors, nil
	}

	ks := s.client.Keyspace()
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}

	var cached map[string][]float32
	if s.cache != nil {
		cached = s.cache.Lookup(ctx, ks, hashes)
	}

	var (
		texts []string
		order []string
		owned []*pendingEmbed
		waits = make(map[string]*pendingEmbed)
	)
	run.mu.Lock()
	for _, c := range chunks {
		if _, ok := cached[c.Hash]; ok {
			continue
		}
		if _, ok := waits[c.Hash]; ok {
			continue
		}
		p, ok := run.pending[c.Hash]
		if !ok {
			p = &pendingEmbed{done: make(chan struct{})}
			run.pending[c.Hash] = p
			texts = append(texts, c.Text)
			order = append(order, c.Hash)
			owned = append(owned, p)
		}
		waits[c.Hash] = p
	}
	run.mu.Unlock()

	if len(texts) > 0 {
		fresh, err := s.embedTexts(ctx, ks, texts, order, run)
		run.settle(order, owned, fresh, err)
		if err != nil {
			return nil, err
		}
	}

	// Hashes whose owner failed are embedded here, outside the pending map
	var retryTexts, retryOrder []string
	for _, c := range chunks {
		p, ok := waits[c.Hash]
		if !ok {
			continue
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.err != nil && !slices.Contains(retryOrder, c.Hash) {
			retryTexts = append(retryTexts, c.Text)
			retryOrder = append(retryOrder, c.Hash)
		}
	}
	var retried map[string][]float32
	if len(retryTexts) > 0 {
		var err error
		retried, err = s.embedTexts(ctx, ks, retryTexts, retryOrder, run)
		if err != nil {
			return nil, err
		}
	}

	for i, c := range chunks {
		v, ok := cached[c.Hash]
		if !ok {
			v, ok = retried[c.Hash]
		}
		if !ok {
			v = waits[c.Hash].vec
		}
		vectors[i] = v
		run.noteDims(len(v))
	}
	return vectors, nil
}

// embedTexts embeds texts, whose hashes are order, and writes them through
// the cache
func (s *Syncer) embedTexts(ctx context.Context, ks storage.Keyspace, texts, order []string, run *runState) (map[string][]float32, error) {
	embedded, err := s.client.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	fresh := make(map[string][]float32, len(embedded))
	entries := make([]storage.CacheEntry, 0, len(embedded))
	for i, v := range embedded {
		fresh[order[i]] = v
		entries = append(entries, storage.CacheEntry{Hash: order[i], Vector: v})
	}
	run.embedded.Add(int64(len(texts)))
	if s.cache != nil {
		s.cache.Upsert(ctx, ks, entries)
	}
	return fresh, nil
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
