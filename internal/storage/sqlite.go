package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/memindex/pkg/types"
)

const metaKeySync = "sync"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	agentID string
	fts     bool
	vecExt  bool
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Several agents may open the same file
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStore opens (and migrates) the database at dbPath for one agent
func NewSQLiteStore(ctx context.Context, dbPath, agentID string) (*SQLiteStore, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &SQLiteStore{db: db, agentID: agentID}
	s.fts = s.tableExists(ctx, "chunks_fts")
	if VectorExtensionAvailable {
		var version string
		s.vecExt = db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version) == nil
	}
	return s, nil
}

func (s *SQLiteStore) tableExists(ctx context.Context, name string) bool {
	var found string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
	return err == nil
}

// AgentID returns the agent the store is scoped to
func (s *SQLiteStore) AgentID() string {
	return s.agentID
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, store: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx    *sql.Tx
	store *SQLiteStore
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) DeleteChunksByPath(ctx context.Context, path string, source types.Source) error {
	return t.store.deleteChunksByPathWithQuerier(ctx, t.tx, path, source)
}

func (t *sqliteTx) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return t.store.upsertChunkWithQuerier(ctx, t.tx, chunk)
}

// File operations

func (s *SQLiteStore) GetFileHash(ctx context.Context, path string, source types.Source) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM files WHERE agent_id = ? AND source = ? AND path = ?`,
		s.agentID, string(source), path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read file hash: %w", err)
	}
	return hash, true, nil
}

// upsertFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStore) upsertFileWithQuerier(ctx context.Context, q querier, file *types.FileRecord) error {
	if err := file.Source.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO files (agent_id, source, path, hash, mod_time, size_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, source, path) DO UPDATE SET
			hash = excluded.hash,
			mod_time = excluded.mod_time,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		s.agentID, string(file.Source), file.Path, file.Hash,
		toMillis(file.ModTime), file.SizeBytes, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertFile(ctx context.Context, file *types.FileRecord) error {
	return s.upsertFileWithQuerier(ctx, s.db, file)
}

func (s *SQLiteStore) ListFiles(ctx context.Context, source types.Source) ([]*types.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, source, hash, mod_time, size_bytes
		FROM files
		WHERE agent_id = ? AND source = ?
		ORDER BY path
	`, s.agentID, string(source))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	files := make([]*types.FileRecord, 0)
	for rows.Next() {
		var (
			file    types.FileRecord
			src     string
			modTime int64
		)
		if err := rows.Scan(&file.Path, &src, &file.Hash, &modTime, &file.SizeBytes); err != nil {
			return nil, err
		}
		file.Source = types.Source(src)
		file.ModTime = fromMillis(modTime)
		files = append(files, &file)
	}
	return files, rows.Err()
}

// DeleteStaleFiles removes files of source, and their chunks, whose path is
// not in activePaths
func (s *SQLiteStore) DeleteStaleFiles(ctx context.Context, source types.Source, activePaths []string) (int, error) {
	existing, err := s.ListFiles(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("failed to list files: %w", err)
	}

	active := make(map[string]struct{}, len(activePaths))
	for _, p := range activePaths {
		active[p] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, f := range existing {
		if _, ok := active[f.Path]; ok {
			continue
		}
		if err := s.deleteChunksByPathWithQuerier(ctx, tx, f.Path, source); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM files WHERE agent_id = ? AND source = ? AND path = ?`,
			s.agentID, string(source), f.Path); err != nil {
			return 0, fmt.Errorf("failed to delete file %s: %w", f.Path, err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Chunk operations

// upsertChunkWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStore) upsertChunkWithQuerier(ctx context.Context, q querier, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return fmt.Errorf("invalid chunk: %w", err)
	}
	var vector []byte
	if chunk.HasVector() {
		vector = serializeVector(chunk.Vector)
	}
	query := `
		INSERT INTO chunks (agent_id, id, source, path, start_line, end_line, hash, model, text, vector, dims, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, id) DO UPDATE SET
			text = excluded.text,
			vector = excluded.vector,
			dims = excluded.dims,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		s.agentID, chunk.ID, string(chunk.Source), chunk.Path, chunk.StartLine, chunk.EndLine,
		chunk.Hash, chunk.Model, chunk.Text, vector, len(chunk.Vector), toMillis(chunk.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return s.upsertChunkWithQuerier(ctx, s.db, chunk)
}

// deleteChunksByPathWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStore) deleteChunksByPathWithQuerier(ctx context.Context, q querier, path string, source types.Source) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM chunks WHERE agent_id = ? AND source = ? AND path = ?`,
		s.agentID, string(source), path)
	if err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunksByPath(ctx context.Context, path string, source types.Source) error {
	return s.deleteChunksByPathWithQuerier(ctx, s.db, path, source)
}

// ListChunks returns the chunks of source, or of one path when path is set
func (s *SQLiteStore) ListChunks(ctx context.Context, source types.Source, path string) ([]*types.Chunk, error) {
	query := `
		SELECT id, source, path, start_line, end_line, hash, model, text, vector, updated_at
		FROM chunks
		WHERE agent_id = ? AND source = ?
	`
	args := []interface{}{s.agentID, string(source)}
	if path != "" {
		query += " AND path = ?"
		args = append(args, path)
	}
	query += " ORDER BY path, start_line, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*types.Chunk, 0)
	for rows.Next() {
		var (
			chunk     types.Chunk
			src       string
			vector    []byte
			updatedAt int64
		)
		if err := rows.Scan(&chunk.ID, &src, &chunk.Path, &chunk.StartLine, &chunk.EndLine,
			&chunk.Hash, &chunk.Model, &chunk.Text, &vector, &updatedAt); err != nil {
			return nil, err
		}
		chunk.Source = types.Source(src)
		if len(vector) > 0 {
			chunk.Vector = deserializeVector(vector)
		}
		chunk.UpdatedAt = fromMillis(updatedAt)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// Clear removes every file and chunk of the agent. Metadata and the shared
// embedding cache are kept.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE agent_id = ?`, s.agentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE agent_id = ?`, s.agentID); err != nil {
		return fmt.Errorf("failed to clear files: %w", err)
	}
	return tx.Commit()
}

// Meta operations

func (s *SQLiteStore) ReadMeta(ctx context.Context) (*types.SyncMeta, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE agent_id = ? AND key = ?`, s.agentID, metaKeySync).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	var meta types.SyncMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return &meta, nil
}

func (s *SQLiteStore) WriteMeta(ctx context.Context, meta *types.SyncMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta (agent_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value
	`, s.agentID, metaKeySync, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// Search operations

func (s *SQLiteStore) SearchLexical(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	if !s.fts {
		return nil, nil
	}
	return searchText(ctx, s.db, s.agentID, query, opts)
}

func (s *SQLiteStore) SearchVector(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	if isZeroVector(vector) {
		return nil, nil
	}
	if s.vecExt {
		return searchVectorOptimized(ctx, s.db, s.agentID, vector, opts)
	}
	return searchVectorFallback(ctx, s.db, s.agentID, vector, opts)
}

// Status operations

func (s *SQLiteStore) CountFiles(ctx context.Context, sources []types.Source) (int, error) {
	return s.count(ctx, "files", sources)
}

func (s *SQLiteStore) CountChunks(ctx context.Context, sources []types.Source) (int, error) {
	return s.count(ctx, "chunks", sources)
}

func (s *SQLiteStore) count(ctx context.Context, table string, sources []types.Source) (int, error) {
	srcs := sourceStrings(sources)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE agent_id = ? AND source IN (%s)`,
		table, placeholders(len(srcs)))
	args := make([]interface{}, 0, len(srcs)+1)
	args = append(args, s.agentID)
	for _, src := range srcs {
		args = append(args, src)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLiteStore) FTSAvailable() bool {
	return s.fts
}

// VectorAvailable reports whether vector similarity can be served. Without
// the sqlite-vec extension similarity is computed in Go.
func (s *SQLiteStore) VectorAvailable(ctx context.Context) bool {
	if s.vecExt {
		var version string
		return s.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version) == nil
	}
	return s.db.PingContext(ctx) == nil
}

// Embedding cache operations

func (s *SQLiteStore) LookupEmbeddings(ctx context.Context, ks Keyspace, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	uniq := uniqueStrings(hashes)

	for start := 0; start < len(uniq); start += cacheLookupBatch {
		end := min(start+cacheLookupBatch, len(uniq))
		batch := uniq[start:end]

		args := make([]interface{}, 0, len(batch)+3)
		args = append(args, ks.Provider, ks.Model, ks.ProviderKey)
		for _, h := range batch {
			args = append(args, h)
		}
		query := fmt.Sprintf(`
			SELECT hash, vector FROM embedding_cache
			WHERE provider = ? AND model = ? AND provider_key = ? AND hash IN (%s)
		`, placeholders(len(batch)))

		if err := scanCacheRows(ctx, s.db, query, args, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpsertEmbeddings(ctx context.Context, ks Keyspace, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embedding_cache (provider, model, provider_key, hash, vector, dims, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model, provider_key, hash) DO UPDATE SET
			vector = excluded.vector,
			dims = excluded.dims,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ks.Provider, ks.Model, ks.ProviderKey, e.Hash,
			serializeVector(e.Vector), len(e.Vector), now); err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}
	}
	return tx.Commit()
}

// PruneEmbeddings deletes the oldest entries of the keyspace beyond maxEntries
func (s *SQLiteStore) PruneEmbeddings(ctx context.Context, ks Keyspace, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embedding_cache WHERE provider = ? AND model = ? AND provider_key = ?
	`, ks.Provider, ks.Model, ks.ProviderKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	if count <= maxEntries {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache
			WHERE provider = ? AND model = ? AND provider_key = ?
			ORDER BY updated_at ASC, rowid ASC LIMIT ?
		)
	`, ks.Provider, ks.Model, ks.ProviderKey, count-maxEntries)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// scanCacheRows reads (hash, vector) rows into out
func scanCacheRows(ctx context.Context, q querier, query string, args []interface{}, out map[string][]float32) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			hash string
			blob []byte
		)
		if err := rows.Scan(&hash, &blob); err != nil {
			return err
		}
		if len(blob) > 0 {
			out[hash] = deserializeVector(blob)
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
