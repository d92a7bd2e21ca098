package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dshills/memindex/pkg/types"
)

// PostgresStore implements Store on Postgres with tsvector lexical search
// and pgvector similarity
type PostgresStore struct {
	db      *sql.DB
	agentID string
}

// OpenPostgres creates a database/sql connection to Postgres using the pgx driver
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore connects, migrates and scopes the store to agentID
func NewPostgresStore(ctx context.Context, dsn, agentID string) (*PostgresStore, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := ApplyPostgresMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &PostgresStore{db: db, agentID: agentID}, nil
}

func (s *PostgresStore) AgentID() string {
	return s.agentID
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, store: s}, nil
}

type postgresTx struct {
	tx    *sql.Tx
	store *PostgresStore
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *postgresTx) DeleteChunksByPath(ctx context.Context, path string, source types.Source) error {
	return t.store.deleteChunksByPathWithQuerier(ctx, t.tx, path, source)
}

func (t *postgresTx) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return t.store.upsertChunkWithQuerier(ctx, t.tx, chunk)
}

// File operations

func (s *PostgresStore) GetFileHash(ctx context.Context, path string, source types.Source) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM memindex_files WHERE agent_id = $1 AND source = $2 AND path = $3`,
		s.agentID, string(source), path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read file hash: %w", err)
	}
	return hash, true, nil
}

func (s *PostgresStore) UpsertFile(ctx context.Context, file *types.FileRecord) error {
	if err := file.Source.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memindex_files (agent_id, source, path, hash, mod_time, size_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id, source, path) DO UPDATE SET
			hash = EXCLUDED.hash,
			mod_time = EXCLUDED.mod_time,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at
	`, s.agentID, string(file.Source), file.Path, file.Hash,
		toMillis(file.ModTime), file.SizeBytes, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, source types.Source) ([]*types.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, source, hash, mod_time, size_bytes
		FROM memindex_files
		WHERE agent_id = $1 AND source = $2
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

func (s *PostgresStore) DeleteStaleFiles(ctx context.Context, source types.Source, activePaths []string) (int, error) {
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
			`DELETE FROM memindex_files WHERE agent_id = $1 AND source = $2 AND path = $3`,
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

func (s *PostgresStore) upsertChunkWithQuerier(ctx context.Context, q querier, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return fmt.Errorf("invalid chunk: %w", err)
	}
	var embedding sql.NullString
	if chunk.HasVector() {
		embedding = sql.NullString{String: vectorToString(chunk.Vector), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO memindex_chunks (agent_id, id, source, path, start_line, end_line, hash, model, text, embedding, dims, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11, $12)
		ON CONFLICT (agent_id, id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			dims = EXCLUDED.dims,
			updated_at = EXCLUDED.updated_at
	`, s.agentID, chunk.ID, string(chunk.Source), chunk.Path, chunk.StartLine, chunk.EndLine,
		chunk.Hash, chunk.Model, chunk.Text, embedding, len(chunk.Vector), toMillis(chunk.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return s.upsertChunkWithQuerier(ctx, s.db, chunk)
}

func (s *PostgresStore) deleteChunksByPathWithQuerier(ctx context.Context, q querier, path string, source types.Source) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM memindex_chunks WHERE agent_id = $1 AND source = $2 AND path = $3`,
		s.agentID, string(source), path)
	if err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) DeleteChunksByPath(ctx context.Context, path string, source types.Source) error {
	return s.deleteChunksByPathWithQuerier(ctx, s.db, path, source)
}

func (s *PostgresStore) ListChunks(ctx context.Context, source types.Source, path string) ([]*types.Chunk, error) {
	query := `
		SELECT id, source, path, start_line, end_line, hash, model, text, embedding::text, updated_at
		FROM memindex_chunks
		WHERE agent_id = $1 AND source = $2
	`
	args := []interface{}{s.agentID, string(source)}
	if path != "" {
		query += " AND path = $3"
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
			embedding sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&chunk.ID, &src, &chunk.Path, &chunk.StartLine, &chunk.EndLine,
			&chunk.Hash, &chunk.Model, &chunk.Text, &embedding, &updatedAt); err != nil {
			return nil, err
		}
		chunk.Source = types.Source(src)
		if embedding.Valid {
			chunk.Vector = parseVectorString(embedding.String)
		}
		chunk.UpdatedAt = fromMillis(updatedAt)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memindex_chunks WHERE agent_id = $1`, s.agentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memindex_files WHERE agent_id = $1`, s.agentID); err != nil {
		return fmt.Errorf("failed to clear files: %w", err)
	}
	return tx.Commit()
}

// Meta operations

func (s *PostgresStore) ReadMeta(ctx context.Context) (*types.SyncMeta, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memindex_meta WHERE agent_id = $1 AND key = $2`, s.agentID, metaKeySync).Scan(&raw)
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

func (s *PostgresStore) WriteMeta(ctx context.Context, meta *types.SyncMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memindex_meta (agent_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, key) DO UPDATE SET value = EXCLUDED.value
	`, s.agentID, metaKeySync, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// Search operations

func (s *PostgresStore) SearchLexical(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	if strings.TrimSpace(query) == "" || opts.Limit <= 0 {
		return []Hit{}, nil
	}
	q := `
		SELECT id, path, source, start_line, end_line, text, updated_at,
			ts_rank(tsv, plainto_tsquery('simple', $1)) AS score
		FROM memindex_chunks
		WHERE agent_id = $2 AND model = $3 AND tsv @@ plainto_tsquery('simple', $1)
	`
	args := []interface{}{query, s.agentID, opts.Model}
	q, args = pgSourceFilter(q, args, opts.Sources)
	args = append(args, opts.Limit)
	q += fmt.Sprintf(" ORDER BY score DESC LIMIT $%d", len(args))

	hits, err := s.queryHits(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lexical search: %w", err)
	}
	scoreLexicalHits(query, hits)
	return hits, nil
}

func (s *PostgresStore) SearchVector(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	if isZeroVector(vector) || opts.Limit <= 0 {
		return []Hit{}, nil
	}
	q := `
		SELECT id, path, source, start_line, end_line, text, updated_at,
			1 - (embedding <=> $1::vector) AS score
		FROM memindex_chunks
		WHERE agent_id = $2 AND model = $3 AND dims = $4 AND embedding IS NOT NULL
	`
	args := []interface{}{vectorToString(vector), s.agentID, opts.Model, len(vector)}
	q, args = pgSourceFilter(q, args, opts.Sources)
	args = append(args, opts.Limit)
	q += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	hits, err := s.queryHits(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	for i := range hits {
		hits[i].Score = clamp01(hits[i].Score)
	}
	return hits, nil
}

func (s *PostgresStore) queryHits(ctx context.Context, q string, args []interface{}) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0)
	for rows.Next() {
		hit, score, err := scanHit(rows)
		if err != nil {
			return nil, err
		}
		hit.Score = score
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Status operations

func (s *PostgresStore) CountFiles(ctx context.Context, sources []types.Source) (int, error) {
	return s.count(ctx, "memindex_files", sources)
}

func (s *PostgresStore) CountChunks(ctx context.Context, sources []types.Source) (int, error) {
	return s.count(ctx, "memindex_chunks", sources)
}

func (s *PostgresStore) count(ctx context.Context, table string, sources []types.Source) (int, error) {
	q, args := pgSourceFilter(
		"SELECT COUNT(*) FROM "+table+" c WHERE c.agent_id = $1",
		[]interface{}{s.agentID}, sources)
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// FTSAvailable is always true: tsvector is built into Postgres
func (s *PostgresStore) FTSAvailable() bool {
	return true
}

// VectorAvailable reports whether the pgvector extension is installed
func (s *PostgresStore) VectorAvailable(ctx context.Context) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pg_extension WHERE extname = 'vector'`).Scan(&one)
	return err == nil
}

// Embedding cache operations

func (s *PostgresStore) LookupEmbeddings(ctx context.Context, ks Keyspace, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	uniq := uniqueStrings(hashes)

	for start := 0; start < len(uniq); start += cacheLookupBatch {
		end := min(start+cacheLookupBatch, len(uniq))
		batch := uniq[start:end]

		args := make([]interface{}, 0, len(batch)+3)
		args = append(args, ks.Provider, ks.Model, ks.ProviderKey)
		marks := make([]string, len(batch))
		for i, h := range batch {
			args = append(args, h)
			marks[i] = "$" + strconv.Itoa(len(args))
		}
		query := `
			SELECT hash, vector FROM memindex_embedding_cache
			WHERE provider = $1 AND model = $2 AND provider_key = $3 AND hash IN (` + strings.Join(marks, ",") + `)`

		if err := scanCacheRows(ctx, s.db, query, args, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *PostgresStore) UpsertEmbeddings(ctx context.Context, ks Keyspace, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memindex_embedding_cache (provider, model, provider_key, hash, vector, dims, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (provider, model, provider_key, hash) DO UPDATE SET
				vector = EXCLUDED.vector,
				dims = EXCLUDED.dims,
				updated_at = EXCLUDED.updated_at
		`, ks.Provider, ks.Model, ks.ProviderKey, e.Hash, serializeVector(e.Vector), len(e.Vector), now); err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) PruneEmbeddings(ctx context.Context, ks Keyspace, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memindex_embedding_cache
		WHERE provider = $1 AND model = $2 AND provider_key = $3
	`, ks.Provider, ks.Model, ks.ProviderKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	if count <= maxEntries {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memindex_embedding_cache WHERE ctid IN (
			SELECT ctid FROM memindex_embedding_cache
			WHERE provider = $1 AND model = $2 AND provider_key = $3
			ORDER BY updated_at ASC LIMIT $4
		)
	`, ks.Provider, ks.Model, ks.ProviderKey, count-maxEntries)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memindex_embedding_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// pgSourceFilter appends a numbered source IN (...) clause
func pgSourceFilter(query string, args []interface{}, sources []types.Source) (string, []interface{}) {
	srcs := sourceStrings(sources)
	marks := make([]string, len(srcs))
	for i, src := range srcs {
		args = append(args, src)
		marks[i] = "$" + strconv.Itoa(len(args))
	}
	return query + " AND source IN (" + strings.Join(marks, ",") + ")", args
}

// vectorToString renders a vector in pgvector text form
func vectorToString(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVectorString parses pgvector text form
func parseVectorString(s string) []float32 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
