package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// dialect holds the backend-specific migration SQL
type dialect struct {
	name          string
	versionTable  string
	migrations    []Migration
	createVersion string
	recordVersion string
	deleteVersion string
}

var sqliteDialect = dialect{
	name:         "sqlite",
	versionTable: "schema_version",
	migrations:   SQLiteMigrations,
	createVersion: `CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	recordVersion: "INSERT INTO schema_version (version) VALUES (?)",
	deleteVersion: "DELETE FROM schema_version WHERE version = ?",
}

var postgresDialect = dialect{
	name:         "postgres",
	versionTable: "memindex_schema_version",
	migrations:   PostgresMigrations,
	createVersion: `CREATE TABLE IF NOT EXISTS memindex_schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ DEFAULT now()
)`,
	recordVersion: "INSERT INTO memindex_schema_version (version) VALUES ($1)",
	deleteVersion: "DELETE FROM memindex_schema_version WHERE version = $1",
}

// SQLiteMigrations contains all SQLite schema migrations in order
var SQLiteMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      sqliteV1Up,
		Down:    sqliteV1Down,
	},
	{
		Version: "1.1.0",
		Up:      sqliteV11Up,
		Down:    sqliteV11Down,
	},
}

// PostgresMigrations contains all Postgres schema migrations in order
var PostgresMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      postgresV1Up,
		Down:    postgresV1Down,
	},
	{
		Version: "1.1.0",
		Up:      postgresV11Up,
		Down:    postgresV11Down,
	},
}

const sqliteV1Up = `
-- Indexed files, one row per (agent, source, path)
CREATE TABLE IF NOT EXISTS files (
    agent_id TEXT NOT NULL,
    source TEXT NOT NULL,
    path TEXT NOT NULL,
    hash TEXT NOT NULL,
    mod_time INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (agent_id, source, path)
);

-- Chunks; seq is the FTS rowid, id is the derived chunk identity
CREATE TABLE IF NOT EXISTS chunks (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    id TEXT NOT NULL,
    source TEXT NOT NULL,
    path TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    hash TEXT NOT NULL,
    model TEXT NOT NULL,
    text TEXT NOT NULL,
    vector BLOB,
    dims INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    UNIQUE (agent_id, id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(agent_id, source, path);

-- Full-text search on chunk text
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    content='chunks',
    content_rowid='seq'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text) VALUES (new.seq, new.text);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.seq, old.text);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.seq, old.text);
    INSERT INTO chunks_fts(rowid, text) VALUES (new.seq, new.text);
END;

-- Embedding cache, shared by all agents
CREATE TABLE IF NOT EXISTS embedding_cache (
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    provider_key TEXT NOT NULL,
    hash TEXT NOT NULL,
    vector BLOB NOT NULL,
    dims INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (provider, model, provider_key, hash)
);

CREATE INDEX IF NOT EXISTS idx_embedding_cache_updated_at ON embedding_cache(updated_at);

-- Sync metadata, JSON values per agent
CREATE TABLE IF NOT EXISTS meta (
    agent_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (agent_id, key)
);
`

const sqliteV1Down = `
DROP TRIGGER IF EXISTS chunks_au;
DROP TRIGGER IF EXISTS chunks_ad;
DROP TRIGGER IF EXISTS chunks_ai;

DROP TABLE IF EXISTS meta;
DROP TABLE IF EXISTS embedding_cache;
DROP TABLE IF EXISTS chunks_fts;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS files;
`

const sqliteV11Up = `
CREATE INDEX IF NOT EXISTS idx_chunks_vector ON chunks(agent_id, model, dims);
`

const sqliteV11Down = `
DROP INDEX IF EXISTS idx_chunks_vector;
`

const postgresV1Up = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memindex_files (
    agent_id TEXT NOT NULL,
    source TEXT NOT NULL,
    path TEXT NOT NULL,
    hash TEXT NOT NULL,
    mod_time BIGINT NOT NULL DEFAULT 0,
    size_bytes BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (agent_id, source, path)
);

CREATE TABLE IF NOT EXISTS memindex_chunks (
    agent_id TEXT NOT NULL,
    id TEXT NOT NULL,
    source TEXT NOT NULL,
    path TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    hash TEXT NOT NULL,
    model TEXT NOT NULL,
    text TEXT NOT NULL,
    embedding vector,
    dims INTEGER NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL,
    tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', text)) STORED,
    PRIMARY KEY (agent_id, id)
);

CREATE INDEX IF NOT EXISTS idx_memindex_chunks_path ON memindex_chunks(agent_id, source, path);
CREATE INDEX IF NOT EXISTS idx_memindex_chunks_tsv ON memindex_chunks USING GIN (tsv);

CREATE TABLE IF NOT EXISTS memindex_embedding_cache (
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    provider_key TEXT NOT NULL,
    hash TEXT NOT NULL,
    vector BYTEA NOT NULL,
    dims INTEGER NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (provider, model, provider_key, hash)
);

CREATE INDEX IF NOT EXISTS idx_memindex_cache_updated_at ON memindex_embedding_cache(updated_at);

CREATE TABLE IF NOT EXISTS memindex_meta (
    agent_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (agent_id, key)
);
`

const postgresV1Down = `
DROP TABLE IF EXISTS memindex_meta;
DROP TABLE IF EXISTS memindex_embedding_cache;
DROP TABLE IF EXISTS memindex_chunks;
DROP TABLE IF EXISTS memindex_files;
`

const postgresV11Up = `
CREATE INDEX IF NOT EXISTS idx_memindex_chunks_vector ON memindex_chunks(agent_id, model, dims);
`

const postgresV11Down = `
DROP INDEX IF EXISTS idx_memindex_chunks_vector;
`

// currentVersion returns the highest applied schema version, 0.0.0 when none
func currentVersion(ctx context.Context, db *sql.DB, d dialect) (*semver.Version, error) {
	if _, err := db.ExecContext(ctx, d.createVersion); err != nil {
		return nil, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM "+d.versionTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid current schema version %s: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// applyMigrations runs all pending migrations of the dialect
func applyMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	current, err := currentVersion(ctx, db, d)
	if err != nil {
		return err
	}

	for _, migration := range d.migrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !current.LessThan(migrationVersion) {
			continue // Already applied
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply %s migration %s: %w", d.name, migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, d.recordVersion, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		current = migrationVersion
	}

	return nil
}

// rollbackMigration rolls back the most recent migration of the dialect
func rollbackMigration(ctx context.Context, db *sql.DB, d dialect) error {
	current, err := currentVersion(ctx, db, d)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range d.migrations {
		v, err := semver.NewVersion(d.migrations[i].Version)
		if err == nil && v.Equal(current) {
			migration = &d.migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}
	if _, err := db.ExecContext(ctx, d.deleteVersion, migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}

	return nil
}

// ApplyMigrations runs all pending SQLite migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, sqliteDialect)
}

// RollbackMigration rolls back the most recent SQLite migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	return rollbackMigration(ctx, db, sqliteDialect)
}

// ApplyPostgresMigrations runs all pending Postgres migrations
func ApplyPostgresMigrations(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, postgresDialect)
}
