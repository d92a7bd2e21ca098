package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/memindex/internal/config"
)

// Open opens the configured document store scoped to agentID
func Open(ctx context.Context, cfg config.StoreConfig, agentID string) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, agentID)
	case config.DriverSQLite, "":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return NewSQLiteStore(ctx, cfg.Path, agentID)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
