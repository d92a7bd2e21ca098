package embedder

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/internal/metrics"
	"github.com/dshills/memindex/internal/storage"
)

// DefaultHotEntries sizes the in-process tier when the config leaves it unset
const DefaultHotEntries = 4096

const pruneTimeout = 30 * time.Second

// Cache maps (keyspace, content hash) to a vector. It fronts the store's
// embedding_cache table with an in-process LRU; the store is the source of
// truth and is shared by every agent.
type Cache struct {
	store      storage.CacheStore
	hot        *lru.Cache[string, []float32]
	enabled    bool
	maxEntries int
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewCache creates a cache over store. A disabled cache misses every lookup
// and ignores writes.
func NewCache(store storage.CacheStore, cfg config.CacheConfig, logger zerolog.Logger) *Cache {
	hotSize := cfg.HotEntries
	if hotSize <= 0 {
		hotSize = DefaultHotEntries
	}
	hot, err := lru.New[string, []float32](hotSize)
	if err != nil {
		hot, _ = lru.New[string, []float32](DefaultHotEntries)
	}
	return &Cache{
		store:      store,
		hot:        hot,
		enabled:    cfg.Enabled && store != nil,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
	}
}

// Enabled reports whether the cache serves lookups
func (c *Cache) Enabled() bool {
	return c.enabled
}

// MaxEntries is the per-keyspace prune ceiling (0 means unbounded)
func (c *Cache) MaxEntries() int {
	return c.maxEntries
}

// Lookup returns the cached vectors for hashes. Missing hashes are absent from
// the map. Store errors are logged and treated as misses.
func (c *Cache) Lookup(ctx context.Context, ks Keyspace, hashes []string) map[string][]float32 {
	found := make(map[string][]float32, len(hashes))
	if !c.enabled || len(hashes) == 0 {
		metrics.RecordCache(0, len(hashes))
		return found
	}

	misses := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, dup := found[h]; dup {
			continue
		}
		if v, ok := c.hot.Get(hotKey(ks, h)); ok {
			found[h] = copyVector(v)
			continue
		}
		misses = append(misses, h)
	}

	if len(misses) > 0 {
		stored, err := c.store.LookupEmbeddings(ctx, ks, misses)
		if err != nil {
			c.logger.Warn().Err(err).Int("hashes", len(misses)).Msg("embedding cache lookup failed")
		}
		for h, v := range stored {
			c.hot.Add(hotKey(ks, h), v)
			found[h] = copyVector(v)
		}
	}

	hits := 0
	for _, h := range hashes {
		if _, ok := found[h]; ok {
			hits++
		}
	}
	metrics.RecordCache(hits, len(hashes)-hits)
	return found
}

// Upsert stores entries, last write wins. Errors are logged.
func (c *Cache) Upsert(ctx context.Context, ks Keyspace, entries []storage.CacheEntry) {
	if !c.enabled || len(entries) == 0 {
		return
	}
	for _, e := range entries {
		c.hot.Add(hotKey(ks, e.Hash), copyVector(e.Vector))
	}
	if err := c.store.UpsertEmbeddings(ctx, ks, entries); err != nil {
		c.logger.Warn().Err(err).Int("entries", len(entries)).Msg("embedding cache upsert failed")
	}
}

// PruneAsync trims the keyspace to the configured ceiling in the background,
// oldest entries first
func (c *Cache) PruneAsync(ks Keyspace) {
	if !c.enabled || c.maxEntries <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()

		removed, err := c.store.PruneEmbeddings(ctx, ks, c.maxEntries)
		if err != nil {
			c.logger.Warn().Err(err).Str("provider", ks.Provider).Str("model", ks.Model).Msg("embedding cache prune failed")
			return
		}
		if removed > 0 {
			// Pruned rows may still sit in the hot tier; drop it wholesale
			c.hot.Purge()
			c.logger.Debug().Int("removed", removed).Str("model", ks.Model).Msg("embedding cache pruned")
		}
	}()
}

// Wait blocks until in-flight prunes finish
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Count returns the number of stored entries across keyspaces
func (c *Cache) Count(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	return c.store.CountEmbeddings(ctx)
}

func hotKey(ks Keyspace, hash string) string {
	return ks.Provider + "|" + ks.Model + "|" + ks.ProviderKey + "|" + hash
}

// copyVector returns a copy so callers cannot mutate cached values
func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
