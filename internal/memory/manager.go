package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/memindex/internal/chunker"
	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/internal/embedder"
	"github.com/dshills/memindex/internal/indexer"
	"github.com/dshills/memindex/internal/logging"
	"github.com/dshills/memindex/internal/searcher"
	"github.com/dshills/memindex/internal/storage"
	"github.com/dshills/memindex/pkg/types"
)

const (
	// statusRefreshTimeout bounds a background count refresh
	statusRefreshTimeout = 10 * time.Second

	// probeTimeout bounds an embedding health probe
	probeTimeout = 15 * time.Second
)

// Deps are optional collaborators of a Manager
type Deps struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

// SearchOptions narrows one search
type SearchOptions struct {
	MaxResults int      // 0 = configured default
	MinScore   *float64 // nil = configured default
	SessionKey string   // a new key signals a session start
}

// SyncRequest describes a caller-requested sync
type SyncRequest = indexer.SyncRequest

// Manager is the memory index of one agent: it owns the agent's store,
// embedding client, syncer, searcher and optional watcher.
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	provider embedder.Provider
	client   *embedder.Client
	cache    *embedder.Cache
	syncer   *indexer.Syncer
	searcher *searcher.Searcher
	watcher  *indexer.Watcher
	logger   zerolog.Logger
	now      func() time.Time

	statusMu   sync.Mutex
	counts     types.Status // last read counts; live fields are filled on read
	refreshing atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[string]struct{}

	bgMu   sync.Mutex // orders wg.Add against Close
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds the Manager for cfg.AgentID. Missing provider configuration is
// not an error: the manager runs lexical-only.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := logging.Component(deps.Logger, "memory").With().Str("agent_id", cfg.AgentID).Logger()

	store, err := storage.Open(ctx, cfg.Store, cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	provider, err := embedder.NewProvider(cfg.Embedding)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		provider: provider,
		logger:   logger,
		now:      deps.Now,
		sessions: make(map[string]struct{}),
	}

	maxInputTokens := 0
	if provider != nil {
		m.client = embedder.NewClient(provider, cfg.Embedding, logging.Component(deps.Logger, "embedder"))
		m.cache = embedder.NewCache(store, cfg.Cache, logging.Component(deps.Logger, "embedding-cache"))
		maxInputTokens = provider.MaxInputTokens()
	}

	textChunker := chunker.New(chunker.Options{
		Tokens:         cfg.Chunking.Tokens,
		Overlap:        cfg.Chunking.Overlap,
		MaxInputTokens: maxInputTokens,
		Tokenizer:      chunker.NewTokenizer(cfg.Chunking.Tokenizer, logger),
	})

	sources := cfg.EnabledSources()
	m.syncer = indexer.New(indexer.Config{
		AgentID:     cfg.AgentID,
		Workspace:   cfg.Workspace,
		SessionsDir: cfg.SessionsDir,
		ExtraPaths:  cfg.ExtraPaths,
		Sources:     sources,
		Concurrency: cfg.Sync.Concurrency,
	}, indexer.Deps{
		Store:   store,
		Chunker: textChunker,
		Client:  m.client,
		Cache:   m.cache,
		Logger:  logging.Component(deps.Logger, "indexer").With().Str("agent_id", cfg.AgentID).Logger(),
		Now:     deps.Now,
	})

	m.searcher = searcher.NewSearcher(store, m.client, searcher.Options{
		Query:        cfg.Query,
		Sources:      sources,
		QueryTimeout: cfg.Embedding.QueryTimeout,
		Now:          deps.Now,
	}, logging.Component(deps.Logger, "searcher"))

	if cfg.Sync.Watch {
		w, err := indexer.NewWatcher(m.syncer, cfg.Sync.WatchDebounce, logging.Component(deps.Logger, "watcher"))
		if err != nil {
			// Searches still trigger syncs without a watcher
			logger.Warn().Err(err).Msg("file watching disabled")
		} else {
			m.watcher = w
		}
	}

	logger.Info().
		Str("provider", m.providerID()).
		Str("model", m.syncer.Model()).
		Str("mode", string(m.searcher.Mode())).
		Msg("memory index opened")
	return m, nil
}

// AgentID returns the agent this manager serves
func (m *Manager) AgentID() string {
	return m.cfg.AgentID
}

// Sync runs a sync and waits for it. Concurrent callers share one run.
func (m *Manager) Sync(ctx context.Context, req SyncRequest) (*indexer.Result, error) {
	if m.closed.Load() {
		return nil, types.ErrClosed
	}
	if req.Reason == "" {
		req.Reason = types.ReasonManual
	}
	res, err := m.syncer.Sync(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := m.RefreshStatus(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to refresh status after sync")
	}
	return res, nil
}

// Search serves query from the current store contents. It may start a
// background sync but never waits for one.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchResult, error) {
	if m.closed.Load() {
		return nil, types.ErrClosed
	}

	m.warmSession(opts.SessionKey)
	if m.cfg.Sync.OnSearch && m.syncer.Dirty() {
		m.syncer.SyncAsync(types.ReasonSearch)
	}

	resp, err := m.searcher.Search(ctx, searcher.Request{
		Query:      query,
		MaxResults: opts.MaxResults,
		MinScore:   opts.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// warmSession starts a session-start sync the first time a key is seen
func (m *Manager) warmSession(key string) {
	if key == "" || !m.cfg.Sync.OnSessionStart {
		return
	}
	m.sessionsMu.Lock()
	_, seen := m.sessions[key]
	m.sessions[key] = struct{}{}
	m.sessionsMu.Unlock()
	if !seen {
		m.syncer.SyncAsync(types.ReasonSessionStart)
	}
}

// MarkDirty records an out-of-band change for the next sync
func (m *Manager) MarkDirty(source types.Source, path string) {
	m.syncer.MarkDirty(source, path)
}

// Status returns the last counted snapshot with live fields filled in, and
// starts a background refresh of the counts. Counts may lag the store; AsOf
// tells when they were read.
func (m *Manager) Status() types.Status {
	st := m.liveStatus()
	m.refreshAsync()
	return st
}

// Snapshot returns the last counted snapshot without scheduling a refresh
func (m *Manager) Snapshot() types.Status {
	return m.liveStatus()
}

// RefreshStatus reads the counts synchronously
func (m *Manager) RefreshStatus(ctx context.Context) (types.Status, error) {
	if err := m.refreshCounts(ctx); err != nil {
		return m.liveStatus(), err
	}
	return m.liveStatus(), nil
}

func (m *Manager) liveStatus() types.Status {
	m.statusMu.Lock()
	st := m.counts
	m.statusMu.Unlock()

	st.AgentID = m.cfg.AgentID
	st.Dirty = m.syncer.Dirty()
	st.State = m.syncer.State()
	st.Provider = m.providerID()
	st.Model = m.syncer.Model()
	st.Cache.Enabled = m.cache != nil && m.cache.Enabled()
	if m.cache != nil {
		st.Cache.MaxEntries = m.cache.MaxEntries()
	}
	st.FTS.Enabled = m.cfg.Query.Hybrid.Enabled
	st.FTS.Available = m.store.FTSAvailable()
	st.Vector.Enabled = m.client != nil
	return st
}

func (m *Manager) refreshAsync() {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.closed.Load() || !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), statusRefreshTimeout)
		defer cancel()
		if err := m.refreshCounts(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("status refresh failed")
		}
	}()
}

// refreshCounts reads every count into the snapshot
func (m *Manager) refreshCounts(ctx context.Context) error {
	sources := m.cfg.EnabledSources()
	files, err := m.store.CountFiles(ctx, sources)
	if err != nil {
		return err
	}
	chunks, err := m.store.CountChunks(ctx, sources)
	if err != nil {
		return err
	}

	var st types.Status
	st.Files = files
	st.Chunks = chunks
	if m.cache != nil && m.cache.Enabled() {
		n, err := m.cache.Count(ctx)
		if err != nil {
			return err
		}
		st.Cache.Entries = n
	}
	if m.client != nil {
		st.Vector.Available = m.store.VectorAvailable(ctx)
		meta, err := m.store.ReadMeta(ctx)
		switch {
		case err == nil:
			st.Vector.Dims = meta.VectorDims
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	st.AsOf = m.now()

	m.statusMu.Lock()
	m.counts = st
	m.statusMu.Unlock()
	return nil
}

// ProbeVectorAvailability reports whether vector search can be served
func (m *Manager) ProbeVectorAvailability(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	return m.store.VectorAvailable(ctx)
}

// ProbeEmbeddingAvailability embeds a probe text through the provider
func (m *Manager) ProbeEmbeddingAvailability(ctx context.Context) types.ProbeResult {
	if m.client == nil {
		return types.ProbeResult{Error: embedder.ErrNoProviderEnabled.Error()}
	}
	if err := m.client.Probe(ctx, probeTimeout); err != nil {
		return types.ProbeResult{Error: err.Error()}
	}
	return types.ProbeResult{OK: true}
}

// Close stops the watcher, waits for background work, then releases the
// provider and the store
func (m *Manager) Close() error {
	m.bgMu.Lock()
	swapped := m.closed.CompareAndSwap(false, true)
	m.bgMu.Unlock()
	if !swapped {
		return nil
	}

	var errs []error
	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	m.syncer.Close()
	m.wg.Wait()
	if m.provider != nil {
		if err := m.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider: %w", err))
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) providerID() string {
	if m.provider == nil {
		return ""
	}
	return m.provider.ID()
}
