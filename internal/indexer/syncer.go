package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/memindex/internal/chunker"
	"github.com/dshills/memindex/internal/embedder"
	"github.com/dshills/memindex/internal/metrics"
	"github.com/dshills/memindex/internal/parser"
	"github.com/dshills/memindex/internal/storage"
	"github.com/dshills/memindex/internal/tracing"
	"github.com/dshills/memindex/pkg/types"
)

// DefaultConcurrency bounds per-file indexing tasks when unset
const DefaultConcurrency = 4

// asyncSyncTimeout bounds a background sync
const asyncSyncTimeout = 30 * time.Minute

// Sync errors
var (
	// ErrMetaRead and ErrMetaWrite are the only sync-fatal failures
	ErrMetaRead  = errors.New("failed to read sync meta")
	ErrMetaWrite = errors.New("failed to write sync meta")
	ErrClosed    = errors.New("syncer is closed")
)

// Config contains configuration for the syncer
type Config struct {
	AgentID     string
	Workspace   string
	SessionsDir string
	ExtraPaths  []string
	Sources     []types.Source
	Concurrency int // Concurrent file tasks (default: DefaultConcurrency)
}

// Deps are the collaborators a Syncer drives. Client and Cache are nil in
// lexical-only mode.
type Deps struct {
	Store   storage.Store
	Chunker *chunker.Chunker
	Client  *embedder.Client
	Cache   *embedder.Cache
	Logger  zerolog.Logger
	Now     func() time.Time
}

// SyncRequest describes one sync run
type SyncRequest struct {
	Reason     string // advisory: search, session-start, watch, manual
	Force      bool   // full reindex regardless of meta
	OnProgress types.ProgressFunc
}

// Result contains statistics about a finished sync
type Result struct {
	RunID         string
	Full          bool
	Sources       []types.Source // sources that ran
	FilesIndexed  int
	FilesSkipped  int
	FilesFailed   int
	FilesRemoved  int
	ChunksWritten int
	Embedded      int // texts sent to the provider
	Duration      time.Duration
	ErrorMessages []string
}

// Syncer keeps one agent's store in sync with its memory notes and session
// transcripts. It owns the agent's dirty state; nothing else writes files or
// chunks.
type Syncer struct {
	cfg     Config
	store   storage.Store
	parser  *parser.Parser
	chunker *chunker.Chunker
	client  *embedder.Client
	cache   *embedder.Cache
	logger  zerolog.Logger
	now     func() time.Time

	dirty  *dirtyState
	state  atomic.Value // types.SyncState
	flight singleflight.Group
	lock   IndexLock
	wg     sync.WaitGroup
	closed atomic.Bool

	mu   sync.Mutex
	last *Result
}

// runState is shared by the file tasks of one run
type runState struct {
	dims     atomic.Int64
	embedded atomic.Int64

	// pending holds every chunk hash a task of this run has embedded or is
	// embedding. One run embeds under a single keyspace.
	mu      sync.Mutex
	pending map[string]*pendingEmbed
}

// pendingEmbed is one chunk hash claimed by a file task. done closes once vec
// or err is set.
type pendingEmbed struct {
	done chan struct{}
	vec  []float32
	err  error
}

func newRunState() *runState {
	return &runState{pending: make(map[string]*pendingEmbed)}
}

// settle publishes the owner's results. Failed hashes are released so later
// tasks claim them again.
func (r *runState) settle(order []string, owned []*pendingEmbed, fresh map[string][]float32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range owned {
		if err != nil {
			p.err = err
			delete(r.pending, order[i])
		} else {
			p.vec = fresh[order[i]]
		}
		close(p.done)
	}
}

func (r *runState) noteDims(n int) {
	if n > 0 {
		r.dims.CompareAndSwap(0, int64(n))
	}
}

// New creates a Syncer
func New(cfg Config, deps Deps) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Syncer{
		cfg:     cfg,
		store:   deps.Store,
		parser:  parser.New(),
		chunker: deps.Chunker,
		client:  deps.Client,
		cache:   deps.Cache,
		logger:  deps.Logger,
		now:     deps.Now,
		dirty:   newDirtyState(),
	}
	s.state.Store(types.StateIdle)
	// Nothing has been observed yet: the first sync must look at everything
	s.dirty.mark(types.SourceMemory, "")
	s.dirty.mark(types.SourceSessions, "")
	return s
}

// State returns the current state machine state
func (s *Syncer) State() types.SyncState {
	return s.state.Load().(types.SyncState)
}

func (s *Syncer) setState(st types.SyncState) {
	s.state.Store(st)
}

// MarkDirty records a change. For sessions, a path marks one transcript
// (stored form "sessions/<file>"); no path marks every transcript.
func (s *Syncer) MarkDirty(source types.Source, path string) {
	s.dirty.mark(source, path)
}

// Dirty reports whether any source has unsynced changes
func (s *Syncer) Dirty() bool {
	return s.dirty.any()
}

// SourceDirty reports whether source has unsynced changes
func (s *Syncer) SourceDirty(source types.Source) bool {
	return s.dirty.isDirty(source)
}

// LastResult returns the result of the most recent finished sync, or nil
func (s *Syncer) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Model is the embedding model chunks are indexed under ("" without a provider)
func (s *Syncer) Model() string {
	return s.model()
}

func (s *Syncer) model() string {
	if s.client == nil {
		return ""
	}
	return s.client.Provider().Model()
}

// Sync runs a sync. Concurrent callers join the run already in flight; a
// forced caller that joined an incremental run runs again once it ends.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (*Result, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		v, err, shared := s.flight.Do("sync", func() (interface{}, error) {
			return s.run(ctx, req)
		})
		res, _ := v.(*Result)
		if err != nil || !req.Force || !shared || (res != nil && res.Full) {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// SyncAsync starts a background sync and returns immediately. It returns false
// when another background sync is still running; the dirty marks carry over to
// the next one.
func (s *Syncer) SyncAsync(reason string) bool {
	if s.closed.Load() || !s.lock.TryAcquire() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.lock.Release()

		ctx, cancel := context.WithTimeout(context.Background(), asyncSyncTimeout)
		defer cancel()
		if _, err := s.Sync(ctx, SyncRequest{Reason: reason}); err != nil {
			s.logger.Error().Err(err).Str("reason", reason).Msg("background sync failed")
		}
	}()
	return true
}

// Wait blocks until background syncs finish
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Close rejects new syncs and waits for background ones
func (s *Syncer) Close() {
	s.closed.Store(true)
	s.wg.Wait()
	if s.cache != nil {
		s.cache.Wait()
	}
}

// currentMeta describes the index this syncer would build
func (s *Syncer) currentMeta() *types.SyncMeta {
	meta := &types.SyncMeta{
		ChunkTokens:  s.chunker.Tokens(),
		ChunkOverlap: s.chunker.Overlap(),
	}
	if s.client != nil {
		p := s.client.Provider()
		meta.ProviderID = p.ID()
		meta.Model = p.Model()
		meta.ProviderKey = p.ProviderKey()
	}
	return meta
}

// needsFullReindex decides the scope of a run
func (s *Syncer) needsFullReindex(ctx context.Context, req SyncRequest, prior, next *types.SyncMeta) (bool, string) {
	switch {
	case req.Force:
		return true, "forced"
	case prior == nil:
		return true, "no meta"
	case !prior.SameIdentity(next):
		return true, "meta changed"
	case prior.VectorDims == 0 && s.client != nil:
		n, err := s.store.CountChunks(ctx, nil)
		if err == nil && n > 0 {
			return true, "vector dims unknown"
		}
	}
	return false, ""
}

// shouldSyncSessions applies the session skip rules: high-frequency triggers
// never re-index transcripts unless the run is a full reindex
func shouldSyncSessions(req SyncRequest, full bool, snap dirtySnapshot) bool {
	if full {
		return true
	}
	if req.Reason == types.ReasonSessionStart || req.Reason == types.ReasonWatch {
		return false
	}
	return snap.sessionsDirty()
}

func (s *Syncer) sourceEnabled(source types.Source) bool {
	for _, src := range s.cfg.Sources {
		if src == source {
			return true
		}
	}
	return false
}

// sourcePlan is the work for one source in one run
type sourcePlan struct {
	source types.Source
	state  types.SyncState
	active []types.FileEntry // full enumeration, used by the stale sweep
	work   []types.FileEntry // files to consider this run
	err    error             // enumeration failure; skips the sweep
}

func (s *Syncer) run(ctx context.Context, req SyncRequest) (*Result, error) {
	start := s.now()
	res := &Result{RunID: uuid.NewString()}
	logger := s.logger.With().Str("run_id", res.RunID).Str("reason", req.Reason).Logger()

	ctx, span := tracing.StartSpan(ctx, "indexer.Sync",
		attribute.String("run_id", res.RunID),
		attribute.String("reason", req.Reason),
		attribute.Bool("force", req.Force),
	)
	defer span.End()

	s.setState(types.StateDecidingScope)
	prior, err := s.store.ReadMeta(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		prior, err = nil, nil
	}
	if err != nil {
		s.setState(types.StateError)
		err = fmt.Errorf("%w: %v", ErrMetaRead, err)
		tracing.Fail(span, err)
		metrics.RecordSync("error", time.Since(start))
		return nil, err
	}

	next := s.currentMeta()
	full, why := s.needsFullReindex(ctx, req, prior, next)
	res.Full = full
	snap := s.dirty.snapshot()

	var plans []*sourcePlan
	if s.sourceEnabled(types.SourceMemory) && (full || snap.memory != 0) {
		plans = append(plans, &sourcePlan{source: types.SourceMemory, state: types.StateSyncingMemory})
	}
	if s.sourceEnabled(types.SourceSessions) && shouldSyncSessions(req, full, snap) {
		plans = append(plans, &sourcePlan{source: types.SourceSessions, state: types.StateSyncingSessions})
	}

	logger.Info().Bool("full", full).Str("why", why).Int("sources", len(plans)).Msg("sync started")

	if full {
		s.setState(types.StateFullClear)
		if err := s.store.Clear(ctx); err != nil {
			// Meta stays as it was so the next run retries the full reindex
			s.setState(types.StateError)
			err = fmt.Errorf("full clear: %w", err)
			tracing.Fail(span, err)
			metrics.RecordSync("error", time.Since(start))
			return nil, err
		}
	}

	total := 0
	for _, p := range plans {
		s.planSource(p, full, snap)
		total += len(p.work)
	}

	run := newRunState()
	var completed atomic.Int64
	progress := func(label string) {
		n := int(completed.Add(1))
		if req.OnProgress != nil {
			req.OnProgress(types.Progress{Completed: n, Total: total, Label: label})
		}
	}

	var (
		failedSources = make(map[types.Source]bool)
		errMu         sync.Mutex
	)
	recordErr := func(source types.Source, msg string) {
		errMu.Lock()
		defer errMu.Unlock()
		failedSources[source] = true
		res.ErrorMessages = append(res.ErrorMessages, msg)
	}

	var indexed, skipped, failed, removed, written atomic.Int64
	for _, p := range plans {
		s.setState(p.state)
		res.Sources = append(res.Sources, p.source)
		if p.err != nil {
			logger.Warn().Err(p.err).Str("source", string(p.source)).Msg("failed to enumerate source")
			recordErr(p.source, fmt.Sprintf("%s: %v", p.source, p.err))
		}

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Concurrency)
		for _, entry := range p.work {
			g.Go(func() error {
				defer progress(entry.Path)

				if !full {
					hash, found, err := s.store.GetFileHash(ctx, entry.Path, entry.Source)
					if err == nil && found && hash == entry.Hash {
						skipped.Add(1)
						metrics.RecordFile(string(entry.Source), "skipped")
						return nil
					}
				}

				n, err := s.indexFile(ctx, entry, run)
				if err != nil {
					failed.Add(1)
					metrics.RecordFile(string(entry.Source), "failed")
					logger.Warn().Err(err).Str("path", entry.Path).Msg("failed to index file")
					recordErr(entry.Source, fmt.Sprintf("%s: %v", entry.Path, err))
					return nil
				}
				indexed.Add(1)
				written.Add(int64(n))
				metrics.RecordFile(string(entry.Source), "indexed")
				return nil
			})
		}
		_ = g.Wait()

		// The sweep needs the complete listing; a failed enumeration would
		// look like every file was deleted
		if p.err == nil {
			activePaths := make([]string, len(p.active))
			for i, e := range p.active {
				activePaths[i] = e.Path
			}
			n, err := s.store.DeleteStaleFiles(ctx, p.source, activePaths)
			if err != nil {
				logger.Warn().Err(err).Str("source", string(p.source)).Msg("stale sweep failed")
				recordErr(p.source, fmt.Sprintf("%s sweep: %v", p.source, err))
			}
			removed.Add(int64(n))
		}
	}

	if req.OnProgress != nil {
		req.OnProgress(types.Progress{Completed: int(completed.Load()), Total: total, Label: "done"})
	}

	if len(failedSources) > 0 {
		s.setState(types.StateError)
	}
	s.setState(types.StateWritingMeta)
	next.VectorDims = int(run.dims.Load())
	if next.VectorDims == 0 && !full && prior != nil {
		next.VectorDims = prior.VectorDims
	}
	if err := s.store.WriteMeta(ctx, next); err != nil {
		s.setState(types.StateError)
		err = fmt.Errorf("%w: %v", ErrMetaWrite, err)
		tracing.Fail(span, err)
		metrics.RecordSync("error", time.Since(start))
		return nil, err
	}

	if s.client != nil && s.cache != nil {
		s.cache.PruneAsync(s.client.Keyspace())
	}

	for _, p := range plans {
		if !failedSources[p.source] {
			s.dirty.clear(p.source, snap)
		}
	}

	res.FilesIndexed = int(indexed.Load())
	res.FilesSkipped = int(skipped.Load())
	res.FilesFailed = int(failed.Load())
	res.FilesRemoved = int(removed.Load())
	res.ChunksWritten = int(written.Load())
	res.Embedded = int(run.embedded.Load())
	res.Duration = s.now().Sub(start)

	status := "ok"
	if len(failedSources) > 0 {
		status = "partial"
	}
	metrics.RecordSync(status, res.Duration)
	span.SetAttributes(
		attribute.Int("files_indexed", res.FilesIndexed),
		attribute.Int("files_failed", res.FilesFailed),
	)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	s.setState(types.StateIdle)

	logger.Info().
		Bool("full", full).
		Int("indexed", res.FilesIndexed).
		Int("skipped", res.FilesSkipped).
		Int("failed", res.FilesFailed).
		Int("removed", res.FilesRemoved).
		Int("embedded", res.Embedded).
		Dur("duration", res.Duration).
		Msg("sync finished")
	return res, nil
}

// planSource enumerates a source and selects the files this run considers
func (s *Syncer) planSource(p *sourcePlan, full bool, snap dirtySnapshot) {
	switch p.source {
	case types.SourceMemory:
		p.active, p.err = listMemoryFiles(s.cfg.Workspace, s.cfg.ExtraPaths)
		p.work = p.active
	case types.SourceSessions:
		p.active, p.err = listSessionFiles(s.cfg.SessionsDir)
		if full || snap.sessionsAll != 0 {
			p.work = p.active
			return
		}
		// Incremental: only transcripts marked dirty
		marked := make(map[string]bool, len(snap.sessions))
		for _, path := range snap.sessionPaths() {
			marked[path] = true
		}
		for _, e := range p.active {
			if marked[e.Path] {
				p.work = append(p.work, e)
			}
		}
	}
}
