package indexer

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/memindex/pkg/types"
)

// DefaultWatchDebounce coalesces bursts of file events
const DefaultWatchDebounce = 1500 * time.Millisecond

// Watcher marks the syncer dirty on file changes and, once events settle,
// starts a background sync with reason "watch"
type Watcher struct {
	watcher     *fsnotify.Watcher
	syncer      *Syncer
	logger      zerolog.Logger
	sessionsDir string
	debounce    time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches the workspace root, memory/ (recursively), the sessions
// directory and any extra directories. Missing directories are skipped.
func NewWatcher(s *Syncer, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w := &Watcher{
		watcher:     fsw,
		syncer:      s,
		logger:      logger,
		sessionsDir: filepath.Clean(s.cfg.SessionsDir),
		debounce:    debounce,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	if err := w.watchDir(s.cfg.Workspace); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	roots := append([]string{filepath.Join(s.cfg.Workspace, "memory")}, s.cfg.ExtraPaths...)
	for _, root := range roots {
		if err := w.watchTree(root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	if err := w.watchDir(s.cfg.SessionsDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// watchDir adds dir if it exists
func (w *Watcher) watchDir(dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		// A single extra file: watch its directory
		dir = filepath.Dir(dir)
	}
	return w.watcher.Add(dir)
}

// watchTree adds root and every non-hidden directory below it
func (w *Watcher) watchTree(root string) error {
	info, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.watchDir(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Close stops the watcher and any pending trigger
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	// New directories under memory/ need their own watch
	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
			}
			w.syncer.MarkDirty(types.SourceMemory, "")
			w.schedule()
			return
		}
	}

	name := event.Name
	switch {
	case isMarkdown(name):
		w.syncer.MarkDirty(types.SourceMemory, "")
	case strings.HasSuffix(name, ".jsonl") && filepath.Clean(filepath.Dir(name)) == w.sessionsDir:
		w.syncer.MarkDirty(types.SourceSessions, SessionPath(name))
	default:
		return
	}

	w.logger.Debug().
		Str("file", filepath.Base(name)).
		Str("op", event.Op.String()).
		Msg("file change detected")
	w.schedule()
}

// schedule debounces the background sync
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.logger.Debug().Msg("starting sync after file changes")
		w.syncer.SyncAsync(types.ReasonWatch)
	})
}
