package indexer

import (
	"sort"
	"sync"

	"github.com/dshills/memindex/pkg/types"
)

// dirtyState records what changed since the last successful sync of each
// source. Every mark stamps a sequence number so a sync only clears the marks
// it observed; marks made while it ran survive.
type dirtyState struct {
	mu          sync.Mutex
	seq         uint64
	memory      uint64            // seq of the last memory mark, 0 when clean
	sessionsAll uint64            // seq of the last "every session file" mark
	sessions    map[string]uint64 // session path -> seq of its last mark
}

// dirtySnapshot is what a sync run saw when it decided its scope
type dirtySnapshot struct {
	memory      uint64
	sessionsAll uint64
	sessions    map[string]uint64
}

func newDirtyState() *dirtyState {
	return &dirtyState{sessions: make(map[string]uint64)}
}

// mark flags source dirty. A sessions mark with a path flags only that file.
func (d *dirtyState) mark(source types.Source, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	switch source {
	case types.SourceMemory:
		d.memory = d.seq
	case types.SourceSessions:
		if path == "" {
			d.sessionsAll = d.seq
			return
		}
		d.sessions[path] = d.seq
	}
}

func (d *dirtyState) snapshot() dirtySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	files := make(map[string]uint64, len(d.sessions))
	for p, s := range d.sessions {
		files[p] = s
	}
	return dirtySnapshot{memory: d.memory, sessionsAll: d.sessionsAll, sessions: files}
}

// clear removes the marks captured in snap for the given source
func (d *dirtyState) clear(source types.Source, snap dirtySnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch source {
	case types.SourceMemory:
		if d.memory == snap.memory {
			d.memory = 0
		}
	case types.SourceSessions:
		if d.sessionsAll == snap.sessionsAll {
			d.sessionsAll = 0
		}
		for p, s := range snap.sessions {
			if d.sessions[p] == s {
				delete(d.sessions, p)
			}
		}
	}
}

// any reports whether anything is dirty
func (d *dirtyState) any() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memory != 0 || d.sessionsAll != 0 || len(d.sessions) > 0
}

func (d *dirtyState) isDirty(source types.Source) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch source {
	case types.SourceMemory:
		return d.memory != 0
	case types.SourceSessions:
		return d.sessionsAll != 0 || len(d.sessions) > 0
	}
	return false
}

func (s dirtySnapshot) sessionsDirty() bool {
	return s.sessionsAll != 0 || len(s.sessions) > 0
}

// sessionPaths returns the individually marked session paths, sorted
func (s dirtySnapshot) sessionPaths() []string {
	paths := make([]string, 0, len(s.sessions))
	for p := range s.sessions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
