package types

// SyncState is a state of the sync state machine
type SyncState string

const (
	StateIdle            SyncState = "idle"
	StateDecidingScope   SyncState = "deciding-scope"
	StateFullClear       SyncState = "full-clear"
	StateSyncingMemory   SyncState = "syncing-memory"
	StateSyncingSessions SyncState = "syncing-sessions"
	StateWritingMeta     SyncState = "writing-meta"
	StateError           SyncState = "error"
)

// Sync reasons with special meaning for session sync
const (
	ReasonSearch       = "search"
	ReasonSessionStart = "session-start"
	ReasonWatch        = "watch"
	ReasonManual       = "manual"
)

// Progress is reported while a sync runs
type Progress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Label     string `json:"label"`
}

// ProgressFunc receives progress updates. It may be called from several
// goroutines and must not block for long.
type ProgressFunc func(Progress)
