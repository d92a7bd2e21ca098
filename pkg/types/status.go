package types

import "time"

// Status is a snapshot of an agent's index. Counts are eventually consistent:
// they may lag the store by a sync cycle or two. AsOf records when the counts
// were read.
type Status struct {
	AgentID  string       `json:"agentId"`
	Files    int          `json:"files"`
	Chunks   int          `json:"chunks"`
	Dirty    bool         `json:"dirty"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	State    SyncState    `json:"state"`
	Cache    CacheStatus  `json:"cache"`
	FTS      FTSStatus    `json:"fts"`
	Vector   VectorStatus `json:"vector"`
	AsOf     time.Time    `json:"asOf"`
}

// CacheStatus describes the embedding cache
type CacheStatus struct {
	Enabled    bool `json:"enabled"`
	Entries    int  `json:"entries"`
	MaxEntries int  `json:"maxEntries"`
}

// FTSStatus describes lexical search availability
type FTSStatus struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`
}

// VectorStatus describes vector search availability
type VectorStatus struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`
	Dims      int  `json:"dims,omitempty"`
}

// ProbeResult reports the outcome of a health probe
type ProbeResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
