package types

import "time"

// FileRecord tracks one indexed file per (agent, source, path)
type FileRecord struct {
	Path      string
	Source    Source
	Hash      string
	ModTime   time.Time
	SizeBytes int64
}

// FileEntry is an enumerated candidate file before indexing
type FileEntry struct {
	Path    string // source-relative, slash separated
	AbsPath string
	Source  Source
	Hash    string
	ModTime time.Time
	Size    int64
}

// Record converts the entry to the record stored after indexing
func (e FileEntry) Record() *FileRecord {
	return &FileRecord{
		Path:      e.Path,
		Source:    e.Source,
		Hash:      e.Hash,
		ModTime:   e.ModTime,
		SizeBytes: e.Size,
	}
}
