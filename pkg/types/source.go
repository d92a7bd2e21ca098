package types

import (
	"fmt"
	"strings"
)

// Source identifies where indexed text comes from
type Source string

const (
	SourceMemory   Source = "memory"   // persistent notes
	SourceSessions Source = "sessions" // agent-session transcripts
)

// AllSources lists every known source in sync order
var AllSources = []Source{SourceMemory, SourceSessions}

// Validate returns ErrInvalidSource for unknown values
func (s Source) Validate() error {
	switch s {
	case SourceMemory, SourceSessions:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSource, string(s))
	}
}

// ParseSource parses a source name case-insensitively
func ParseSource(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}
