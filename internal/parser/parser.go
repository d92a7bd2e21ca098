package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/memindex/pkg/types"
)

// maxSessionLine bounds a single JSONL record
const maxSessionLine = 16 * 1024 * 1024

// Document is the text handed to the chunker
type Document struct {
	Text string

	// LineMap[i] is the source line of Text line i+1. Nil when Text is the
	// file content unchanged.
	LineMap []int

	// Skipped counts malformed records that were ignored
	Skipped int
}

// HasLineMap reports whether chunk lines need remapping
func (d *Document) HasLineMap() bool {
	return len(d.LineMap) > 0
}

// Parser turns source files into chunkable documents
type Parser struct{}

// New creates a new Parser instance
func New() *Parser {
	return &Parser{}
}

// ParseFile reads filePath and parses it according to its source
func (p *Parser) ParseFile(filePath string, source types.Source) (*Document, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.Parse(content, source)
}

// Parse parses already-loaded content
func (p *Parser) Parse(content []byte, source types.Source) (*Document, error) {
	switch source {
	case types.SourceMemory:
		return ParseMarkdown(content), nil
	case types.SourceSessions:
		return ParseSession(content), nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidSource, source)
	}
}

// ParseMarkdown returns markdown notes unchanged
func ParseMarkdown(content []byte) *Document {
	return &Document{Text: string(content)}
}

type sessionRecord struct {
	Type    string          `json:"type"`
	Message *sessionMessage `json:"message"`
}

type sessionMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseSession flattens a JSONL transcript into one "User: ..." or
// "Assistant: ..." line per message. Records that are not user or assistant
// messages are ignored; malformed lines are counted in Skipped.
func ParseSession(content []byte) *Document {
	doc := &Document{}
	lines := make([]string, 0, 64)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxSessionLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			doc.Skipped++
			continue
		}
		if rec.Type != "message" || rec.Message == nil {
			continue
		}

		label := roleLabel(rec.Message.Role)
		if label == "" {
			continue
		}
		text := normalizeWhitespace(extractText(rec.Message.Content))
		if text == "" {
			continue
		}

		lines = append(lines, label+": "+text)
		doc.LineMap = append(doc.LineMap, lineNo)
	}
	if scanner.Err() != nil {
		doc.Skipped++
	}

	doc.Text = strings.Join(lines, "\n")
	return doc
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	default:
		return ""
	}
}

// extractText accepts either a plain string or an array of content blocks
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
