package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

const transcript = `{"type":"session","id":"abc"}
{"type":"message","message":{"role":"user","content":"where is the   deploy script?"}}

{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"It lives in"},{"type":"tool_use","name":"ls"},{"type":"text","text":"scripts/deploy.sh"}]}}
not json
{"type":"message","message":{"role":"system","content":"ignored"}}
{"type":"message","message":{"role":"user","content":"   "}}
{"type":"message","message":{"role":"user","content":"thanks"}}
`

func TestParseSession(t *testing.T) {
	doc := ParseSession([]byte(transcript))

	assert.Equal(t, "User: where is the deploy script?\nAssistant: It lives in scripts/deploy.sh\nUser: thanks", doc.Text)
	assert.Equal(t, []int{2, 4, 8}, doc.LineMap)
	assert.Equal(t, 1, doc.Skipped)
	assert.True(t, doc.HasLineMap())
}

func TestParseSession_Empty(t *testing.T) {
	doc := ParseSession(nil)
	assert.Empty(t, doc.Text)
	assert.False(t, doc.HasLineMap())
}

func TestParseMarkdown(t *testing.T) {
	doc := ParseMarkdown([]byte("# Title\n\nbody\n"))
	assert.Equal(t, "# Title\n\nbody\n", doc.Text)
	assert.False(t, doc.HasLineMap())
}

func TestParser_ParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(transcript), 0o644))

	p := New()
	doc, err := p.ParseFile(path, types.SourceSessions)
	require.NoError(t, err)
	assert.Len(t, doc.LineMap, 3)

	_, err = p.ParseFile(filepath.Join(dir, "missing.md"), types.SourceMemory)
	assert.Error(t, err)

	_, err = p.Parse([]byte("x"), types.Source("other"))
	assert.ErrorIs(t, err, types.ErrInvalidSource)
}
