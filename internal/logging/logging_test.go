package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("writes json with component field", func(t *testing.T) {
		var buf bytes.Buffer
		logger := Component(New(Config{Level: "debug", Output: &buf}), "indexer")
		logger.Info().Str("path", "MEMORY.md").Msg("indexed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "indexer", entry["component"])
		assert.Equal(t, "MEMORY.md", entry["path"])
		assert.Equal(t, "info", entry["level"])
	})

	t.Run("filters below configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Level: "warn", Output: &buf})
		logger.Info().Msg("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Level: "chatty", Output: &buf})
		logger.Debug().Msg("hidden")
		logger.Info().Msg("shown")
		assert.Contains(t, buf.String(), "shown")
		assert.NotContains(t, buf.String(), "hidden")
	})
}
