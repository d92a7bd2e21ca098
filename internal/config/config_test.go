package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memindex/pkg/types"
)

// clearEnv isolates tests from the developer's environment
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfig, EnvAgentID, EnvWorkspace, EnvDBPath, EnvPostgresDSN,
		EnvEmbeddingProvider, EnvEmbeddingModel, EnvLogLevel,
		EnvOpenAIAPIKey, EnvJinaAPIKey,
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.AgentID)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "", cfg.Embedding.Provider, "no keys means lexical-only")
	assert.Equal(t, 400, cfg.Chunking.Tokens)
	assert.Equal(t, 80, cfg.Chunking.Overlap)
	assert.Equal(t, 0.7, cfg.Query.Hybrid.VectorWeight)
	assert.Equal(t, 4, cfg.Query.Hybrid.CandidateMultiplier)
	assert.Equal(t, filepath.Join(cfg.Workspace, "sessions"), cfg.SessionsDir)
	assert.Equal(t, []types.Source{types.SourceMemory, types.SourceSessions}, cfg.EnabledSources())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "memindex.yaml")
	content := `
agent_id: research
workspace: ` + dir + `
sources: [memory]
embedding:
  provider: local
  query_timeout: 3s
chunking:
  tokens: 200
  overlap: 20
query:
  hybrid:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "research", cfg.AgentID)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 3*time.Second, cfg.Embedding.QueryTimeout)
	assert.Equal(t, 200, cfg.Chunking.Tokens)
	assert.False(t, cfg.Query.Hybrid.Enabled)
	assert.Equal(t, 0.7, cfg.Query.Hybrid.VectorWeight, "unset fields keep defaults")
	assert.True(t, cfg.SourceEnabled(types.SourceMemory))
	assert.False(t, cfg.SourceEnabled(types.SourceSessions))
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)

	t.Run("api key selects provider", func(t *testing.T) {
		t.Setenv(EnvOpenAIAPIKey, "sk-test")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Embedding.Provider)
		assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	})

	t.Run("explicit none disables provider", func(t *testing.T) {
		t.Setenv(EnvOpenAIAPIKey, "sk-test")
		t.Setenv(EnvEmbeddingProvider, "none")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Empty(t, cfg.Embedding.Provider)
	})

	t.Run("postgres dsn switches driver", func(t *testing.T) {
		t.Setenv(EnvPostgresDSN, "postgres://localhost/memindex")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty agent", func(c *Config) { c.AgentID = "" }},
		{"zero tokens", func(c *Config) { c.Chunking.Tokens = 0 }},
		{"overlap not below tokens", func(c *Config) { c.Chunking.Overlap = c.Chunking.Tokens }},
		{"unknown source", func(c *Config) { c.Sources = []string{"email"} }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"negative weight", func(c *Config) { c.Query.Hybrid.TextWeight = -1 }},
		{"zero multiplier", func(c *Config) { c.Query.Hybrid.CandidateMultiplier = 0 }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, Default().Validate())
}
