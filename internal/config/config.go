// Package config loads memindex configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/memindex/pkg/types"
)

// Environment variables
const (
	EnvConfig            = "MEMINDEX_CONFIG"
	EnvAgentID           = "MEMINDEX_AGENT_ID"
	EnvWorkspace         = "MEMINDEX_WORKSPACE"
	EnvDBPath            = "MEMINDEX_DB_PATH"
	EnvPostgresDSN       = "MEMINDEX_POSTGRES_DSN"
	EnvEmbeddingProvider = "MEMINDEX_EMBEDDING_PROVIDER"
	EnvEmbeddingModel    = "MEMINDEX_EMBEDDING_MODEL"
	EnvLogLevel          = "MEMINDEX_LOG_LEVEL"
	EnvOpenAIAPIKey      = "OPENAI_API_KEY"
	EnvJinaAPIKey        = "JINA_API_KEY"
)

// Store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete memindex configuration
type Config struct {
	AgentID     string          `yaml:"agent_id"`
	Workspace   string          `yaml:"workspace"`
	SessionsDir string          `yaml:"sessions_dir"`
	ExtraPaths  []string        `yaml:"extra_paths"`
	Sources     []string        `yaml:"sources"`
	Store       StoreConfig     `yaml:"store"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Chunking    ChunkingConfig  `yaml:"chunking"`
	Sync        SyncConfig      `yaml:"sync"`
	Query       QueryConfig     `yaml:"query"`
	Cache       CacheConfig     `yaml:"cache"`
	Log         LogConfig       `yaml:"log"`
	MetricsAddr string          `yaml:"metrics_addr"`
}

// StoreConfig selects the document store backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// EmbeddingConfig configures the embedding provider and client.
// An empty Provider means lexical-only operation.
type EmbeddingConfig struct {
	Provider          string            `yaml:"provider"`
	Model             string            `yaml:"model"`
	BaseURL           string            `yaml:"base_url"`
	APIKey            string            `yaml:"api_key"`
	Headers           map[string]string `yaml:"headers"`
	Dimensions        int               `yaml:"dimensions"`
	MaxInputTokens    int               `yaml:"max_input_tokens"`
	BatchMaxTokens    int               `yaml:"batch_max_tokens"`
	BatchMaxItems     int               `yaml:"batch_max_items"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	QueryTimeout      time.Duration     `yaml:"query_timeout"`
	Retry             RetryConfig       `yaml:"retry"`
}

// RetryConfig configures provider retry with exponential backoff
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ChunkingConfig configures the chunker
type ChunkingConfig struct {
	Tokens    int    `yaml:"tokens"`
	Overlap   int    `yaml:"overlap"`
	Tokenizer string `yaml:"tokenizer"`
}

// SyncConfig configures the sync orchestrator
type SyncConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	Watch          bool          `yaml:"watch"`
	WatchDebounce  time.Duration `yaml:"watch_debounce"`
	OnSearch       bool          `yaml:"on_search"`
	OnSessionStart bool          `yaml:"on_session_start"`
}

// QueryConfig configures the hybrid query engine
type QueryConfig struct {
	MaxResults      int                 `yaml:"max_results"`
	MinScore        float64             `yaml:"min_score"`
	SnippetMaxChars int                 `yaml:"snippet_max_chars"`
	Hybrid          HybridConfig        `yaml:"hybrid"`
	MMR             MMRConfig           `yaml:"mmr"`
	TemporalDecay   TemporalDecayConfig `yaml:"temporal_decay"`
}

// HybridConfig configures rank fusion
type HybridConfig struct {
	Enabled             bool    `yaml:"enabled"`
	VectorWeight        float64 `yaml:"vector_weight"`
	TextWeight          float64 `yaml:"text_weight"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
}

// MMRConfig configures maximal marginal relevance diversification
type MMRConfig struct {
	Enabled bool    `yaml:"enabled"`
	Lambda  float64 `yaml:"lambda"`
}

// TemporalDecayConfig configures age-based score decay
type TemporalDecayConfig struct {
	Enabled      bool    `yaml:"enabled"`
	HalfLifeDays float64 `yaml:"half_life_days"`
}

// CacheConfig configures the embedding cache
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	HotEntries int  `yaml:"hot_entries"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		AgentID:   "main",
		Workspace: "~/.memindex/workspace",
		Sources:   []string{string(types.SourceMemory), string(types.SourceSessions)},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "~/.memindex/memindex.db",
		},
		Embedding: EmbeddingConfig{
			MaxInputTokens: 8192,
			BatchMaxTokens: 8000,
			BatchMaxItems:  100,
			QueryTimeout:   10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
			},
		},
		Chunking: ChunkingConfig{
			Tokens:    400,
			Overlap:   80,
			Tokenizer: "heuristic",
		},
		Sync: SyncConfig{
			Concurrency:    4,
			Watch:          true,
			WatchDebounce:  1500 * time.Millisecond,
			OnSearch:       true,
			OnSessionStart: true,
		},
		Query: QueryConfig{
			MaxResults:      6,
			MinScore:        0.35,
			SnippetMaxChars: 700,
			Hybrid: HybridConfig{
				Enabled:             true,
				VectorWeight:        0.7,
				TextWeight:          0.3,
				CandidateMultiplier: 4,
			},
			MMR:           MMRConfig{Enabled: true, Lambda: 0.7},
			TemporalDecay: TemporalDecayConfig{Enabled: true, HalfLifeDays: 30},
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 50000,
			HotEntries: 4096,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration: defaults, then the YAML file at path (skipped when
// path is empty and MEMINDEX_CONFIG is unset), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
// Provider priority:
// 1. MEMINDEX_EMBEDDING_PROVIDER (openai, jina, local, none)
// 2. Configured provider
// 3. Detected API keys: JINA_API_KEY, OPENAI_API_KEY
// 4. None, lexical-only
func (c *Config) applyEnv() {
	setString(&c.AgentID, EnvAgentID)
	setString(&c.Workspace, EnvWorkspace)
	setString(&c.Store.Path, EnvDBPath)
	setString(&c.Embedding.Model, EnvEmbeddingModel)
	setString(&c.Log.Level, EnvLogLevel)

	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		c.Store.DSN = dsn
		c.Store.Driver = DriverPostgres
	}

	if provider := os.Getenv(EnvEmbeddingProvider); provider != "" {
		c.Embedding.Provider = provider
	} else if c.Embedding.Provider == "" {
		c.Embedding.Provider = DetectProvider()
	}
	if strings.EqualFold(c.Embedding.Provider, "none") {
		c.Embedding.Provider = ""
	}

	if c.Embedding.APIKey == "" {
		switch strings.ToLower(c.Embedding.Provider) {
		case "openai":
			c.Embedding.APIKey = os.Getenv(EnvOpenAIAPIKey)
		case "jina":
			c.Embedding.APIKey = os.Getenv(EnvJinaAPIKey)
		}
	}
}

// DetectProvider returns the provider implied by available API keys, or ""
func DetectProvider() string {
	if os.Getenv(EnvJinaAPIKey) != "" {
		return "jina"
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return "openai"
	}
	return ""
}

func (c *Config) normalize() {
	c.AgentID = strings.TrimSpace(c.AgentID)
	c.Workspace = expandHome(c.Workspace)
	c.Store.Path = expandHome(c.Store.Path)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(c.Workspace, "sessions")
	}
	c.SessionsDir = expandHome(c.SessionsDir)
	for i, p := range c.ExtraPaths {
		c.ExtraPaths[i] = expandHome(p)
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidConfig)
	}
	if c.Chunking.Tokens <= 0 {
		return fmt.Errorf("%w: chunking.tokens must be positive", ErrInvalidConfig)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Tokens {
		return fmt.Errorf("%w: chunking.overlap must be in [0, tokens)", ErrInvalidConfig)
	}
	for _, s := range c.Sources {
		if _, err := types.ParseSource(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	h := c.Query.Hybrid
	if h.VectorWeight < 0 || h.TextWeight < 0 {
		return fmt.Errorf("%w: hybrid weights must be non-negative", ErrInvalidConfig)
	}
	if h.CandidateMultiplier < 1 {
		return fmt.Errorf("%w: hybrid.candidate_multiplier must be at least 1", ErrInvalidConfig)
	}
	if c.Query.MaxResults <= 0 {
		return fmt.Errorf("%w: query.max_results must be positive", ErrInvalidConfig)
	}
	return nil
}

// EnabledSources returns the configured sources as typed values
func (c *Config) EnabledSources() []types.Source {
	out := make([]types.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if src, err := types.ParseSource(s); err == nil {
			out = append(out, src)
		}
	}
	return out
}

// SourceEnabled reports whether source is configured
func (c *Config) SourceEnabled(source types.Source) bool {
	for _, s := range c.EnabledSources() {
		if s == source {
			return true
		}
	}
	return false
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
