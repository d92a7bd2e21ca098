package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/internal/logging"
	"github.com/dshills/memindex/internal/memory"
)

var (
	cfgFile string
	agentID string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memindex",
	Short: "Hybrid keyword and vector index over agent memory",
	Long: `memindex indexes an agent's Markdown memory notes and session transcripts
and answers natural language queries against them. It runs as an MCP server
over stdio or as one-shot commands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $MEMINDEX_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "agent id (overrides agent_id from config)")
}

// loadConfig reads the configuration and applies the --agent override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	return cfg, nil
}

// newLogger builds the stderr logger; stdout is reserved for command output
// and the MCP protocol
func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
}

// openManager opens the configured agent for a one-shot command. Nothing
// runs in the background: no watcher and no search-triggered syncs.
func openManager(ctx context.Context) (*memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Sync.Watch = false
	cfg.Sync.OnSearch = false
	cfg.Sync.OnSessionStart = false

	m, err := memory.New(ctx, cfg, memory.Deps{Logger: newLogger(cfg)})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory index: %w", err)
	}
	return m, nil
}
