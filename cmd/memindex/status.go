package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/memindex/pkg/types"
)

var statusRefresh bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index counts and search capability",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", true, "read counts from the store")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	var st types.Status
	if statusRefresh {
		st, err = m.RefreshStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
	} else {
		st = m.Snapshot()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent: %s\n", st.AgentID)
	fmt.Fprintf(out, "Files: %d\n", st.Files)
	fmt.Fprintf(out, "Chunks: %d\n", st.Chunks)
	fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
	fmt.Fprintf(out, "State: %s\n", st.State)
	if st.Provider == "" {
		fmt.Fprintln(out, "Provider: none (keyword search only)")
	} else {
		fmt.Fprintf(out, "Provider: %s (%s)\n", st.Provider, st.Model)
	}
	fmt.Fprintf(out, "FTS: enabled=%v available=%v\n", st.FTS.Enabled, st.FTS.Available)
	fmt.Fprintf(out, "Vector: enabled=%v available=%v dims=%d\n", st.Vector.Enabled, st.Vector.Available, st.Vector.Dims)
	fmt.Fprintf(out, "Cache: enabled=%v entries=%d max=%d\n", st.Cache.Enabled, st.Cache.Entries, st.Cache.MaxEntries)
	if !st.AsOf.IsZero() {
		fmt.Fprintf(out, "As of: %s\n", st.AsOf.Format(time.RFC3339))
	}
	return nil
}
