package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/memindex/internal/memory"
	"github.com/dshills/memindex/pkg/types"
)

var (
	syncForce  bool
	syncReason string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the index up to date",
	Long: `Index new and changed memory notes and session transcripts and remove
entries for deleted files. With --force the whole index is rebuilt.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "rebuild the whole index")
	syncCmd.Flags().StringVar(&syncReason, "reason", types.ReasonManual, "reason recorded in logs")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	m, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	res, err := m.Sync(cmd.Context(), memory.SyncRequest{
		Reason: syncReason,
		Force:  syncForce,
		OnProgress: func(p types.Progress) {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Completed, p.Total, p.Label)
		},
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	st := m.Snapshot()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent: %s\n", m.AgentID())
	fmt.Fprintf(out, "Full reindex: %v\n", res.Full)
	fmt.Fprintf(out, "Files indexed: %d, skipped: %d, failed: %d, removed: %d\n",
		res.FilesIndexed, res.FilesSkipped, res.FilesFailed, res.FilesRemoved)
	fmt.Fprintf(out, "Chunks written: %d, embedded: %d\n", res.ChunksWritten, res.Embedded)
	fmt.Fprintf(out, "Index: %d files, %d chunks\n", st.Files, st.Chunks)
	fmt.Fprintf(out, "Duration: %s\n", res.Duration.Round(time.Millisecond))
	for _, msg := range res.ErrorMessages {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	}
	return nil
}
