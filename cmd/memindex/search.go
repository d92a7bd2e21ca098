package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/memindex/internal/memory"
)

var (
	searchMaxResults int
	searchMinScore   float64
	searchJSON       bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory notes and session transcripts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 0, "maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "minimum score (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	m, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	opts := memory.SearchOptions{MaxResults: searchMaxResults}
	if cmd.Flags().Changed("min-score") {
		opts.MinScore = &searchMinScore
	}

	results, err := m.Search(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if searchJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. %s:%d-%d (%s, score %.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Source, r.Score)
		for _, line := range strings.Split(strings.TrimRight(r.Snippet, "\n"), "\n") {
			fmt.Fprintf(out, "   %s\n", line)
		}
	}
	return nil
}
