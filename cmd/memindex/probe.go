package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check embedding provider and vector search availability",
	Args:  cobra.NoArgs,
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	m, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	out := cmd.OutOrStdout()
	res := m.ProbeEmbeddingAvailability(cmd.Context())
	if res.OK {
		fmt.Fprintln(out, "Embeddings: ok")
	} else {
		fmt.Fprintf(out, "Embeddings: unavailable (%s)\n", res.Error)
	}
	fmt.Fprintf(out, "Vector search: %v\n", m.ProbeVectorAvailability(cmd.Context()))
	return nil
}
