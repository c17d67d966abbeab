package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provenant/engram/pkg/store"
)

var (
	exportTenant  string
	exportSession string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump one session's full chain as JSONL for offline audit",
	Long: `export writes every engram of one session in sequence order, one
JSON object per line, including all hash fields. The output alone is
sufficient to re-run chain verification with no store access.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		q := store.Query{TenantID: exportTenant, SessionID: exportSession}
		enc := json.NewEncoder(cmd.OutOrStdout())
		n := 0
		for e, err := range sys.Query(ctx, q) {
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
			n++
		}
		if n == 0 {
			return fmt.Errorf("no engrams for %s/%s", exportTenant, exportSession)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "tenant id (required)")
	exportCmd.Flags().StringVar(&exportSession, "session", "", "session id (required)")
	exportCmd.MarkFlagRequired("tenant")
	exportCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(exportCmd)
}
