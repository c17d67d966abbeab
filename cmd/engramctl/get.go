package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provenant/engram/pkg/record"
)

var getCmd = &cobra.Command{
	Use:   "get <engram-id>",
	Short: "Fetch one engram by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		e, err := sys.Get(ctx, record.EngramID(args[0]))
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}

		out, _ := json.MarshalIndent(e, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
