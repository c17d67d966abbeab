package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/provenant/engram/pkg/store"
)

var (
	queryTenant  string
	queryAgent   string
	querySession string
	queryAction  string
	querySince   string
	queryUntil   string
	queryLimit   int
	queryDesc    bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query engrams across sessions, one JSON object per line",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := store.Query{
			TenantID:   queryTenant,
			AgentID:    queryAgent,
			SessionID:  querySession,
			ActionType: queryAction,
			OrderDesc:  queryDesc,
			Limit:      queryLimit,
		}
		if querySince != "" {
			t, err := time.Parse(time.RFC3339, querySince)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			q.Since = t
		}
		if queryUntil != "" {
			t, err := time.Parse(time.RFC3339, queryUntil)
			if err != nil {
				return fmt.Errorf("parse --until: %w", err)
			}
			q.Until = t
		}

		ctx, sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for e, err := range sys.Query(ctx, q) {
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "filter by tenant id")
	queryCmd.Flags().StringVar(&queryAgent, "agent", "", "filter by agent id")
	queryCmd.Flags().StringVar(&querySession, "session", "", "filter by session id")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "filter by action type")
	queryCmd.Flags().StringVar(&querySince, "since", "", "RFC3339 inclusive lower bound on recording time")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "RFC3339 exclusive upper bound on recording time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum results (0 = unlimited)")
	queryCmd.Flags().BoolVar(&queryDesc, "desc", false, "reverse the default ordering")
	rootCmd.AddCommand(queryCmd)
}
