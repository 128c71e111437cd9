// ABOUTME: Offline maintenance of the session ledger
// ABOUTME: Opens the SQLite file directly, so it works while the gateway is down

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/mission-gateway/internal/store"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect or prune the session ledger",
	}
	cmd.AddCommand(newSessionsListCmd(opts), newSessionsPruneCmd(opts))
	return cmd
}

func (o *rootOptions) openLedger() (*store.SQLiteStore, error) {
	cfg, _, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("session ledger is disabled (database.path is empty)")
	}
	return store.NewSQLiteStore(cfg.Database.Path, slog.New(slog.DiscardHandler))
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	var (
		principal string
		openOnly  bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := opts.openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			sessions, err := ledger.ListSessions(cmd.Context(), store.SessionFilter{
				PrincipalID: principal,
				OpenOnly:    openOnly,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				state := "open"
				if !s.Open() {
					state = fmt.Sprintf("closed %s (%s)", s.ClosedAt.Format(time.RFC3339), s.CloseReason)
				}
				fmt.Fprintf(out, "%s  %-24s %-12s %s  %s\n",
					s.ConnectionID, s.PrincipalID, s.InstanceID, s.ConnectedAt.Format(time.RFC3339), state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "only sessions for this principal")
	cmd.Flags().BoolVar(&openOnly, "open", false, "only sessions that have not closed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newSessionsPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete closed sessions older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ledger, err := opts.openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			n, err := ledger.PruneClosed(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d closed sessions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff for closed sessions")
	return cmd
}
