package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/store"
)

var sessionsFlags struct {
	state string
	layer string
	limit int
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect import sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessions, err := store.NewSQLite(cfg.Store.SessionPath)
		if err != nil {
			return eris.Wrap(err, "open session store")
		}
		defer sessions.Close()
		if err := sessions.Migrate(cmd.Context()); err != nil {
			return eris.Wrap(err, "migrate session store")
		}

		list, err := sessions.ListSessions(cmd.Context(), store.SessionFilter{
			State:   model.SessionState(sessionsFlags.state),
			LayerID: sessionsFlags.layer,
			Limit:   sessionsFlags.limit,
		})
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one import session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := store.NewSQLite(cfg.Store.SessionPath)
		if err != nil {
			return eris.Wrap(err, "open session store")
		}
		defer sessions.Close()

		session, err := sessions.GetSession(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "get session")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsFlags.state, "state", "", "filter by state")
	sessionsListCmd.Flags().StringVar(&sessionsFlags.layer, "layer", "", "filter by layer id")
	sessionsListCmd.Flags().IntVar(&sessionsFlags.limit, "limit", 50, "maximum number of sessions")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
