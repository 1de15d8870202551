// Package cli implements the "clipvault user" subcommand tree for
// managing accounts directly in the database, bypassing the HTTP API.
package cli

import (
	"clipvault/internal/config"
	"clipvault/internal/store"

	"github.com/spf13/cobra"
)

// openStore opens the snippet store named by --db, falling back to the
// environment configuration. Safe to run beside a live server: the
// store opens in WAL mode with a busy timeout.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		path = cfg.Server.DBPath
	}
	return store.New(path)
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
