package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database administration",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Applies the schema to the configured database. Every statement is
idempotent, so this is safe to run against an existing database. The worker
also applies the schema on startup; this command exists for provisioning a
database before any worker runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Connecting already ran the migrations.
		color.Green("Schema applied")
		return nil
	},
}

var dbPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check database connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Ping(GetContext()); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		color.Green("Database reachable")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd, dbPingCmd)
	rootCmd.AddCommand(dbCmd)
}
