package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/config"
	"github.com/nextsight-ai/conveyor/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

func openSQL(cmd *cobra.Command) (*store.SQLStore, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return nil, fmt.Errorf("the memory driver has no database to manage")
	}
	dsn := cfg.Database.DSN
	if dsn == "" && cfg.Database.Driver == "sqlite3" {
		dsn, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("db path: %w", err)
		}
	}
	return store.Open(cfg.Database.Driver, dsn)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openSQL(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("refusing to reset without --yes")
		}
		db, err := openSQL(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database reset")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the destructive reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
