package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/conductor/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	count, err := db.SessionCount()
	if err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s (%d sessions)\n", cfg.Store.DBPath, count)
	return nil
}
