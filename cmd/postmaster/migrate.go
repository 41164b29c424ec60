package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-postmaster/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runMigrate,
}

var migrateStatusFlag bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusFlag, "status", false, "Only print the current and latest schema version")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	loader, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	db, err := database.Open(ctx, loader.Config().Database)
	if err != nil {
		return err
	}
	defer db.Close()

	current, err := database.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if migrateStatusFlag {
		fmt.Printf("schema version %d of %d\n", current, database.LatestVersion())
		return nil
	}
	version, err := database.Migrate(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if version == current {
		fmt.Printf("schema already at version %d\n", version)
		return nil
	}
	fmt.Printf("migrated schema from version %d to %d\n", current, version)
	return nil
}
