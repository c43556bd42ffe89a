package main

import (
	"errors"
	"os"

	"github.com/ethaccount/userop/src/app"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, path, err := migrationTarget()
		if err != nil {
			return err
		}
		return app.MigrationUp(dsn, path)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, path, err := migrationTarget()
		if err != nil {
			return err
		}
		return app.MigrationDown(dsn, path)
	},
}

// migrationTarget reads only the database settings so that migrations run
// without node or bundler configuration.
func migrationTarget() (string, string, error) {
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		return "", "", errors.New("DB_URL not set in environment")
	}
	path := os.Getenv("MIGRATION_PATH")
	if path == "" {
		path = "file://migrations"
	}
	return dsn, path, nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
