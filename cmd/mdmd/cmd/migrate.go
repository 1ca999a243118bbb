package cmd

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"mdmd.sh/internal/config"
	"mdmd.sh/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(cmd, func(db *sql.DB) error {
					if err := database.Migrate(db); err != nil {
						return err
					}
					cmd.Println("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(cmd, func(db *sql.DB) error {
					if err := database.MigrateDown(db); err != nil {
						return err
					}
					cmd.Println("rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(cmd, func(db *sql.DB) error {
					v, dirty, err := database.SchemaVersion(db)
					if err != nil {
						return err
					}
					cmd.Printf("schema version %d (dirty=%v)\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withDB(cmd *cobra.Command, fn func(*sql.DB) error) error {
	cmd.SilenceUsage = true
	url := config.GetStringFromEnv("DATABASE_URL", "")
	if url == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return fn(db)
}
