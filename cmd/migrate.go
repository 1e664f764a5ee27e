package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the database schema, including the event indexes and the future-timestamp check constraint`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	if err := database.Migrate(db); err != nil {
		return err
	}

	log.Info().Msg("Migrations applied successfully")
	return nil
}
