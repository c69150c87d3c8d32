package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/assetledger/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg)
		if err != nil {
			return err
		}

		log.Info().Str("driver", cfg.DBDriver).Msg("Running database migrations...")
		if err := database.RunMigrations(context.Background(), db); err != nil {
			return err
		}
		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
