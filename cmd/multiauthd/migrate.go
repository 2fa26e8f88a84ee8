package main

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/multiauth/credstore/postgres"
	"github.com/MrEthical07/multiauth/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres credential schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Storage.Driver != "postgres" {
				return errors.New("migrate needs storage.driver=postgres")
			}
			store, err := postgres.Open(cmd.Context(), cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.L().Info("migrations applied", zap.Strings("files", applied))
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			return nil
		},
	}
}
