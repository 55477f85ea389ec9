package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/repository"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infra.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			stores, err := repository.Open(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			stores.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}
