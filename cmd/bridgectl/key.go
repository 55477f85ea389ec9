package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/idempotency"
)

// keyCmd: вычислить ключ идемпотентности и local_record_id без запуска конвейера:
// нужен при разборе инцидентов, чтобы найти запись или журнал по бизнес-данным.
func keyCmd() *cobra.Command {
	var (
		op, tenant, discriminator string
		ids                       []string
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Derive the idempotency key and local record id for a command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := idempotency.Derive(domain.OperationType(op), tenant, ids, discriminator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "idempotency_key: %s\nlocal_record_id: %s\n", key, idempotency.LocalRecordID(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation type: payment, invoice, payroll_posting, inventory_transfer")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id")
	cmd.Flags().StringArrayVar(&ids, "id", nil, "business identifier (repeatable, order matters)")
	cmd.Flags().StringVarP(&discriminator, "discriminator", "d", "", "period or date that tells repeated operations apart")
	for _, f := range []string{"op", "tenant", "id", "discriminator"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
