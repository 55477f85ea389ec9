package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Operator tool for ledger-bridge: schema, policy versions, idempotency keys",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults to ./config.yaml, ./configs/config.yaml)")

	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(policyCmd(&configPath))
	root.AddCommand(keyCmd())
	return root
}
