package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "anchorwatch",
		Short:         "Blockchain-anchored file integrity monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML or JSON)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newExportAlertsCommand(ctx))
	rootCmd.AddCommand(newDigestCommand())

	return rootCmd
}
