package main

import (
	"fmt"
	"time"

	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/spf13/cobra"
)

func newExportAlertsCommand(ctx *commandContext) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export-alerts",
		Short: "Write the most recent alerts to a parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			zLogger, err := ctx.newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := datastore.NewSQLiteStore(cfg.StorageConfig.SQLitePath, zLogger)
			if err != nil {
				return err
			}
			defer store.Close()

			alerts, err := store.ListRecentAlerts(cmd.Context(), limit)
			if err != nil {
				return err
			}

			archive := datastore.NewAlertArchive(cfg.StorageConfig.ArchivePath, zLogger)
			if out == "" {
				out = archive.DefaultPath(time.Now())
			}
			if err := archive.Export(cmd.Context(), out, alerts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d alerts to %s\n", len(alerts), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output parquet file (default: timestamped file in the archive directory)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "Maximum number of alerts to export")
	return cmd
}
