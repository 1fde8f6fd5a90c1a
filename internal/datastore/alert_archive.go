package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
)

// alertRow is the columnar layout of an archived alert.
type alertRow struct {
	ID             int64     `parquet:"id"`
	Path           string    `parquet:"path"`
	Kind           string    `parquet:"kind"`
	Timestamp      time.Time `parquet:"timestamp,timestamp(millisecond)"`
	PriorDigest    string    `parquet:"prior_digest"`
	NewDigest      string    `parquet:"new_digest"`
	LedgerVerified bool      `parquet:"ledger_verified"`
}

// AlertArchive writes alert history to Parquet files for offline review.
type AlertArchive struct {
	baseDir string
	logger  zerolog.Logger
}

// NewAlertArchive creates an archive rooted at baseDir.
func NewAlertArchive(baseDir string, logger zerolog.Logger) *AlertArchive {
	return &AlertArchive{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "AlertArchive").Logger(),
	}
}

// DefaultPath returns a timestamped file name under the archive directory.
func (a *AlertArchive) DefaultPath(now time.Time) string {
	return filepath.Join(a.baseDir, fmt.Sprintf("alerts-%s.parquet", now.UTC().Format("20060102T150405Z")))
}

// Export writes alerts to filePath, replacing any existing file.
func (a *AlertArchive) Export(ctx context.Context, filePath string, alerts []models.AlertEvent) error {
	if filePath == "" {
		return fmt.Errorf("%w: archive path is empty", models.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return models.WrapError(err, "failed to create archive directory")
	}

	rows := make([]alertRow, 0, len(alerts))
	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows = append(rows, alertRow{
			ID:             alert.ID,
			Path:           alert.Path,
			Kind:           string(alert.Kind),
			Timestamp:      alert.Timestamp.UTC(),
			PriorDigest:    alert.PriorDigest,
			NewDigest:      alert.NewDigest,
			LedgerVerified: alert.LedgerVerified,
		})
	}

	tmpPath := filePath + ".tmp"
	if err := a.writeFile(tmpPath, rows); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return models.WrapError(err, "failed to move archive into place")
	}

	a.logger.Info().Str("file_path", filePath).Int("records_written", len(rows)).Msg("Exported alerts to Parquet file")
	return nil
}

func (a *AlertArchive) writeFile(filePath string, rows []alertRow) error {
	file, err := os.Create(filePath)
	if err != nil {
		return models.WrapError(err, "failed to create archive file "+filePath)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[alertRow](file, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return models.WrapError(err, "failed to write alerts to parquet file")
	}
	if err := writer.Close(); err != nil {
		return models.WrapError(err, "failed to finalize parquet file")
	}
	return file.Sync()
}

// Load reads every alert from filePath.
func (a *AlertArchive) Load(ctx context.Context, filePath string) ([]models.AlertEvent, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, models.WrapError(err, "failed to open archive "+filePath)
	}
	defer file.Close()

	reader := parquet.NewGenericReader[alertRow](file)
	defer reader.Close()

	alerts := make([]models.AlertEvent, 0, reader.NumRows())
	batch := make([]alertRow, 100)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.Read(batch)
		for _, row := range batch[:n] {
			alerts = append(alerts, models.AlertEvent{
				ID:             row.ID,
				Path:           row.Path,
				Kind:           models.AlertKind(row.Kind),
				Timestamp:      row.Timestamp,
				PriorDigest:    row.PriorDigest,
				NewDigest:      row.NewDigest,
				LedgerVerified: row.LedgerVerified,
			})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.WrapError(err, "failed to read alerts from parquet file")
		}
	}

	a.logger.Debug().Int("records_read", len(alerts)).Str("file_path", filePath).Msg("Loaded alert archive")
	return alerts, nil
}
