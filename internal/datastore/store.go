package datastore

import (
	"context"

	"github.com/aleister1102/anchorwatch/internal/models"
)

// Store is the durable state of the integrity engine: monitored files,
// ledger attempt history and alert history.
//
// Writes to a single path are serialized by the caller; implementations only
// guarantee that each call is atomic.
type Store interface {
	// UpsertFile creates or replaces the record for f.Path.
	UpsertFile(ctx context.Context, f models.MonitoredFile) error
	// GetFile returns models.ErrNotFound when no record exists.
	GetFile(ctx context.Context, path string) (models.MonitoredFile, error)
	ListActiveFiles(ctx context.Context) ([]models.MonitoredFile, error)
	// SetActive flips the active flag without touching history.
	SetActive(ctx context.Context, path string, active bool) error

	// AppendAnchorRecord inserts rec and returns it with its assigned ID.
	AppendAnchorRecord(ctx context.Context, rec models.AnchorRecord) (models.AnchorRecord, error)
	// UpdateAnchorRecord stores the outcome of a pending record.
	UpdateAnchorRecord(ctx context.Context, rec models.AnchorRecord) error
	// FindConfirmedRegistration returns the confirmed register record for (path, digest).
	FindConfirmedRegistration(ctx context.Context, path, digest string) (models.AnchorRecord, error)
	// LatestAnchorRecord returns the newest record for (path, digest, op).
	LatestAnchorRecord(ctx context.Context, path, digest string, op models.AnchorOperation) (models.AnchorRecord, error)
	// LastConfirmation returns the newest confirmed register or verify record for (path, digest).
	LastConfirmation(ctx context.Context, path, digest string) (models.AnchorRecord, error)
	// ConfirmRegistration stores rec as the confirmed register record for its
	// path and revokes confirmed registrations of any other digest for that path.
	ConfirmRegistration(ctx context.Context, rec models.AnchorRecord) error
	// RevokeRegistration marks the confirmed register record for (path, digest) as revoked.
	RevokeRegistration(ctx context.Context, path, digest string) error
	ListAnchorRecords(ctx context.Context, path string) ([]models.AnchorRecord, error)

	// RecordAlert appends alert and upserts file in one transaction.
	RecordAlert(ctx context.Context, alert models.AlertEvent, file models.MonitoredFile) (models.AlertEvent, error)
	// ListRecentAlerts returns up to limit alerts, newest first.
	ListRecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)

	Close() error
}
