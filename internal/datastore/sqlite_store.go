package datastore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeLayout is fixed width so lexical ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteStore persists engine state in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating its directory, and applies migrations.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	logger = logger.With().Str("component", "SQLiteStore").Logger()
	logger.Info().Str("db_path", path).Msg("Opening state database")

	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		logger.Error().Err(err).Str("directory", dbDir).Msg("Failed to create database directory")
		return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error().Err(err).Str("db_path", path).Msg("Failed to open database")
		return nil, fmt.Errorf("sql.Open failed for %s: %w", path, err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		logger.Error().Err(err).Msg("Failed to apply schema migrations")
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info().Str("db_path", path).Msg("State database ready")
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy reruns op while SQLite reports lock contention.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("Store write failed")
		return nil, models.NewPersistenceError(op, err)
	}
	return res, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const upsertFileQuery = `
INSERT INTO monitored_files (path, digest, tracked_since, last_modified, recipient, state, active, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
    digest = excluded.digest,
    tracked_since = excluded.tracked_since,
    last_modified = excluded.last_modified,
    recipient = excluded.recipient,
    state = excluded.state,
    active = excluded.active,
    last_error = excluded.last_error`

func upsertFileArgs(f models.MonitoredFile) []any {
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{f.Path, f.Digest, formatTime(f.TrackedSince), formatTime(updated), f.Recipient, string(f.State), boolToInt(f.Active), f.LastError}
}

// UpsertFile creates or replaces the monitored file record.
func (s *SQLiteStore) UpsertFile(ctx context.Context, f models.MonitoredFile) error {
	if err := validateFile(f); err != nil {
		return err
	}
	_, err := s.exec(ctx, "upsert file", upsertFileQuery, upsertFileArgs(f)...)
	return err
}

const fileColumns = `path, digest, tracked_since, last_modified, recipient, state, active, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (models.MonitoredFile, error) {
	var (
		f                      models.MonitoredFile
		since, modified, state string
		active                 int
	)
	if err := row.Scan(&f.Path, &f.Digest, &since, &modified, &f.Recipient, &state, &active, &f.LastError); err != nil {
		return models.MonitoredFile{}, err
	}
	var err error
	if f.TrackedSince, err = parseTime(since); err != nil {
		return models.MonitoredFile{}, fmt.Errorf("parse tracked_since: %w", err)
	}
	if f.UpdatedAt, err = parseTime(modified); err != nil {
		return models.MonitoredFile{}, fmt.Errorf("parse last_modified: %w", err)
	}
	if f.State, err = models.ParseFileState(state); err != nil {
		return models.MonitoredFile{}, err
	}
	f.Active = active == 1
	return f, nil
}

// GetFile returns the record for path.
func (s *SQLiteStore) GetFile(ctx context.Context, path string) (models.MonitoredFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM monitored_files WHERE path = ?`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MonitoredFile{}, fmt.Errorf("%w: monitored file %s", models.ErrNotFound, path)
	}
	if err != nil {
		return models.MonitoredFile{}, models.NewPersistenceError("get file", err)
	}
	return f, nil
}

// ListActiveFiles returns every active record ordered by path.
func (s *SQLiteStore) ListActiveFiles(ctx context.Context) ([]models.MonitoredFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM monitored_files WHERE active = 1 ORDER BY path`)
	if err != nil {
		return nil, models.NewPersistenceError("list files", err)
	}
	defer rows.Close()

	files := make([]models.MonitoredFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, models.NewPersistenceError("scan file", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("list files", err)
	}
	return files, nil
}

// SetActive updates the active flag for path.
func (s *SQLiteStore) SetActive(ctx context.Context, path string, active bool) error {
	res, err := s.exec(ctx, "set active",
		`UPDATE monitored_files SET active = ?, last_modified = ? WHERE path = ?`,
		boolToInt(active), formatTime(time.Now()), path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: monitored file %s", models.ErrNotFound, path)
	}
	return nil
}

// AppendAnchorRecord inserts a new ledger attempt record.
func (s *SQLiteStore) AppendAnchorRecord(ctx context.Context, rec models.AnchorRecord) (models.AnchorRecord, error) {
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = time.Now()
	}
	res, err := s.exec(ctx, "append anchor record",
		`INSERT INTO anchor_records (path, digest, operation, outcome, tx_ref, attempts, last_attempt_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Path, rec.Digest, string(rec.Operation), string(rec.Outcome), rec.TxRef, rec.Attempts, formatTime(rec.LastAttemptAt), rec.Error)
	if err != nil {
		return models.AnchorRecord{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.AnchorRecord{}, models.NewPersistenceError("append anchor record", err)
	}
	rec.ID = id
	return rec, nil
}

// UpdateAnchorRecord stores outcome, tx reference and attempt count for rec.ID.
func (s *SQLiteStore) UpdateAnchorRecord(ctx context.Context, rec models.AnchorRecord) error {
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = time.Now()
	}
	res, err := s.exec(ctx, "update anchor record",
		`UPDATE anchor_records SET outcome = ?, tx_ref = ?, attempts = ?, last_attempt_at = ?, error = ? WHERE id = ?`,
		string(rec.Outcome), rec.TxRef, rec.Attempts, formatTime(rec.LastAttemptAt), rec.Error, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: anchor record %d", models.ErrNotFound, rec.ID)
	}
	return nil
}

const anchorColumns = `id, path, digest, operation, outcome, tx_ref, attempts, last_attempt_at, error`

func scanAnchorRecord(row rowScanner) (models.AnchorRecord, error) {
	var (
		rec             models.AnchorRecord
		op, outcome, at string
	)
	if err := row.Scan(&rec.ID, &rec.Path, &rec.Digest, &op, &outcome, &rec.TxRef, &rec.Attempts, &at, &rec.Error); err != nil {
		return models.AnchorRecord{}, err
	}
	rec.Operation = models.AnchorOperation(op)
	rec.Outcome = models.AnchorOutcome(outcome)
	t, err := parseTime(at)
	if err != nil {
		return models.AnchorRecord{}, fmt.Errorf("parse last_attempt_at: %w", err)
	}
	rec.LastAttemptAt = t
	return rec, nil
}

func (s *SQLiteStore) queryAnchorRecord(ctx context.Context, what, query string, args ...any) (models.AnchorRecord, error) {
	rec, err := scanAnchorRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AnchorRecord{}, fmt.Errorf("%w: %s", models.ErrNotFound, what)
	}
	if err != nil {
		return models.AnchorRecord{}, models.NewPersistenceError("query anchor record", err)
	}
	return rec, nil
}

// FindConfirmedRegistration returns the confirmed register record for (path, digest).
func (s *SQLiteStore) FindConfirmedRegistration(ctx context.Context, path, digest string) (models.AnchorRecord, error) {
	return s.queryAnchorRecord(ctx, "confirmed registration",
		`SELECT `+anchorColumns+` FROM anchor_records
		 WHERE path = ? AND digest = ? AND operation = 'register' AND outcome = 'confirmed'`,
		path, digest)
}

// LatestAnchorRecord returns the newest record for (path, digest, op).
func (s *SQLiteStore) LatestAnchorRecord(ctx context.Context, path, digest string, op models.AnchorOperation) (models.AnchorRecord, error) {
	return s.queryAnchorRecord(ctx, "anchor record",
		`SELECT `+anchorColumns+` FROM anchor_records
		 WHERE path = ? AND digest = ? AND operation = ?
		 ORDER BY id DESC LIMIT 1`,
		path, digest, string(op))
}

// LastConfirmation returns the newest confirmed record of either operation for (path, digest).
func (s *SQLiteStore) LastConfirmation(ctx context.Context, path, digest string) (models.AnchorRecord, error) {
	return s.queryAnchorRecord(ctx, "confirmation",
		`SELECT `+anchorColumns+` FROM anchor_records
		 WHERE path = ? AND digest = ? AND outcome = 'confirmed'
		 ORDER BY last_attempt_at DESC, id DESC LIMIT 1`,
		path, digest)
}

// ConfirmRegistration marks rec confirmed and, in the same transaction,
// revokes confirmed registrations of other digests for rec.Path.
func (s *SQLiteStore) ConfirmRegistration(ctx context.Context, rec models.AnchorRecord) error {
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = time.Now()
	}
	at := formatTime(rec.LastAttemptAt)
	var updated int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`UPDATE anchor_records SET outcome = 'revoked', last_attempt_at = ?
			 WHERE path = ? AND digest <> ? AND operation = 'register' AND outcome = 'confirmed'`,
			at, rec.Path, rec.Digest); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE anchor_records SET outcome = 'confirmed', tx_ref = ?, attempts = ?, last_attempt_at = ?, error = ''
			 WHERE id = ? AND operation = 'register'`,
			rec.TxRef, rec.Attempts, at, rec.ID)
		if err != nil {
			return err
		}
		if updated, err = res.RowsAffected(); err != nil {
			return err
		}
		if updated == 0 {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		s.logger.Error().Err(err).Str("path", rec.Path).Int64("record_id", rec.ID).Msg("Failed to confirm registration")
		return models.NewPersistenceError("confirm registration", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: anchor record %d", models.ErrNotFound, rec.ID)
	}
	return nil
}

// RevokeRegistration marks the confirmed register record for (path, digest) as revoked.
func (s *SQLiteStore) RevokeRegistration(ctx context.Context, path, digest string) error {
	_, err := s.exec(ctx, "revoke registration",
		`UPDATE anchor_records SET outcome = 'revoked', last_attempt_at = ?
		 WHERE path = ? AND digest = ? AND operation = 'register' AND outcome = 'confirmed'`,
		formatTime(time.Now()), path, digest)
	return err
}

// ListAnchorRecords returns the full attempt history for path, oldest first.
func (s *SQLiteStore) ListAnchorRecords(ctx context.Context, path string) ([]models.AnchorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+anchorColumns+` FROM anchor_records WHERE path = ? ORDER BY id`, path)
	if err != nil {
		return nil, models.NewPersistenceError("list anchor records", err)
	}
	defer rows.Close()

	records := make([]models.AnchorRecord, 0)
	for rows.Next() {
		rec, err := scanAnchorRecord(rows)
		if err != nil {
			return nil, models.NewPersistenceError("scan anchor record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("list anchor records", err)
	}
	return records, nil
}

// alertDetails is the JSON payload kept in alerts.details.
type alertDetails struct {
	PriorDigest    string `json:"prior_digest"`
	NewDigest      string `json:"new_digest,omitempty"`
	LedgerVerified bool   `json:"ledger_verified"`
}

// RecordAlert appends the alert and upserts the file record in one transaction.
func (s *SQLiteStore) RecordAlert(ctx context.Context, alert models.AlertEvent, file models.MonitoredFile) (models.AlertEvent, error) {
	if alert.Path == "" || alert.Kind == "" {
		return models.AlertEvent{}, fmt.Errorf("%w: alert needs path and kind", models.ErrInvalidInput)
	}
	if err := validateFile(file); err != nil {
		return models.AlertEvent{}, err
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	details, err := json.Marshal(alertDetails{
		PriorDigest:    alert.PriorDigest,
		NewDigest:      alert.NewDigest,
		LedgerVerified: alert.LedgerVerified,
	})
	if err != nil {
		return models.AlertEvent{}, fmt.Errorf("encode alert details: %w", err)
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO alerts (path, kind, timestamp, details) VALUES (?, ?, ?, ?)`,
			alert.Path, string(alert.Kind), formatTime(alert.Timestamp), string(details))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertFileQuery, upsertFileArgs(file)...); err != nil {
			return err
		}
		if alert.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		s.logger.Error().Err(err).Str("path", alert.Path).Str("kind", string(alert.Kind)).Msg("Failed to record alert")
		return models.AlertEvent{}, models.NewPersistenceError("record alert", err)
	}
	return alert, nil
}

// ListRecentAlerts returns up to limit alerts ordered by timestamp descending.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		return []models.AlertEvent{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, kind, timestamp, details FROM alerts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, models.NewPersistenceError("list alerts", err)
	}
	defer rows.Close()

	alerts := make([]models.AlertEvent, 0, limit)
	for rows.Next() {
		var (
			a              models.AlertEvent
			kind, ts, body string
		)
		if err := rows.Scan(&a.ID, &a.Path, &kind, &ts, &body); err != nil {
			return nil, models.NewPersistenceError("scan alert", err)
		}
		a.Kind = models.AlertKind(kind)
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, models.NewPersistenceError("parse alert timestamp", err)
		}
		var d alertDetails
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			s.logger.Warn().Err(err).Int64("alert_id", a.ID).Msg("Alert details are not valid JSON")
		}
		a.PriorDigest, a.NewDigest, a.LedgerVerified = d.PriorDigest, d.NewDigest, d.LedgerVerified
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("list alerts", err)
	}
	return alerts, nil
}

func validateFile(f models.MonitoredFile) error {
	if f.Path == "" {
		return fmt.Errorf("%w: monitored file needs a path", models.ErrInvalidInput)
	}
	if f.Active && f.Digest == "" {
		return fmt.Errorf("%w: active file %s has no digest", models.ErrInvalidInput, f.Path)
	}
	if !f.State.IsValid() {
		return fmt.Errorf("%w: file %s has state %q", models.ErrInvalidInput, f.Path, f.State)
	}
	return nil
}
