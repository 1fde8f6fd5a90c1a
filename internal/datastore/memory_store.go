package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
)

// MemoryStore is a Store kept entirely in process memory. It enforces the
// same constraints as SQLiteStore and is used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]models.MonitoredFile
	records []models.AnchorRecord
	alerts  []models.AlertEvent
	nextID  int64
	// FailWrites makes every write return a persistence error when set.
	FailWrites bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]models.MonitoredFile)}
}

func (m *MemoryStore) writeErr(op string) error {
	if m.FailWrites {
		return models.NewPersistenceError(op, fmt.Errorf("write disabled"))
	}
	return nil
}

func (m *MemoryStore) UpsertFile(ctx context.Context, f models.MonitoredFile) error {
	if err := validateFile(f); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("upsert file"); err != nil {
		return err
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	m.files[f.Path] = f
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, path string) (models.MonitoredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[path]
	if !ok {
		return models.MonitoredFile{}, fmt.Errorf("%w: monitored file %s", models.ErrNotFound, path)
	}
	return f, nil
}

func (m *MemoryStore) ListActiveFiles(ctx context.Context) ([]models.MonitoredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := make([]models.MonitoredFile, 0, len(m.files))
	for _, f := range m.files {
		if f.Active {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, path string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("set active"); err != nil {
		return err
	}
	f, ok := m.files[path]
	if !ok {
		return fmt.Errorf("%w: monitored file %s", models.ErrNotFound, path)
	}
	f.Active = active
	f.UpdatedAt = time.Now()
	m.files[path] = f
	return nil
}

func (m *MemoryStore) confirmedIndex(path, digest string) int {
	for i, r := range m.records {
		if r.Path == path && r.Digest == digest && r.IsConfirmedRegistration() {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) AppendAnchorRecord(ctx context.Context, rec models.AnchorRecord) (models.AnchorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("append anchor record"); err != nil {
		return models.AnchorRecord{}, err
	}
	if rec.IsConfirmedRegistration() && m.confirmedIndex(rec.Path, rec.Digest) >= 0 {
		return models.AnchorRecord{}, models.NewPersistenceError("append anchor record",
			fmt.Errorf("confirmed registration already exists for %s@%s", rec.Path, rec.Digest))
	}
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = time.Now()
	}
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) UpdateAnchorRecord(ctx context.Context, rec models.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("update anchor record"); err != nil {
		return err
	}
	for i := range m.records {
		if m.records[i].ID != rec.ID {
			continue
		}
		if rec.Outcome == models.OutcomeConfirmed && m.records[i].Operation == models.OperationRegister {
			if j := m.confirmedIndex(m.records[i].Path, m.records[i].Digest); j >= 0 && j != i {
				return models.NewPersistenceError("update anchor record",
					fmt.Errorf("confirmed registration already exists for %s@%s", m.records[i].Path, m.records[i].Digest))
			}
		}
		if rec.LastAttemptAt.IsZero() {
			rec.LastAttemptAt = time.Now()
		}
		cur := &m.records[i]
		cur.Outcome, cur.TxRef, cur.Attempts, cur.LastAttemptAt, cur.Error = rec.Outcome, rec.TxRef, rec.Attempts, rec.LastAttemptAt, rec.Error
		return nil
	}
	return fmt.Errorf("%w: anchor record %d", models.ErrNotFound, rec.ID)
}

func (m *MemoryStore) FindConfirmedRegistration(ctx context.Context, path, digest string) (models.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.confirmedIndex(path, digest); i >= 0 {
		return m.records[i], nil
	}
	return models.AnchorRecord{}, fmt.Errorf("%w: confirmed registration", models.ErrNotFound)
}

func (m *MemoryStore) LatestAnchorRecord(ctx context.Context, path, digest string, op models.AnchorOperation) (models.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Path == path && r.Digest == digest && r.Operation == op {
			return r, nil
		}
	}
	return models.AnchorRecord{}, fmt.Errorf("%w: anchor record", models.ErrNotFound)
}

func (m *MemoryStore) LastConfirmation(ctx context.Context, path, digest string) (models.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  models.AnchorRecord
		found bool
	)
	for _, r := range m.records {
		if r.Path != path || r.Digest != digest || r.Outcome != models.OutcomeConfirmed {
			continue
		}
		if !found || !r.LastAttemptAt.Before(best.LastAttemptAt) {
			best, found = r, true
		}
	}
	if !found {
		return models.AnchorRecord{}, fmt.Errorf("%w: confirmation", models.ErrNotFound)
	}
	return best, nil
}

func (m *MemoryStore) ConfirmRegistration(ctx context.Context, rec models.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("confirm registration"); err != nil {
		return err
	}
	idx := -1
	for i := range m.records {
		if m.records[i].ID == rec.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: anchor record %d", models.ErrNotFound, rec.ID)
	}
	cur := &m.records[idx]
	if j := m.confirmedIndex(cur.Path, cur.Digest); j >= 0 && j != idx {
		return models.NewPersistenceError("confirm registration",
			fmt.Errorf("confirmed registration already exists for %s@%s", cur.Path, cur.Digest))
	}
	if rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = time.Now()
	}
	for i := range m.records {
		r := &m.records[i]
		if i != idx && r.Path == cur.Path && r.Digest != cur.Digest && r.IsConfirmedRegistration() {
			r.Outcome = models.OutcomeRevoked
			r.LastAttemptAt = rec.LastAttemptAt
		}
	}
	cur.Outcome, cur.TxRef, cur.Attempts, cur.LastAttemptAt, cur.Error = models.OutcomeConfirmed, rec.TxRef, rec.Attempts, rec.LastAttemptAt, ""
	return nil
}

func (m *MemoryStore) RevokeRegistration(ctx context.Context, path, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("revoke registration"); err != nil {
		return err
	}
	if i := m.confirmedIndex(path, digest); i >= 0 {
		m.records[i].Outcome = models.OutcomeRevoked
		m.records[i].LastAttemptAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) ListAnchorRecords(ctx context.Context, path string) ([]models.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AnchorRecord, 0)
	for _, r := range m.records {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordAlert(ctx context.Context, alert models.AlertEvent, file models.MonitoredFile) (models.AlertEvent, error) {
	if alert.Path == "" || alert.Kind == "" {
		return models.AlertEvent{}, fmt.Errorf("%w: alert needs path and kind", models.ErrInvalidInput)
	}
	if err := validateFile(file); err != nil {
		return models.AlertEvent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("record alert"); err != nil {
		return models.AlertEvent{}, err
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = time.Now()
	}
	m.nextID++
	alert.ID = m.nextID
	m.alerts = append(m.alerts, alert)
	m.files[file.Path] = file
	return alert, nil
}

func (m *MemoryStore) ListRecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertEvent, len(m.alerts))
	copy(out, m.alerts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit < 0 {
		limit = 0
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
