package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func newSQLite(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "anchorwatch.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemory(t *testing.T) Store {
	return NewMemoryStore()
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range map[string]storeFactory{"sqlite": newSQLite, "memory": newMemory} {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleFile(path, digest string) models.MonitoredFile {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.MonitoredFile{
		Path:         path,
		Digest:       digest,
		TrackedSince: now,
		UpdatedAt:    now,
		Recipient:    "ops@example.com",
		State:        models.StateAnchored,
		Active:       true,
	}
}

func TestStore_FileLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetFile(ctx, "/data/a.txt")
		assert.ErrorIs(t, err, models.ErrNotFound)

		f := sampleFile("/data/a.txt", "d1")
		require.NoError(t, s.UpsertFile(ctx, f))
		require.NoError(t, s.UpsertFile(ctx, sampleFile("/data/b.txt", "d2")))

		got, err := s.GetFile(ctx, f.Path)
		require.NoError(t, err)
		assert.Equal(t, f.Digest, got.Digest)
		assert.Equal(t, f.State, got.State)
		assert.True(t, got.TrackedSince.Equal(f.TrackedSince))

		f.Digest = "d1b"
		f.State = models.StateAnchorFailed
		f.LastError = "ledger rejected"
		require.NoError(t, s.UpsertFile(ctx, f))
		got, err = s.GetFile(ctx, f.Path)
		require.NoError(t, err)
		assert.Equal(t, "d1b", got.Digest)
		assert.Equal(t, "ledger rejected", got.LastError)

		require.NoError(t, s.SetActive(ctx, f.Path, false))
		active, err := s.ListActiveFiles(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "/data/b.txt", active[0].Path)

		got, err = s.GetFile(ctx, f.Path)
		require.NoError(t, err, "soft delete keeps the record")
		assert.False(t, got.Active)

		assert.ErrorIs(t, s.SetActive(ctx, "/nope", false), models.ErrNotFound)
	})
}

func TestStore_RejectsActiveFileWithoutDigest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.UpsertFile(context.Background(), sampleFile("/data/a.txt", ""))
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestStore_AnchorRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		pending, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
			Path: "/data/a.txt", Digest: "d1", Operation: models.OperationRegister, Outcome: models.OutcomePending,
		})
		require.NoError(t, err)
		assert.NotZero(t, pending.ID)

		_, err = s.FindConfirmedRegistration(ctx, "/data/a.txt", "d1")
		assert.ErrorIs(t, err, models.ErrNotFound)

		pending.Outcome = models.OutcomeConfirmed
		pending.TxRef = "0xabc"
		pending.Attempts = 2
		require.NoError(t, s.UpdateAnchorRecord(ctx, pending))

		confirmed, err := s.FindConfirmedRegistration(ctx, "/data/a.txt", "d1")
		require.NoError(t, err)
		assert.Equal(t, pending.ID, confirmed.ID)
		assert.Equal(t, "0xabc", confirmed.TxRef)
		assert.Equal(t, 2, confirmed.Attempts)

		latest, err := s.LatestAnchorRecord(ctx, "/data/a.txt", "d1", models.OperationRegister)
		require.NoError(t, err)
		assert.Equal(t, pending.ID, latest.ID)

		last, err := s.LastConfirmation(ctx, "/data/a.txt", "d1")
		require.NoError(t, err)
		assert.Equal(t, pending.ID, last.ID)

		second, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
			Path: "/data/a.txt", Digest: "d1", Operation: models.OperationRegister, Outcome: models.OutcomePending,
		})
		require.NoError(t, err)
		second.Outcome = models.OutcomeConfirmed
		assert.ErrorIs(t, s.UpdateAnchorRecord(ctx, second), models.ErrPersistence,
			"only one confirmed registration per (path, digest)")

		require.NoError(t, s.RevokeRegistration(ctx, "/data/a.txt", "d1"))
		_, err = s.FindConfirmedRegistration(ctx, "/data/a.txt", "d1")
		assert.ErrorIs(t, err, models.ErrNotFound)
		require.NoError(t, s.UpdateAnchorRecord(ctx, second), "revoked record frees the key")

		history, err := s.ListAnchorRecords(ctx, "/data/a.txt")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, models.OutcomeRevoked, history[0].Outcome)
		assert.Equal(t, models.OutcomeConfirmed, history[1].Outcome)

		assert.ErrorIs(t, s.UpdateAnchorRecord(ctx, models.AnchorRecord{ID: 999, Outcome: models.OutcomeFailed}), models.ErrNotFound)
	})
}

func TestStore_ConfirmRegistrationSupersedesOtherDigests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		confirm := func(digest, tx string) models.AnchorRecord {
			rec, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
				Path: "/data/a.txt", Digest: digest, Operation: models.OperationRegister, Outcome: models.OutcomePending,
			})
			require.NoError(t, err)
			rec.TxRef = tx
			rec.Attempts = 1
			require.NoError(t, s.ConfirmRegistration(ctx, rec))
			return rec
		}

		confirm("dA", "0x1")
		_, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
			Path: "/data/b.txt", Digest: "dA", Operation: models.OperationRegister, Outcome: models.OutcomeConfirmed,
		})
		require.NoError(t, err)
		confirm("dB", "0x2")

		_, err = s.FindConfirmedRegistration(ctx, "/data/a.txt", "dA")
		assert.ErrorIs(t, err, models.ErrNotFound)
		current, err := s.FindConfirmedRegistration(ctx, "/data/a.txt", "dB")
		require.NoError(t, err)
		assert.Equal(t, "0x2", current.TxRef)
		_, err = s.FindConfirmedRegistration(ctx, "/data/b.txt", "dA")
		assert.NoError(t, err, "other paths are untouched")

		back := confirm("dA", "0x3")
		_, err = s.FindConfirmedRegistration(ctx, "/data/a.txt", "dB")
		assert.ErrorIs(t, err, models.ErrNotFound)
		current, err = s.FindConfirmedRegistration(ctx, "/data/a.txt", "dA")
		require.NoError(t, err)
		assert.Equal(t, back.ID, current.ID)

		history, err := s.ListAnchorRecords(ctx, "/data/a.txt")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, models.OutcomeRevoked, history[0].Outcome)
		assert.Equal(t, models.OutcomeRevoked, history[1].Outcome)
		assert.Equal(t, models.OutcomeConfirmed, history[2].Outcome)

		assert.ErrorIs(t, s.ConfirmRegistration(ctx, models.AnchorRecord{ID: 999, Path: "/data/a.txt", Digest: "dZ"}), models.ErrNotFound)
	})
}

func TestStore_LastConfirmationPrefersNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().Add(-48 * time.Hour).UTC()

		_, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
			Path: "/a", Digest: "d", Operation: models.OperationRegister, Outcome: models.OutcomeConfirmed, LastAttemptAt: old,
		})
		require.NoError(t, err)
		verify, err := s.AppendAnchorRecord(ctx, models.AnchorRecord{
			Path: "/a", Digest: "d", Operation: models.OperationVerify, Outcome: models.OutcomeConfirmed,
		})
		require.NoError(t, err)

		last, err := s.LastConfirmation(ctx, "/a", "d")
		require.NoError(t, err)
		assert.Equal(t, verify.ID, last.ID)
	})
}

func TestStore_Alerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		f := sampleFile("/data/a.txt", "d1")
		require.NoError(t, s.UpsertFile(ctx, f))

		for i := 0; i < 5; i++ {
			f.Digest = "d" + string(rune('2'+i))
			f.State = models.StateAlerted
			alert, err := s.RecordAlert(ctx, models.AlertEvent{
				Path:           f.Path,
				Kind:           models.AlertModified,
				Timestamp:      base.Add(time.Duration(i) * time.Second),
				PriorDigest:    "d1",
				NewDigest:      f.Digest,
				LedgerVerified: i%2 == 0,
			}, f)
			require.NoError(t, err)
			assert.NotZero(t, alert.ID)
		}

		got, err := s.GetFile(ctx, f.Path)
		require.NoError(t, err)
		assert.Equal(t, f.Digest, got.Digest, "alert and file update land together")
		assert.Equal(t, models.StateAlerted, got.State)

		alerts, err := s.ListRecentAlerts(ctx, 3)
		require.NoError(t, err)
		require.Len(t, alerts, 3)
		assert.True(t, alerts[0].Timestamp.After(alerts[1].Timestamp))
		assert.True(t, alerts[1].Timestamp.After(alerts[2].Timestamp))
		assert.Equal(t, "d6", alerts[0].NewDigest)
		assert.True(t, alerts[0].LedgerVerified)
		assert.Equal(t, "d1", alerts[0].PriorDigest)

		none, err := s.ListRecentAlerts(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = s.RecordAlert(ctx, models.AlertEvent{Path: f.Path}, f)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchorwatch.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(ctx, sampleFile("/data/a.txt", "d1")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err, "migrations are idempotent")
	defer s.Close()

	f, err := s.GetFile(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "d1", f.Digest)
}

func TestMemoryStore_FailWrites(t *testing.T) {
	s := NewMemoryStore()
	s.FailWrites = true
	err := s.UpsertFile(context.Background(), sampleFile("/a", "d"))
	assert.ErrorIs(t, err, models.ErrPersistence)
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return busyErr{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls, "non-busy errors are not retried")
}

type busyErr struct{}

func (busyErr) Error() string { return "database is locked (5) (SQLITE_BUSY)" }
func (busyErr) Code() int     { return sqliteBusyCode }
