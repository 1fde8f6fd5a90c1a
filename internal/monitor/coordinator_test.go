package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/debounce"
	"github.com/aleister1102/anchorwatch/internal/digest"
	"github.com/aleister1102/anchorwatch/internal/ledger"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/aleister1102/anchorwatch/internal/notifier"
	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyStore records every state a file is persisted in.
type historyStore struct {
	*datastore.MemoryStore
	mu     sync.Mutex
	states map[string][]models.FileState
}

func (h *historyStore) track(f models.MonitoredFile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.states[f.Path]
	if len(seq) == 0 || seq[len(seq)-1] != f.State {
		h.states[f.Path] = append(seq, f.State)
	}
}

func (h *historyStore) UpsertFile(ctx context.Context, f models.MonitoredFile) error {
	if err := h.MemoryStore.UpsertFile(ctx, f); err != nil {
		return err
	}
	h.track(f)
	return nil
}

func (h *historyStore) RecordAlert(ctx context.Context, alert models.AlertEvent, f models.MonitoredFile) (models.AlertEvent, error) {
	stored, err := h.MemoryStore.RecordAlert(ctx, alert, f)
	if err == nil {
		h.track(f)
	}
	return stored, err
}

func (h *historyStore) history(path string) []models.FileState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.FileState(nil), h.states[path]...)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	dir        string
	store      *historyStore
	chain      *ledger.MemoryLedger
	source     *watcher.FakeSource
	sink       *notifier.RecordingSink
	dispatcher *notifier.Dispatcher
	hasher     *digest.Computer
	coord      *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &historyStore{MemoryStore: datastore.NewMemoryStore(), states: make(map[string][]models.FileState)}
	chain := ledger.NewMemoryLedger()
	client := ledger.NewAnchorClient(chain, store, ledger.RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		CallTimeout:     time.Second,
	}, zerolog.Nop())
	sink := &notifier.RecordingSink{}
	dispatcher := notifier.NewDispatcher(sink, time.Second, zerolog.Nop())
	source := watcher.NewFakeSource()
	hasher := digest.NewComputer(digest.DefaultChunkSize)

	h := &harness{
		t:          t,
		ctx:        context.Background(),
		dir:        t.TempDir(),
		store:      store,
		chain:      chain,
		source:     source,
		sink:       sink,
		dispatcher: dispatcher,
		hasher:     hasher,
		coord:      NewCoordinator(store, client, hasher, source, dispatcher, zerolog.Nop()),
	}
	require.NoError(t, h.coord.Start(h.ctx))
	t.Cleanup(func() { _ = h.coord.Stop() })
	return h
}

func (h *harness) write(name, content string) string {
	h.t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (h *harness) digestOf(content string) string {
	h.t.Helper()
	p := filepath.Join(h.t.TempDir(), "scratch")
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	d, err := h.hasher.File(p)
	require.NoError(h.t, err)
	return d
}

func (h *harness) change(path string, kind watcher.EventKind) {
	h.coord.HandleChange(debounce.Change{Path: path, Kind: kind, RawEvents: 1, FirstSeen: time.Now()})
	h.coord.Wait()
	h.dispatcher.Wait()
}

func (h *harness) file(path string) models.MonitoredFile {
	h.t.Helper()
	f, err := h.store.GetFile(h.ctx, path)
	require.NoError(h.t, err)
	return f
}

func (h *harness) alerts() []models.AlertEvent {
	h.t.Helper()
	alerts, err := h.store.ListRecentAlerts(h.ctx, 100)
	require.NoError(h.t, err)
	return alerts
}

func TestCoordinator_ModifiedFileIsAlertedAndReanchored(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	d1, d2 := h.digestOf("v1"), h.digestOf("v2")

	f, err := h.coord.Register(h.ctx, path, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StateAnchored, f.State)
	assert.Equal(t, d1, f.Digest)

	h.write("a.txt", "v2")
	h.change(path, watcher.Modified)

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertModified, alerts[0].Kind)
	assert.Equal(t, d1, alerts[0].PriorDigest)
	assert.Equal(t, d2, alerts[0].NewDigest)
	assert.True(t, alerts[0].LedgerVerified)

	f = h.file(path)
	assert.Equal(t, models.StateAnchored, f.State)
	assert.Equal(t, d2, f.Digest)
	onChain, _ := h.chain.Anchored(path)
	assert.Equal(t, d2, onChain)

	deliveries := h.sink.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "ops@example.com", deliveries[0].Recipient)

	assert.Equal(t, []models.FileState{
		models.StateRegistering, models.StateAnchored, models.StateChangeDetected,
		models.StateVerifying, models.StateAlerted, models.StateRegistering, models.StateAnchored,
	}, h.store.history(path))
}

func TestCoordinator_RevertToEarlierContentIsReanchored(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	d1 := h.digestOf("v1")

	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	h.write("a.txt", "v2")
	h.change(path, watcher.Modified)
	h.write("a.txt", "v1")
	h.change(path, watcher.Modified)

	assert.Equal(t, 3, h.chain.RegisterCalls(), "returning to an earlier digest is written to the ledger again")
	onChain, ok := h.chain.Anchored(path)
	require.True(t, ok)
	assert.Equal(t, d1, onChain)
	assert.Equal(t, models.StateAnchored, h.file(path).State)
	assert.Equal(t, d1, h.file(path).Digest)

	h.write("a.txt", "v3")
	h.change(path, watcher.Modified)

	alerts := h.alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, d1, alerts[0].PriorDigest)
	assert.Equal(t, h.digestOf("v3"), alerts[0].NewDigest)
	assert.True(t, alerts[0].LedgerVerified, "prior content is verified against the ledger")
	for _, a := range alerts {
		assert.True(t, a.LedgerVerified)
	}
}

func TestCoordinator_DeletedFile(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "ops@example.com")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	h.change(path, watcher.Deleted)

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertDeleted, alerts[0].Kind)
	assert.Equal(t, h.digestOf("v1"), alerts[0].PriorDigest)
	assert.Equal(t, models.StateChangeDetected, h.file(path).State)
	assert.Zero(t, h.chain.VerifyCalls(), "a deletion is never ledger-verified")

	h.change(path, watcher.Deleted)
	assert.Len(t, h.alerts(), 1, "a missing file is reported once")

	h.write("a.txt", "v1")
	h.change(path, watcher.Created)
	assert.Len(t, h.alerts(), 1)
	assert.Equal(t, models.StateAnchored, h.file(path).State)
}

func TestCoordinator_RecreatedWithNewContent(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	h.change(path, watcher.Deleted)
	h.write("a.txt", "v3")
	h.change(path, watcher.Modified)

	alerts := h.alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertModified, alerts[0].Kind)
	assert.Equal(t, h.digestOf("v3"), h.file(path).Digest)
	assert.Equal(t, models.StateAnchored, h.file(path).State)
}

func TestCoordinator_FalseAlarm(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	h.write("a.txt", "v1")
	h.change(path, watcher.Modified)

	assert.Empty(t, h.alerts())
	assert.Zero(t, h.chain.VerifyCalls())
	assert.Equal(t, models.StateAnchored, h.file(path).State)
}

func TestCoordinator_UnreadableRegistrationIsRejected(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "missing.txt")

	_, err := h.coord.Register(h.ctx, path, "")
	assert.ErrorIs(t, err, models.ErrFileAccess)

	_, err = h.store.GetFile(h.ctx, path)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, h.source.TotalActive())

	_, err = h.coord.Register(h.ctx, "", "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCoordinator_LedgerUnreachableDuringRegistration(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	h.chain.SetReachable(false)

	f, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAnchorFailed, f.State)
	assert.True(t, f.Active)
	assert.Empty(t, f.LastError, "transient failures are not operator-facing")
	assert.True(t, h.coord.IsMonitored(path))

	records, err := h.store.ListAnchorRecords(h.ctx, path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeFailed, records[0].Outcome)

	h.chain.SetReachable(true)
	f, err = h.coord.RetryRegistration(h.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.StateAnchored, f.State)
}

func TestCoordinator_LedgerRejectionIsRecorded(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	h.chain.SetRejecting(true)

	f, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAnchorFailed, f.State)
	assert.Contains(t, f.LastError, "rejected")
	assert.Equal(t, 1, h.chain.RegisterCalls(), "permanent failures are not retried")

	h.chain.SetRejecting(false)
	f, err = h.coord.RetryRegistration(h.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.StateAnchored, f.State)
	assert.Empty(t, f.LastError)
}

func TestCoordinator_ChangeWhileLedgerDown(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	h.chain.SetReachable(false)
	h.write("a.txt", "v2")
	h.change(path, watcher.Modified)

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].LedgerVerified, "unavailable ledger still alerts, unverified")
	f := h.file(path)
	assert.Equal(t, models.StateAnchorFailed, f.State)
	assert.Equal(t, h.digestOf("v2"), f.Digest)
}

func TestCoordinator_FalseAlarmForUnanchoredFile(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	h.chain.SetReachable(false)
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	h.change(path, watcher.Modified)
	assert.Equal(t, models.StateAnchorFailed, h.file(path).State)
}

func TestCoordinator_RemoveTearsDownWatchGroups(t *testing.T) {
	h := newHarness(t)
	a := h.write("a.txt", "a")
	b := h.write("b.txt", "b")

	_, err := h.coord.Register(h.ctx, a, "")
	require.NoError(t, err)
	_, err = h.coord.Register(h.ctx, b, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.source.ActiveSubscriptions(h.dir))

	require.NoError(t, h.coord.Remove(h.ctx, a))
	assert.Equal(t, 1, h.source.ActiveSubscriptions(h.dir))
	assert.False(t, h.file(a).Active)

	require.NoError(t, h.coord.Remove(h.ctx, b))
	assert.Equal(t, 0, h.source.ActiveSubscriptions(h.dir))

	assert.ErrorIs(t, h.coord.Remove(h.ctx, b), models.ErrNotMonitored)

	records, err := h.store.ListAnchorRecords(h.ctx, a)
	require.NoError(t, err)
	assert.NotEmpty(t, records, "history is kept after removal")

	h.write("a.txt", "changed")
	h.change(a, watcher.Modified)
	assert.Empty(t, h.alerts(), "removed files are not processed")
}

func TestCoordinator_ReRegistration(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "old@example.com")
	require.NoError(t, err)

	f, err := h.coord.Register(h.ctx, path, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", f.Recipient)
	assert.Equal(t, 1, h.chain.RegisterCalls())

	require.NoError(t, h.coord.Remove(h.ctx, path))
	f, err = h.coord.Register(h.ctx, path, "new@example.com")
	require.NoError(t, err)
	assert.True(t, f.Active)
	assert.Equal(t, models.StateAnchored, f.State)
	assert.Equal(t, 1, h.chain.RegisterCalls(), "same digest reuses the confirmed registration")
	assert.Equal(t, 1, h.source.ActiveSubscriptions(h.dir))
}

func TestCoordinator_ReverifyDispute(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	d1 := h.digestOf("v1")
	_, err := h.coord.Register(h.ctx, path, "ops@example.com")
	require.NoError(t, err)

	h.chain.Tamper(path, "forged")
	outcome, err := h.coord.Reverify(h.ctx, path)
	require.NoError(t, err)
	h.dispatcher.Wait()
	assert.Equal(t, models.VerifyDisputed, outcome)

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertVerificationMismatch, alerts[0].Kind)
	assert.Equal(t, d1, alerts[0].PriorDigest)

	assert.Equal(t, models.StateAnchored, h.file(path).State)
	assert.Equal(t, 2, h.chain.RegisterCalls(), "revoked registration forces a fresh ledger write")
	onChain, _ := h.chain.Anchored(path)
	assert.Equal(t, d1, onChain)
	assert.Len(t, h.sink.Deliveries(), 1)
}

func TestCoordinator_ReverifyConfirmedOrUnavailable(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	outcome, err := h.coord.Reverify(h.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyConfirmed, outcome)
	assert.Equal(t, models.StateAnchored, h.file(path).State)

	h.chain.SetReachable(false)
	outcome, err = h.coord.Reverify(h.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyUnavailable, outcome)
	assert.Equal(t, models.StateAnchored, h.file(path).State)
	assert.Empty(t, h.alerts())

	assert.Contains(t, h.store.history(path), models.StateReconciled)
}

func TestCoordinator_ResumeInterruptedVerification(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	f, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	f.State = models.StateVerifying
	require.NoError(t, h.store.MemoryStore.UpsertFile(h.ctx, f))
	h.write("a.txt", "v2")

	require.NoError(t, h.coord.Resume(h.ctx, path))
	h.dispatcher.Wait()
	require.Len(t, h.alerts(), 1)
	f = h.file(path)
	assert.Equal(t, models.StateAnchored, f.State)
	assert.Equal(t, h.digestOf("v2"), f.Digest)
}

func TestCoordinator_ResumeRevertedFileReconciles(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	f, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	f.State = models.StateVerifying
	require.NoError(t, h.store.MemoryStore.UpsertFile(h.ctx, f))

	require.NoError(t, h.coord.Resume(h.ctx, path))
	assert.Empty(t, h.alerts())
	assert.Equal(t, models.StateAnchored, h.file(path).State)
	hist := h.store.history(path)
	assert.Equal(t, models.StateReconciled, hist[len(hist)-2])
}

func TestCoordinator_RehashFindsMissedChange(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	changed, err := h.coord.Rehash(h.ctx, path)
	require.NoError(t, err)
	assert.False(t, changed)

	h.write("a.txt", "v2")
	changed, err = h.coord.Rehash(h.ctx, path)
	require.NoError(t, err)
	assert.True(t, changed)
	h.dispatcher.Wait()
	assert.Len(t, h.alerts(), 1)
	assert.Equal(t, models.StateAnchored, h.file(path).State)
}

func TestCoordinator_AlertNotDispatchedWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v1")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	h.write("a.txt", "v2")
	h.store.FailWrites = true
	h.change(path, watcher.Modified)
	h.store.FailWrites = false

	assert.Empty(t, h.sink.Deliveries())
	assert.Equal(t, models.StateAnchored, h.file(path).State, "nothing was persisted")

	h.change(path, watcher.Modified)
	assert.Len(t, h.alerts(), 1, "the next pass raises the alert")
}

func TestCoordinator_StartResubscribesActiveFiles(t *testing.T) {
	h := newHarness(t)
	a := h.write("a.txt", "a")
	_, err := h.coord.Register(h.ctx, a, "")
	require.NoError(t, err)
	require.NoError(t, h.coord.Stop())
	assert.Zero(t, h.source.TotalActive())

	restarted := NewCoordinator(h.store, ledger.NewAnchorClient(h.chain, h.store, ledger.DefaultRetryPolicy(), zerolog.Nop()),
		h.hasher, h.source, h.dispatcher, zerolog.Nop())
	require.NoError(t, restarted.Start(h.ctx))
	defer restarted.Stop()

	assert.True(t, restarted.IsMonitored(a))
	assert.Equal(t, []string{h.dir}, restarted.WatchedDirs())
}

func TestCoordinator_StateMachineSafety(t *testing.T) {
	h := newHarness(t)
	path := h.write("a.txt", "v0")
	_, err := h.coord.Register(h.ctx, path, "")
	require.NoError(t, err)

	for i, content := range []string{"v1", "v1", "v2", "", "v3", "v3"} {
		if content == "" {
			require.NoError(t, os.Remove(path))
			h.change(path, watcher.Deleted)
			continue
		}
		h.write("a.txt", content)
		h.change(path, watcher.Modified)
		if i == 2 {
			h.chain.Tamper(path, "forged")
			_, err := h.coord.Reverify(h.ctx, path)
			require.NoError(t, err)
		}
	}

	hist := h.store.history(path)
	for i := 1; i < len(hist); i++ {
		assert.True(t, models.CanTransition(hist[i-1], hist[i]), "%s -> %s", hist[i-1], hist[i])
		if hist[i] == models.StateAlerted {
			assert.Equal(t, models.StateVerifying, hist[i-1])
		}
	}
}
