package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/debounce"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
)

// Hasher computes the content digest of a file.
type Hasher interface {
	File(path string) (string, error)
}

// Anchor is the ledger surface used by the coordinator.
type Anchor interface {
	Register(ctx context.Context, path, digest string) (models.AnchorRecord, error)
	Verify(ctx context.Context, path, digest string) models.VerifyOutcome
}

// AlertDispatcher hands an alert to the delivery channel without waiting.
type AlertDispatcher interface {
	Dispatch(recipient string, alert models.AlertEvent)
}

// Coordinator owns the per-file state machine. Every operation on a path runs
// through the path serializer, so registrations, change handling and
// reconciliation never interleave on the same file.
type Coordinator struct {
	store  datastore.Store
	anchor Anchor
	hasher Hasher
	alerts AlertDispatcher
	groups *WatchGroups
	serial *PathSerializer
	logger zerolog.Logger
	now    func() time.Time

	ctxMu  sync.RWMutex
	runCtx context.Context
}

// NewCoordinator creates a Coordinator. Directory subscriptions are opened on
// source as files are registered.
func NewCoordinator(
	store datastore.Store,
	anchor Anchor,
	hasher Hasher,
	source watcher.Source,
	alerts AlertDispatcher,
	logger zerolog.Logger,
) *Coordinator {
	instanceLogger := logger.With().Str("component", "Coordinator").Logger()
	return &Coordinator{
		store:  store,
		anchor: anchor,
		hasher: hasher,
		alerts: alerts,
		groups: NewWatchGroups(source, logger),
		serial: NewPathSerializer(logger),
		logger: instanceLogger,
		now:    time.Now,
		runCtx: context.Background(),
	}
}

// Start re-subscribes every active file loaded from the store. Change events
// handled afterwards run under ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctxMu.Lock()
	c.runCtx = ctx
	c.ctxMu.Unlock()

	files, err := c.store.ListActiveFiles(ctx)
	if err != nil {
		return fmt.Errorf("load monitored files: %w", err)
	}
	for _, f := range files {
		if err := c.groups.Add(f.Path); err != nil {
			c.logger.Warn().Err(err).Str("path", f.Path).Msg("Could not watch directory, relying on reconciliation")
		}
	}
	c.logger.Info().Int("files", len(files)).Int("directories", c.groups.Subscriptions()).Msg("Coordinator started")
	return nil
}

// Stop waits for queued path work and closes every subscription.
func (c *Coordinator) Stop() error {
	c.serial.Close()
	err := c.groups.CloseAll()
	c.logger.Info().Msg("Coordinator stopped")
	return err
}

// Wait blocks until all queued change handling has finished.
func (c *Coordinator) Wait() {
	c.serial.Wait()
}

// IsMonitored reports whether events for path should reach the coordinator.
func (c *Coordinator) IsMonitored(path string) bool {
	return c.groups.IsMember(path)
}

// Subscriptions returns the number of open directory subscriptions.
func (c *Coordinator) Subscriptions() int {
	return c.groups.Subscriptions()
}

// WatchedDirs returns the directories currently subscribed.
func (c *Coordinator) WatchedDirs() []string {
	return c.groups.Dirs()
}

func (c *Coordinator) context() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.runCtx
}

// Register starts monitoring path on behalf of recipient. An unreadable file
// is rejected with a *models.FileAccessError and nothing is stored. A ledger
// failure does not fail the request: the file stays monitored in
// ANCHOR_FAILED until reconciliation anchors it.
func (c *Coordinator) Register(ctx context.Context, rawPath, recipient string) (models.MonitoredFile, error) {
	path, err := models.NormalizePath(rawPath)
	if err != nil {
		return models.MonitoredFile{}, err
	}

	var result models.MonitoredFile
	err = c.serial.Do(ctx, path, func() error {
		digest, err := c.hasher.File(path)
		if err != nil {
			return err
		}

		existing, err := c.store.GetFile(ctx, path)
		switch {
		case err == nil && existing.Active:
			if existing.Recipient != recipient {
				existing.Recipient = recipient
				existing.UpdatedAt = c.now()
				if err := c.store.UpsertFile(ctx, existing); err != nil {
					return err
				}
			}
			c.logger.Info().Str("path", path).Str("state", existing.State.String()).Msg("File already monitored")
			result = existing
			return nil
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return err
		}

		now := c.now()
		file := models.MonitoredFile{
			Path:         path,
			Digest:       digest,
			TrackedSince: now,
			Recipient:    recipient,
			State:        models.StateUnregistered,
			Active:       true,
			UpdatedAt:    now,
		}
		if err := c.moveTo(ctx, &file, models.StateRegistering); err != nil {
			return err
		}
		if err := c.groups.Add(path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Could not watch directory, relying on reconciliation")
		}
		if err := c.completeRegistration(ctx, &file); err != nil {
			return err
		}
		result = file
		return nil
	})
	if err != nil {
		return models.MonitoredFile{}, err
	}
	c.logger.Info().Str("path", path).Str("digest", result.Digest).Str("state", result.State.String()).Msg("File registered for monitoring")
	return result, nil
}

// Remove stops monitoring path. History is kept.
func (c *Coordinator) Remove(ctx context.Context, rawPath string) error {
	path, err := models.NormalizePath(rawPath)
	if err != nil {
		return err
	}
	return c.serial.Do(ctx, path, func() error {
		if _, err := c.activeFile(ctx, path); err != nil {
			return err
		}
		if err := c.store.SetActive(ctx, path, false); err != nil {
			return err
		}
		if err := c.groups.Remove(path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to close directory subscription")
		}
		c.logger.Info().Str("path", path).Msg("File removed from monitoring")
		return nil
	})
}

// HandleChange queues a coalesced change behind any other work for its path.
// It never blocks on the pipeline and is safe to use as a debounce.EmitFunc.
func (c *Coordinator) HandleChange(change debounce.Change) {
	ctx := c.context()
	path := change.Path
	queued := c.serial.Submit(path, func() {
		if err := c.processChange(ctx, path); err != nil {
			c.logger.Error().Err(err).Str("path", path).Str("kind", string(change.Kind)).Msg("Failed to handle change")
		}
	})
	if !queued {
		c.logger.Debug().Str("path", path).Msg("Dropping change after shutdown")
	}
}

// RetryRegistration re-runs registration of the stored digest for a file
// whose anchoring is missing or was interrupted. Files that are anchored, or
// in the middle of change handling, are left alone.
func (c *Coordinator) RetryRegistration(ctx context.Context, path string) (models.MonitoredFile, error) {
	var result models.MonitoredFile
	err := c.serial.Do(ctx, path, func() error {
		file, err := c.activeFile(ctx, path)
		if err != nil {
			return err
		}
		result = file

		switch file.State {
		case models.StateAnchorFailed, models.StateRegistering, models.StateUnregistered,
			models.StateAlerted, models.StateReconciled:
		case models.StateAnchored:
			anchored, err := c.isAnchored(ctx, file)
			if err != nil || anchored {
				return err
			}
			c.logger.Info().Str("path", path).Str("digest", file.Digest).Msg("Anchored file has no confirmed registration, re-anchoring")
		default:
			return nil
		}

		if err := c.anchorDigest(ctx, &file); err != nil {
			return err
		}
		result = file
		return nil
	})
	return result, err
}

// Resume finishes change handling interrupted in CHANGE_DETECTED or VERIFYING.
func (c *Coordinator) Resume(ctx context.Context, path string) error {
	return c.serial.Do(ctx, path, func() error {
		file, err := c.activeFile(ctx, path)
		if err != nil {
			return err
		}
		if file.State != models.StateChangeDetected && file.State != models.StateVerifying {
			return nil
		}
		return c.processChange(ctx, path)
	})
}

// Rehash recomputes the local digest of an anchored or anchor-failed file and
// runs change handling if it diverged from the stored digest. It reports
// whether a change was found.
func (c *Coordinator) Rehash(ctx context.Context, path string) (bool, error) {
	changed := false
	err := c.serial.Do(ctx, path, func() error {
		file, err := c.activeFile(ctx, path)
		if err != nil {
			return err
		}
		if err := c.groups.Add(path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Could not watch directory, relying on reconciliation")
		}
		if file.State != models.StateAnchored && file.State != models.StateAnchorFailed {
			return nil
		}

		digest, hashErr := c.hasher.File(path)
		if hashErr == nil && digest == file.Digest {
			return nil
		}
		changed = true
		c.logger.Info().Str("path", path).Msg("Rehash found a change the notification source missed")
		return c.processChange(ctx, path)
	})
	return changed, err
}

// Reverify asks the ledger to confirm the stored digest of an anchored file.
// A dispute raises a verification-mismatch alert and re-anchors the local
// digest; confirmed and unavailable outcomes return the file to ANCHORED.
func (c *Coordinator) Reverify(ctx context.Context, path string) (models.VerifyOutcome, error) {
	var outcome models.VerifyOutcome
	err := c.serial.Do(ctx, path, func() error {
		file, err := c.activeFile(ctx, path)
		if err != nil {
			return err
		}
		if file.State != models.StateAnchored {
			return nil
		}

		if err := c.moveTo(ctx, &file, models.StateChangeDetected); err != nil {
			return err
		}
		if err := c.moveTo(ctx, &file, models.StateVerifying); err != nil {
			return err
		}

		outcome = c.anchor.Verify(ctx, path, file.Digest)
		if outcome != models.VerifyDisputed {
			if err := c.moveTo(ctx, &file, models.StateReconciled); err != nil {
				return err
			}
			return c.moveTo(ctx, &file, models.StateAnchored)
		}

		alert := models.AlertEvent{
			Path:        path,
			Kind:        models.AlertVerificationMismatch,
			Timestamp:   c.now(),
			PriorDigest: file.Digest,
		}
		if err := c.raise(ctx, &file, alert, models.StateAlerted); err != nil {
			return err
		}
		if err := c.store.RevokeRegistration(ctx, path, file.Digest); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return c.anchorDigest(ctx, &file)
	})
	return outcome, err
}

// processChange runs one pass of the change pipeline for path. The caller
// holds the path's slot in the serializer.
func (c *Coordinator) processChange(ctx context.Context, path string) error {
	file, err := c.store.GetFile(ctx, path)
	if errors.Is(err, models.ErrNotFound) {
		c.logger.Debug().Str("path", path).Msg("Ignoring change for unknown path")
		return nil
	}
	if err != nil {
		return err
	}
	if !file.Active {
		return nil
	}

	deletionReported := false
	switch file.State {
	case models.StateAnchored, models.StateAnchorFailed:
		if err := c.moveTo(ctx, &file, models.StateChangeDetected); err != nil {
			return err
		}
	case models.StateChangeDetected:
		deletionReported = true
	case models.StateVerifying:
		c.logger.Info().Str("path", path).Msg("Resuming interrupted verification")
	default:
		c.logger.Debug().Str("path", path).Str("state", file.State.String()).Msg("Ignoring change while registration is pending")
		return nil
	}

	newDigest, hashErr := c.hasher.File(path)
	if hashErr != nil {
		if deletionReported {
			c.logger.Debug().Str("path", path).Msg("File still missing")
			return nil
		}
		c.logger.Warn().Err(hashErr).Str("path", path).Msg("Monitored file is gone")
		return c.raise(ctx, &file, models.AlertEvent{
			Path:        path,
			Kind:        models.AlertDeleted,
			Timestamp:   c.now(),
			PriorDigest: file.Digest,
		}, models.StateChangeDetected)
	}

	if newDigest == file.Digest {
		return c.settle(ctx, &file)
	}

	if file.State != models.StateVerifying {
		if err := c.moveTo(ctx, &file, models.StateVerifying); err != nil {
			return err
		}
	}
	outcome := c.anchor.Verify(ctx, path, file.Digest)
	alert := models.AlertEvent{
		Path:           path,
		Kind:           models.AlertModified,
		Timestamp:      c.now(),
		PriorDigest:    file.Digest,
		NewDigest:      newDigest,
		LedgerVerified: outcome == models.VerifyConfirmed,
	}
	file.Digest = newDigest
	if err := c.raise(ctx, &file, alert, models.StateAlerted); err != nil {
		return err
	}
	return c.anchorDigest(ctx, &file)
}

// settle returns a file whose content matches its stored digest to its
// resting state.
func (c *Coordinator) settle(ctx context.Context, file *models.MonitoredFile) error {
	anchored, err := c.isAnchored(ctx, *file)
	if err != nil {
		return err
	}

	if file.State == models.StateVerifying {
		if err := c.moveTo(ctx, file, models.StateReconciled); err != nil {
			return err
		}
		if !anchored {
			return c.anchorDigest(ctx, file)
		}
		return c.moveTo(ctx, file, models.StateAnchored)
	}

	next := models.StateAnchorFailed
	if anchored {
		next = models.StateAnchored
	}
	c.logger.Debug().Str("path", file.Path).Str("state", next.String()).Msg("Content unchanged, ignoring event")
	return c.moveTo(ctx, file, next)
}

// raise stores alert together with the file moved to next, then hands the
// alert to the dispatcher. Nothing is dispatched unless the store accepted it.
func (c *Coordinator) raise(ctx context.Context, file *models.MonitoredFile, alert models.AlertEvent, next models.FileState) error {
	if err := c.transition(file, next); err != nil {
		return err
	}
	stored, err := c.store.RecordAlert(ctx, alert, *file)
	if err != nil {
		return fmt.Errorf("record %s alert for %s: %w", alert.Kind, file.Path, err)
	}
	c.logger.Warn().
		Str("path", file.Path).
		Str("kind", string(stored.Kind)).
		Str("prior_digest", stored.PriorDigest).
		Str("new_digest", stored.NewDigest).
		Bool("ledger_verified", stored.LedgerVerified).
		Msg("Integrity alert raised")
	if c.alerts != nil {
		c.alerts.Dispatch(file.Recipient, stored)
	}
	return nil
}

// anchorDigest moves file to REGISTERING and registers its stored digest.
func (c *Coordinator) anchorDigest(ctx context.Context, file *models.MonitoredFile) error {
	if err := c.moveTo(ctx, file, models.StateRegistering); err != nil {
		return err
	}
	return c.completeRegistration(ctx, file)
}

// completeRegistration calls the ledger for a file already in REGISTERING.
// Only store and transition failures are returned; a ledger failure leaves
// the file in ANCHOR_FAILED.
func (c *Coordinator) completeRegistration(ctx context.Context, file *models.MonitoredFile) error {
	next := models.StateAnchored
	_, regErr := c.anchor.Register(ctx, file.Path, file.Digest)
	switch {
	case regErr == nil:
		file.LastError = ""
	case errors.Is(regErr, models.ErrLedgerRejected):
		next = models.StateAnchorFailed
		file.LastError = regErr.Error()
		c.logger.Error().Err(regErr).Str("path", file.Path).Msg("Ledger rejected registration")
	default:
		next = models.StateAnchorFailed
		c.logger.Warn().Err(regErr).Str("path", file.Path).Msg("Registration failed, will retry on reconciliation")
	}
	return c.moveTo(context.WithoutCancel(ctx), file, next)
}

func (c *Coordinator) isAnchored(ctx context.Context, file models.MonitoredFile) (bool, error) {
	_, err := c.store.FindConfirmedRegistration(ctx, file.Path, file.Digest)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *Coordinator) activeFile(ctx context.Context, path string) (models.MonitoredFile, error) {
	file, err := c.store.GetFile(ctx, path)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !file.Active) {
		return models.MonitoredFile{}, fmt.Errorf("%w: %s", models.ErrNotMonitored, path)
	}
	return file, err
}

// transition applies a legal state change to file in memory.
func (c *Coordinator) transition(file *models.MonitoredFile, to models.FileState) error {
	if !models.CanTransition(file.State, to) {
		return &models.TransitionError{Path: file.Path, From: file.State, To: to}
	}
	if file.State != to {
		c.logger.Debug().Str("path", file.Path).Str("from", file.State.String()).Str("to", to.String()).Msg("State transition")
	}
	file.State = to
	file.UpdatedAt = c.now()
	return nil
}

// moveTo applies and persists a state change.
func (c *Coordinator) moveTo(ctx context.Context, file *models.MonitoredFile, to models.FileState) error {
	if err := c.transition(file, to); err != nil {
		return err
	}
	return c.store.UpsertFile(ctx, *file)
}
