package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/rs/zerolog"
)

// DefaultWorkerCount is the number of files reconciled concurrently when not configured.
const DefaultWorkerCount = 4

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("reconciliation scheduler already running")

// Reconciler is the per-file repair surface of the coordinator.
type Reconciler interface {
	RetryRegistration(ctx context.Context, path string) (models.MonitoredFile, error)
	Resume(ctx context.Context, path string) error
	Rehash(ctx context.Context, path string) (bool, error)
	Reverify(ctx context.Context, path string) (models.VerifyOutcome, error)
}

// Config controls the reconciliation sweep.
type Config struct {
	Interval time.Duration
	// StalenessThreshold is the age after which an anchored digest is
	// re-verified against the ledger. Zero disables re-verification.
	StalenessThreshold time.Duration
	// RehashOnSweep recomputes local digests to catch missed notifications.
	RehashOnSweep bool
	MaxConcurrent int
}

// Scheduler periodically repairs files whose anchoring failed or was
// interrupted and re-verifies stale anchors.
type Scheduler struct {
	cfg    Config
	store  datastore.Store
	coord  Reconciler
	logger zerolog.Logger
	now    func() time.Time

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
	stopOnce  sync.Once

	reportMu   sync.RWMutex
	lastReport *SweepReport
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, store datastore.Store, coord Reconciler, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultWorkerCount
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		coord:    coord,
		logger:   logger.With().Str("component", "ReconciliationScheduler").Logger(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs an immediate sweep and then one sweep per interval until Stop
// is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Error().Dur("configured_interval", s.cfg.Interval).Msg("Reconciliation interval is not configured or invalid")
		return errors.New("reconciliation interval must be positive")
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.isRunning = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.RunOnce(ctx, "initial")
		s.runTicker(ctx, ticker)
	}()
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("staleness_threshold", s.cfg.StalenessThreshold).Msg("Reconciliation scheduler started")
	return nil
}

func (s *Scheduler) runTicker(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx, "periodic")
		case <-s.stopChan:
			s.logger.Info().Msg("Reconciliation ticker received stop signal")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("Reconciliation ticker received context cancellation")
			return
		}
	}
}

// Stop signals the sweep loop and waits for the running sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping reconciliation scheduler...")
		close(s.stopChan)
		s.wg.Wait()

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		s.logger.Info().Msg("Reconciliation scheduler stopped")
	})
}

// LastReport returns the report of the most recent sweep.
func (s *Scheduler) LastReport() (SweepReport, bool) {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.lastReport == nil {
		return SweepReport{}, false
	}
	return *s.lastReport, true
}

func (s *Scheduler) setLastReport(r SweepReport) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.lastReport = &r
}
