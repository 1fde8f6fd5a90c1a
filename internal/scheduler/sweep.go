package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/google/uuid"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	ID         string
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Files      int
	Retried    int
	Anchored   int
	Resumed    int
	Changed    int
	Reverified int
	Disputed   int
	Err        error
}

type sweepCounters struct {
	mu     sync.Mutex
	report *SweepReport
	errs   models.ErrorCollector
}

func (c *sweepCounters) add(fn func(r *SweepReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.report)
}

func (c *sweepCounters) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs.Add(err)
}

// RunOnce performs one sweep over every active file and returns its report.
// Failures on one file never stop the sweep.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) SweepReport {
	report := SweepReport{ID: uuid.NewString(), Trigger: trigger, StartedAt: s.now()}
	logger := s.logger.With().Str("sweep_id", report.ID).Str("trigger", trigger).Logger()

	files, err := s.store.ListActiveFiles(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list monitored files for reconciliation")
		report.Err = fmt.Errorf("list active files: %w", err)
		report.FinishedAt = s.now()
		s.setLastReport(report)
		return report
	}
	report.Files = len(files)

	counters := &sweepCounters{report: &report}
	jobs := make(chan models.MonitoredFile)
	var workers sync.WaitGroup
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for f := range jobs {
				if err := s.reconcileFile(ctx, f, counters); err != nil && !errors.Is(err, models.ErrNotMonitored) {
					logger.Warn().Err(err).Str("path", f.Path).Msg("Reconciliation failed for file")
					counters.fail(fmt.Errorf("%s: %w", f.Path, err))
				}
			}
		}()
	}

dispatch:
	for _, f := range files {
		select {
		case jobs <- f:
		case <-ctx.Done():
			counters.fail(ctx.Err())
			break dispatch
		}
	}
	close(jobs)
	workers.Wait()

	report.Err = counters.errs.Error()
	report.FinishedAt = s.now()
	s.setLastReport(report)

	event := logger.Info()
	if report.Err != nil {
		event = logger.Warn().Err(report.Err)
	}
	event.
		Int("files", report.Files).
		Int("retried", report.Retried).
		Int("anchored", report.Anchored).
		Int("resumed", report.Resumed).
		Int("changed", report.Changed).
		Int("reverified", report.Reverified).
		Int("disputed", report.Disputed).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Reconciliation sweep finished")
	return report
}

// reconcileFile brings one file back to a resting state: interrupted change
// handling is resumed, missing anchors are retried, local content is
// rehashed and stale anchors are re-verified.
func (s *Scheduler) reconcileFile(ctx context.Context, f models.MonitoredFile, counters *sweepCounters) error {
	switch f.State {
	case models.StateChangeDetected, models.StateVerifying:
		if err := s.coord.Resume(ctx, f.Path); err != nil {
			return err
		}
		counters.add(func(r *SweepReport) { r.Resumed++ })
	default:
		if f.State != models.StateAnchored {
			counters.add(func(r *SweepReport) { r.Retried++ })
		}
		updated, err := s.coord.RetryRegistration(ctx, f.Path)
		if err != nil {
			return err
		}
		if f.State != models.StateAnchored && updated.State == models.StateAnchored {
			counters.add(func(r *SweepReport) { r.Anchored++ })
		}
	}

	if s.cfg.RehashOnSweep {
		changed, err := s.coord.Rehash(ctx, f.Path)
		if err != nil {
			return err
		}
		if changed {
			counters.add(func(r *SweepReport) { r.Changed++ })
		}
	}

	return s.reverifyIfStale(ctx, f.Path, counters)
}

func (s *Scheduler) reverifyIfStale(ctx context.Context, path string, counters *sweepCounters) error {
	if s.cfg.StalenessThreshold <= 0 {
		return nil
	}
	f, err := s.store.GetFile(ctx, path)
	if err != nil {
		return err
	}
	if !f.Active || f.State != models.StateAnchored {
		return nil
	}

	last, err := s.store.LastConfirmation(ctx, path, f.Digest)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return err
	case s.now().Sub(last.LastAttemptAt) < s.cfg.StalenessThreshold:
		return nil
	}

	outcome, err := s.coord.Reverify(ctx, path)
	if err != nil {
		return err
	}
	counters.add(func(r *SweepReport) {
		r.Reverified++
		if outcome == models.VerifyDisputed {
			r.Disputed++
		}
	})
	return nil
}
