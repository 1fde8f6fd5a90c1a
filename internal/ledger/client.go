package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how a ledger call is retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout is the total budget for one logical call, retries included.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when no configuration is given.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		CallTimeout:     2 * time.Minute,
	}
}

// AnchorClient performs idempotent registration and verification against the
// ledger and records every attempt in the store.
type AnchorClient struct {
	contract Contract
	store    datastore.Store
	policy   RetryPolicy
	logger   zerolog.Logger
}

// NewAnchorClient creates an AnchorClient.
func NewAnchorClient(contract Contract, store datastore.Store, policy RetryPolicy, logger zerolog.Logger) *AnchorClient {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = def.CallTimeout
	}
	return &AnchorClient{
		contract: contract,
		store:    store,
		policy:   policy,
		logger:   logger.With().Str("component", "AnchorClient").Logger(),
	}
}

// Register anchors digest for path. When the pair holds the current confirmed
// registration for path it is returned without a ledger write. On failure the
// returned record carries outcome failed and the error is a *models.LedgerError
// or a persistence error.
func (c *AnchorClient) Register(ctx context.Context, path, digest string) (models.AnchorRecord, error) {
	existing, err := c.store.FindConfirmedRegistration(ctx, path, digest)
	if err == nil {
		c.logger.Debug().Str("path", path).Str("digest", digest).Int64("record_id", existing.ID).Msg("Digest already anchored, skipping ledger write")
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.AnchorRecord{}, err
	}

	priorAttempts := 0
	if prev, err := c.store.LatestAnchorRecord(ctx, path, digest, models.OperationRegister); err == nil && prev.Outcome == models.OutcomeFailed {
		priorAttempts = prev.Attempts
	}

	rec, err := c.store.AppendAnchorRecord(ctx, models.AnchorRecord{
		Path:      path,
		Digest:    digest,
		Operation: models.OperationRegister,
		Outcome:   models.OutcomePending,
		Attempts:  priorAttempts,
	})
	if err != nil {
		return models.AnchorRecord{}, err
	}

	var receipt Receipt
	attempts, callErr := c.retry(ctx, "register", path, func(callCtx context.Context) error {
		r, err := c.contract.RegisterFile(callCtx, path, digest)
		if r.TxRef != "" {
			receipt = r
		}
		if err != nil {
			return err
		}
		if !r.Success {
			return models.NewLedgerRejected("register", path, fmt.Errorf("transaction %s reverted", r.TxRef))
		}
		return nil
	})

	rec.Attempts = priorAttempts + attempts
	rec.LastAttemptAt = time.Now()
	if callErr != nil {
		rec.Outcome = models.OutcomeFailed
		rec.TxRef = receipt.TxRef
		rec.Error = callErr.Error()
		if err := c.store.UpdateAnchorRecord(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Error().Err(err).Str("path", path).Msg("Failed to persist failed anchor record")
		}
		c.logger.Warn().Err(callErr).Str("path", path).Str("digest", digest).Int("attempts", rec.Attempts).Msg("Ledger registration failed")
		return rec, callErr
	}

	rec.Outcome = models.OutcomeConfirmed
	rec.TxRef = receipt.TxRef
	rec.Error = ""
	// The ledger now maps path to digest, so earlier confirmed registrations
	// of other digests no longer describe it.
	if err := c.store.ConfirmRegistration(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error().Err(err).Str("path", path).Str("tx", receipt.TxRef).Msg("Ledger confirmed registration but the record could not be stored")
		return rec, err
	}
	c.logger.Info().Str("path", path).Str("digest", digest).Str("tx", receipt.TxRef).Int("attempts", rec.Attempts).Msg("Digest anchored on ledger")
	return rec, nil
}

// Verify asks the ledger whether digest is the anchored value for path.
// Ledger failures, transient or permanent, yield VerifyUnavailable.
func (c *AnchorClient) Verify(ctx context.Context, path, digest string) models.VerifyOutcome {
	var matched bool
	attempts, callErr := c.retry(ctx, "verify", path, func(callCtx context.Context) error {
		ok, err := c.contract.VerifyFileIntegrity(callCtx, path, digest)
		if err != nil {
			return err
		}
		matched = ok
		return nil
	})

	rec := models.AnchorRecord{
		Path:          path,
		Digest:        digest,
		Operation:     models.OperationVerify,
		Attempts:      attempts,
		LastAttemptAt: time.Now(),
	}
	outcome := models.VerifyUnavailable
	switch {
	case callErr != nil:
		rec.Outcome = models.OutcomeFailed
		rec.Error = callErr.Error()
		c.logger.Warn().Err(callErr).Str("path", path).Msg("Ledger verification unavailable")
	case matched:
		rec.Outcome = models.OutcomeConfirmed
		outcome = models.VerifyConfirmed
	default:
		rec.Outcome = models.OutcomeFailed
		rec.Error = "ledger holds a different digest"
		outcome = models.VerifyDisputed
		c.logger.Warn().Str("path", path).Str("digest", digest).Msg("Ledger disputes digest")
	}

	if _, err := c.store.AppendAnchorRecord(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("Failed to persist verify record")
	}
	return outcome
}

// Connected reports ledger reachability for health checks.
func (c *AnchorClient) Connected(ctx context.Context) bool {
	return c.contract.Connected(ctx)
}

// retry runs call under the policy's total time budget, retrying transient
// ledger errors with exponential backoff. It returns the number of calls made.
func (c *AnchorClient) retry(ctx context.Context, op, path string, call func(context.Context) error) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		err := call(callCtx)
		if err == nil {
			return nil
		}
		lastErr = classify(op, path, err)
		if errors.Is(lastErr, models.ErrLedgerRejected) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), callCtx),
		func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("op", op).Str("path", path).Int("attempt", attempts).Dur("retry_in", next).Msg("Retrying ledger call")
		})
	if err == nil {
		return attempts, nil
	}
	if lastErr != nil {
		return attempts, lastErr
	}
	return attempts, models.NewLedgerUnreachable(op, path, err)
}

// classify makes sure every error leaving the client is a *models.LedgerError.
func classify(op, path string, err error) error {
	var le *models.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return models.NewLedgerUnreachable(op, path, err)
}
