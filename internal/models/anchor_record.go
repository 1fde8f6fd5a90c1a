package models

import "time"

// AnchorOperation is the kind of ledger call an AnchorRecord represents.
type AnchorOperation string

const (
	OperationRegister AnchorOperation = "register"
	OperationVerify   AnchorOperation = "verify"
)

// AnchorOutcome is the result of a ledger attempt.
type AnchorOutcome string

const (
	OutcomePending   AnchorOutcome = "pending"
	OutcomeConfirmed AnchorOutcome = "confirmed"
	OutcomeFailed    AnchorOutcome = "failed"
	// OutcomeRevoked marks a confirmed registration the ledger later disputed.
	OutcomeRevoked AnchorOutcome = "revoked"
)

// AnchorRecord is one logical registration or verification attempt against the ledger.
type AnchorRecord struct {
	ID            int64           `json:"id"`
	Path          string          `json:"path"`
	Digest        string          `json:"digest"`
	Operation     AnchorOperation `json:"operation"`
	Outcome       AnchorOutcome   `json:"outcome"`
	TxRef         string          `json:"tx_ref,omitempty"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	Error         string          `json:"error,omitempty"`
}

// IsConfirmedRegistration reports whether the record proves the digest is anchored.
func (r AnchorRecord) IsConfirmedRegistration() bool {
	return r.Operation == OperationRegister && r.Outcome == OutcomeConfirmed
}

// VerifyOutcome is the three-way result of a ledger verification.
type VerifyOutcome string

const (
	VerifyConfirmed   VerifyOutcome = "confirmed"
	VerifyDisputed    VerifyOutcome = "disputed"
	VerifyUnavailable VerifyOutcome = "unavailable"
)
