package models

import "time"

// AlertKind classifies a detected discrepancy.
type AlertKind string

const (
	AlertModified             AlertKind = "modified"
	AlertDeleted              AlertKind = "deleted"
	AlertVerificationMismatch AlertKind = "verification-mismatch"
)

// AlertEvent is an immutable record of a confirmed discrepancy.
type AlertEvent struct {
	ID             int64     `json:"id"`
	Path           string    `json:"path"`
	Kind           AlertKind `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	PriorDigest    string    `json:"prior_digest"`
	NewDigest      string    `json:"new_digest,omitempty"`
	LedgerVerified bool      `json:"ledger_verified"`
}
