package ledger

import "context"

// Receipt is the outcome of a confirmed ledger write.
type Receipt struct {
	TxRef   string
	Success bool
}

// Contract is the external ledger surface: one write and one read-only query,
// both attributed to the single configured signing credential.
//
// Implementations return *models.LedgerError so callers can tell transient
// failures from permanent rejections.
type Contract interface {
	RegisterFile(ctx context.Context, path, digest string) (Receipt, error)
	VerifyFileIntegrity(ctx context.Context, path, digest string) (bool, error)
	// Connected reports whether the ledger endpoint currently answers.
	Connected(ctx context.Context) bool
}
