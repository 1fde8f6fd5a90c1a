package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aleister1102/anchorwatch/internal/models"
)

// MemoryLedger is an in-process Contract used for tests and dry runs.
// Failures can be scripted to exercise retry and reconciliation paths.
type MemoryLedger struct {
	mu          sync.Mutex
	digests     map[string]string
	unreachable bool
	reject      bool
	failNext    int
	txCounter   int64

	registerCalls atomic.Int64
	verifyCalls   atomic.Int64
}

var _ Contract = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty, reachable ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{digests: make(map[string]string)}
}

// SetReachable toggles whether calls fail with a transient error.
func (m *MemoryLedger) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = !ok
}

// SetRejecting toggles whether writes fail with a permanent error.
func (m *MemoryLedger) SetRejecting(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

// FailNext makes the next n calls fail with a transient error.
func (m *MemoryLedger) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Tamper overwrites the anchored digest for path, as a compromised replica would.
func (m *MemoryLedger) Tamper(path, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digests[path] = digest
}

// Anchored returns the digest the ledger holds for path.
func (m *MemoryLedger) Anchored(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.digests[path]
	return d, ok
}

// RegisterCalls returns the number of RegisterFile invocations.
func (m *MemoryLedger) RegisterCalls() int { return int(m.registerCalls.Load()) }

// VerifyCalls returns the number of VerifyFileIntegrity invocations.
func (m *MemoryLedger) VerifyCalls() int { return int(m.verifyCalls.Load()) }

func (m *MemoryLedger) transientFailure(op, path string) error {
	if m.unreachable {
		return models.NewLedgerUnreachable(op, path, errors.New("connection refused"))
	}
	if m.failNext > 0 {
		m.failNext--
		return models.NewLedgerUnreachable(op, path, errors.New("i/o timeout"))
	}
	return nil
}

func (m *MemoryLedger) RegisterFile(ctx context.Context, path, digest string) (Receipt, error) {
	m.registerCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return Receipt{}, models.NewLedgerUnreachable("register", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transientFailure("register", path); err != nil {
		return Receipt{}, err
	}
	if m.reject {
		return Receipt{}, models.NewLedgerRejected("register", path, errors.New("execution reverted"))
	}
	m.txCounter++
	m.digests[path] = digest
	return Receipt{TxRef: fmt.Sprintf("0x%064x", m.txCounter), Success: true}, nil
}

func (m *MemoryLedger) VerifyFileIntegrity(ctx context.Context, path, digest string) (bool, error) {
	m.verifyCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, models.NewLedgerUnreachable("verify", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transientFailure("verify", path); err != nil {
		return false, err
	}
	return m.digests[path] == digest, nil
}

func (m *MemoryLedger) Connected(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unreachable
}
