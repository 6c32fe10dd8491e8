package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger records transfers in memory and can be told to fail.
type MemoryLedger struct {
	mu        sync.Mutex
	transfers []Request
	failures  []error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// FailNext queues an error returned by the next Transfer call.
func (m *MemoryLedger) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// Transfer records the request, or returns the next queued failure.
func (m *MemoryLedger) Transfer(ctx context.Context, req Request) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	if req.To == "" {
		return nil, ErrInvalidRecipient
	}
	m.transfers = append(m.transfers, req)
	return &Receipt{
		TxHash: fmt.Sprintf("mem-%d", len(m.transfers)),
		Time:   time.Now(),
	}, nil
}

// Transfers returns a copy of all successful transfers in order.
func (m *MemoryLedger) Transfers() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.transfers))
	copy(out, m.transfers)
	return out
}

var _ Ledger = (*MemoryLedger)(nil)
