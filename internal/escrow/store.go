package escrow

import (
	"fmt"
	"sync"
	"time"
)

// Store holds escrow records. Implementations must make Update atomic with
// respect to every other call for the same id: fn sees the current record
// and its changes are persisted only if it returns nil.
type Store interface {
	// NextID allocates a fresh, never reused escrow identifier.
	NextID() (string, error)
	Insert(st *State) error
	// Get returns a copy of the record or ErrNotFound.
	Get(id string) (*State, error)
	// Update mutates a record under exclusive access and returns the
	// updated copy.
	Update(id string, fn func(st *State) error) (*State, error)
	// List returns copies of all records in insertion order.
	List() ([]*State, error)
}

// TransferKind distinguishes releases from refunds.
type TransferKind string

const (
	TransferWithdraw TransferKind = "withdraw"
	TransferRefund   TransferKind = "refund"
)

// TransferStatus is the outcome of one ledger call.
type TransferStatus string

const (
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
)

// TransferRecord journals one ledger call made for an escrow.
type TransferRecord struct {
	ID        string
	EscrowID  string
	Kind      TransferKind
	Ledger    string
	To        string
	Amount    uint64
	Status    TransferStatus
	Error     string
	TxHash    string
	Attempt   int
	CreatedAt time.Time
}

// TransferJournal is implemented by stores that keep a transfer history.
type TransferJournal interface {
	RecordTransfer(rec *TransferRecord) error
	// Transfers returns the records of one escrow, oldest first.
	Transfers(escrowID string) ([]*TransferRecord, error)
}

// FormatID renders the n-th escrow identifier.
func FormatID(n uint64) string {
	return fmt.Sprintf("escrow_%d", n)
}

// MemoryStore is an in-process Store and TransferJournal.
type MemoryStore struct {
	mu        sync.Mutex
	counter   uint64
	order     []string
	records   map[string]*State
	transfers map[string][]*TransferRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*State),
		transfers: make(map[string][]*TransferRecord),
	}
}

func (m *MemoryStore) NextID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return FormatID(m.counter), nil
}

func (m *MemoryStore) Insert(st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[st.ID]; exists {
		return fmt.Errorf("escrow %s already exists", st.ID)
	}
	m.records[st.ID] = st.Clone()
	m.order = append(m.order, st.ID)
	return nil
}

func (m *MemoryStore) Get(id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Update(id string, fn func(st *State) error) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.records[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) List() ([]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) RecordTransfer(rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rec
	m.transfers[rec.EscrowID] = append(m.transfers[rec.EscrowID], &r)
	return nil
}

func (m *MemoryStore) Transfers(escrowID string) ([]*TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.transfers[escrowID]
	out := make([]*TransferRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	return out, nil
}

// FailedTransfers returns the latest record of every escrow whose most
// recent transfer failed with fewer than maxAttempts attempts (0 = no limit).
func (m *MemoryStore) FailedTransfers(maxAttempts int) ([]*TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TransferRecord
	for _, id := range m.order {
		recs := m.transfers[id]
		if len(recs) == 0 {
			continue
		}
		last := recs[len(recs)-1]
		if last.Status != TransferFailed || (maxAttempts > 0 && last.Attempt >= maxAttempts) {
			continue
		}
		c := *last
		out = append(out, &c)
	}
	return out, nil
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ TransferJournal = (*MemoryStore)(nil)
)
