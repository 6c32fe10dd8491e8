package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLedger(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if _, err := m.Transfer(ctx, Request{To: "alice", Amount: 10}); err != nil {
		t.Fatalf("Transfer error = %v", err)
	}

	boom := errors.New("boom")
	m.FailNext(boom)
	if _, err := m.Transfer(ctx, Request{To: "bob", Amount: 5}); !errors.Is(err, boom) {
		t.Errorf("Transfer error = %v, want boom", err)
	}

	r, err := m.Transfer(ctx, Request{To: "bob", Amount: 5, Ledger: "tok"})
	if err != nil {
		t.Fatalf("Transfer error = %v", err)
	}
	if r.TxHash != "mem-2" {
		t.Errorf("TxHash = %s, want mem-2", r.TxHash)
	}

	got := m.Transfers()
	if len(got) != 2 {
		t.Fatalf("len(Transfers) = %d, want 2", len(got))
	}
	if got[0].To != "alice" || !got[0].Native() || got[1].Native() {
		t.Errorf("Transfers = %+v", got)
	}

	if _, err := m.Transfer(ctx, Request{Amount: 1}); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("empty recipient error = %v", err)
	}
}

func TestMemoryLedgerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryLedger().Transfer(ctx, Request{To: "a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Transfer error = %v, want context.Canceled", err)
	}
}

func TestLogLedger(t *testing.T) {
	l := NewLogLedger()
	if _, err := l.Transfer(context.Background(), Request{To: "alice", Amount: 1}); err != nil {
		t.Errorf("Transfer error = %v", err)
	}
	if _, err := l.Transfer(context.Background(), Request{}); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("Transfer error = %v, want ErrInvalidRecipient", err)
	}
}
