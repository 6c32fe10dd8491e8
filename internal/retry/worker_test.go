package retry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/hashlock"
	"github.com/Klingon-tech/escrowd/internal/ledger"
	"github.com/Klingon-tech/escrowd/internal/timelock"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

type fixture struct {
	store  *escrow.MemoryStore
	ledger *ledger.MemoryLedger
	clock  *escrow.ManualClock
	engine *escrow.Engine
	worker *Worker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  escrow.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		clock:  escrow.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	f.engine = escrow.NewEngine(f.store, f.ledger,
		escrow.WithClock(f.clock), escrow.WithLogger(logging.Discard()))
	cfg.Clock = f.clock
	f.worker = NewWorker(f.store, f.engine, cfg)
	f.worker.log = logging.Discard()
	return f
}

// failedWithdrawal creates an escrow and withdraws it with the ledger down.
func (f *fixture) failedWithdrawal(t *testing.T, name string) string {
	t.Helper()
	secret := hashlock.SecretFromString(name)
	imm := escrow.Immutables{
		OrderHash: common.HexToHash("0x" + strings.Repeat("33", 32)),
		Hashlock:  hashlock.Hash(secret),
		Timelocks: timelock.Encode([timelock.NumStages]uint32{0, 0, 0, 0, 0, 60, 3600}, 0),
	}
	imm.Amount.SetUint64(250)
	ctx := context.Background()
	id, err := f.engine.Create(ctx, escrow.CreateParams{Immutables: imm, Recipient: "taker"})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	f.ledger.FailNext(errors.New("ledger down"))
	if err := f.engine.Withdraw(ctx, id, secret, escrow.Restricted); !escrow.IsTransferFailure(err) {
		t.Fatalf("Withdraw error = %v, want transfer failure", err)
	}
	return id
}

func TestBackoff(t *testing.T) {
	w := NewWorker(escrow.NewMemoryStore(), nil, Config{
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  time.Minute,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{10, time.Minute},
	}
	for _, tt := range tests {
		if got := w.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProcessRetriesWaitsForBackoff(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: 10 * time.Second})
	id := f.failedWithdrawal(t, "backoff")
	ctx := context.Background()

	if n := f.worker.ProcessRetries(ctx); n != 0 {
		t.Errorf("ProcessRetries before backoff = %d, want 0", n)
	}

	f.clock.Advance(10 * time.Second)
	if n := f.worker.ProcessRetries(ctx); n != 1 {
		t.Fatalf("ProcessRetries = %d, want 1", n)
	}

	got := f.ledger.Transfers()
	if len(got) != 1 || got[0].Reference != id || got[0].Amount != 250 {
		t.Errorf("transfers = %+v, want one payout of 250 for %s", got, id)
	}
	if n := f.worker.ProcessRetries(ctx); n != 0 {
		t.Errorf("ProcessRetries after success = %d, want 0", n)
	}
}

func TestProcessRetriesGivesUp(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: time.Second, MaxBackoff: time.Second, MaxAttempts: 2})
	id := f.failedWithdrawal(t, "give up")
	ctx := context.Background()

	var (
		mu      sync.Mutex
		results []Result
	)
	f.worker.OnResult(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	f.ledger.FailNext(errors.New("still down"))
	f.clock.Advance(time.Second)
	if n := f.worker.ProcessRetries(ctx); n != 1 {
		t.Fatalf("ProcessRetries = %d, want 1", n)
	}

	f.clock.Advance(time.Hour)
	if n := f.worker.ProcessRetries(ctx); n != 0 {
		t.Errorf("ProcessRetries after max attempts = %d, want 0", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.EscrowID != id || r.Attempt != 2 || !escrow.IsTransferFailure(r.Err) {
		t.Errorf("result = %+v, want failed attempt 2 for %s", r, id)
	}
	if r.Kind != escrow.TransferWithdraw {
		t.Errorf("Kind = %s, want %s", r.Kind, escrow.TransferWithdraw)
	}
}

func TestProcessRetriesBatchSize(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: time.Second, BatchSize: 1})
	f.failedWithdrawal(t, "one")
	f.failedWithdrawal(t, "two")
	f.clock.Advance(time.Second)

	ctx := context.Background()
	if n := f.worker.ProcessRetries(ctx); n != 1 {
		t.Errorf("first poll = %d, want 1", n)
	}
	if n := f.worker.ProcessRetries(ctx); n != 1 {
		t.Errorf("second poll = %d, want 1", n)
	}
	if got := len(f.ledger.Transfers()); got != 2 {
		t.Errorf("transfers = %d, want 2", got)
	}
}

func TestWorkerStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond, BaseBackoff: time.Second})
	f.failedWithdrawal(t, "loop")
	f.clock.Advance(time.Second)

	done := make(chan struct{})
	f.worker.OnResult(func(r Result) {
		if r.Err == nil {
			close(done)
		}
	})

	f.worker.Start(context.Background())
	f.worker.Start(context.Background())
	defer f.worker.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry the transfer")
	}
	f.worker.Stop()
	f.worker.Stop()
}
