package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
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

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	tmpDir := t.TempDir()
	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, tmpDir
}

func testState(t *testing.T, s *Storage) *escrow.State {
	t.Helper()
	id, err := s.NextID()
	if err != nil {
		t.Fatalf("NextID() error = %v", err)
	}
	maker, _ := escrow.ParseAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	token, _ := escrow.ParseAddress("0x" + strings.Repeat("ab", 20))
	st := &escrow.State{
		ID: id,
		Immutables: escrow.Immutables{
			OrderHash: common.HexToHash("0x" + strings.Repeat("11", 32)),
			Hashlock:  common.HexToHash("0x" + strings.Repeat("22", 32)),
			Maker:     maker,
			Token:     token,
			Timelocks: timelock.Encode([timelock.NumStages]uint32{10, 120, 121, 150, 5, 95, 3600}, 1_700_000_000),
		},
		Recipient:          "taker-account",
		Ledger:             "ckbtc",
		DeployedAt:         1_700_000_000,
		CounterpartChainID: 84532,
		CounterpartAddress: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		AutoWithdraw:       true,
		CreatedAt:          time.Unix(1_700_000_000, 0),
	}
	if err := st.Immutables.Amount.SetFromDecimal("340282366920938463463374607431768211456"); err != nil {
		t.Fatal(err)
	}
	st.Immutables.SafetyDeposit.SetUint64(1_000_000)
	return st
}

func TestNew(t *testing.T) {
	store, tmpDir := newTestStorage(t)

	dbPath := filepath.Join(tmpDir, DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}

	for _, table := range []string{"settings", "escrows", "transfers"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.escrowd"), filepath.Join(home, ".escrowd"); got != want {
		t.Errorf("expandPath(~/.escrowd) = %s, want %s", got, want)
	}
	if got := expandPath("/var/lib/escrowd"); got != "/var/lib/escrowd" {
		t.Errorf("expandPath(absolute) = %s, want unchanged", got)
	}
}

func TestNextIDPersists(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"escrow_1", "escrow_2"} {
		got, err := store.NextID()
		if err != nil {
			t.Fatalf("NextID() error = %v", err)
		}
		if got != want {
			t.Errorf("NextID() #%d = %s, want %s", i, got, want)
		}
	}
	store.Close()

	reopened, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got, _ := reopened.NextID(); got != "escrow_3" {
		t.Errorf("NextID() after reopen = %s, want escrow_3", got)
	}
}

func TestInsertGet(t *testing.T) {
	store, _ := newTestStorage(t)
	want := testState(t, store)

	if err := store.Insert(want); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.Insert(want); err == nil {
		t.Error("Insert() duplicate id expected error")
	}

	got, err := store.Get(want.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get() = %+v\nwant %+v", got, want)
	}

	if _, err := store.Get("escrow_404"); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	store, _ := newTestStorage(t)
	st := testState(t, store)
	if err := store.Insert(st); err != nil {
		t.Fatal(err)
	}

	secret := common.HexToHash("0x" + strings.Repeat("33", 32))
	updated, err := store.Update(st.ID, func(s *escrow.State) error {
		s.Withdrawn = true
		s.Secret = &secret
		s.AutoWithdraw = false
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !updated.Withdrawn || updated.Secret == nil || *updated.Secret != secret {
		t.Errorf("Update() returned %+v, want withdrawn with secret", updated)
	}

	got, _ := store.Get(st.ID)
	if !got.Withdrawn || got.AutoWithdraw || got.Secret == nil || *got.Secret != secret {
		t.Errorf("Get() after Update = %+v, want persisted changes", got)
	}

	reject := errors.New("reject")
	_, err = store.Update(st.ID, func(s *escrow.State) error {
		s.Cancelled = true
		return reject
	})
	if !errors.Is(err, reject) {
		t.Errorf("Update() error = %v, want %v", err, reject)
	}
	if got, _ := store.Get(st.ID); got.Cancelled {
		t.Error("Update() persisted changes from a failed callback")
	}

	if _, err := store.Update("escrow_404", func(*escrow.State) error { return nil }); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSerializes(t *testing.T) {
	store, _ := newTestStorage(t)
	st := testState(t, store)
	if err := store.Insert(st); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(st.ID, func(s *escrow.State) error {
				if s.Withdrawn {
					return escrow.ErrAlreadyWithdrawn
				}
				s.Withdrawn = true
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("successful withdrawals = %d, want 1", wins)
	}
}

func TestList(t *testing.T) {
	store, _ := newTestStorage(t)

	for i := 0; i < 3; i++ {
		if err := store.Insert(testState(t, store)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Update("escrow_2", func(s *escrow.State) error {
		s.Cancelled = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(all))
	}
	for i, st := range all {
		if want := escrow.FormatID(uint64(i + 1)); st.ID != want {
			t.Errorf("List()[%d].ID = %s, want %s", i, st.ID, want)
		}
	}
	if all[1].Status() != escrow.StatusCancelled {
		t.Errorf("List()[1].Status() = %s, want cancelled", all[1].Status())
	}
}

func TestTransferJournal(t *testing.T) {
	store, _ := newTestStorage(t)
	st := testState(t, store)
	if err := store.Insert(st); err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1_700_000_100, 0)
	recs := []*escrow.TransferRecord{
		{ID: "t1", EscrowID: st.ID, Kind: escrow.TransferWithdraw, To: "taker", Amount: 5000,
			Status: escrow.TransferFailed, Error: "ledger down", Attempt: 1, CreatedAt: now},
		{ID: "t2", EscrowID: st.ID, Kind: escrow.TransferWithdraw, To: "taker", Amount: 5000,
			Status: escrow.TransferSucceeded, TxHash: "0xfeed", Attempt: 2, CreatedAt: now.Add(time.Second)},
	}
	for _, r := range recs {
		if err := store.RecordTransfer(r); err != nil {
			t.Fatalf("RecordTransfer() error = %v", err)
		}
	}

	got, err := store.Transfers(st.ID)
	if err != nil {
		t.Fatalf("Transfers() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Transfers()) = %d, want 2", len(got))
	}
	for i := range recs {
		if !reflect.DeepEqual(got[i], recs[i]) {
			t.Errorf("Transfers()[%d] = %+v, want %+v", i, got[i], recs[i])
		}
	}

	if other, err := store.Transfers("escrow_404"); err != nil || len(other) != 0 {
		t.Errorf("Transfers(unknown) = %v, %v, want empty", other, err)
	}
}

func TestFailedTransfers(t *testing.T) {
	store, _ := newTestStorage(t)
	a, b := testState(t, store), testState(t, store)
	for _, st := range []*escrow.State{a, b} {
		if err := store.Insert(st); err != nil {
			t.Fatal(err)
		}
	}

	record := func(id, escrowID string, status escrow.TransferStatus, attempt int) {
		t.Helper()
		err := store.RecordTransfer(&escrow.TransferRecord{
			ID: id, EscrowID: escrowID, Kind: escrow.TransferRefund, To: "maker",
			Amount: 1, Status: status, Attempt: attempt, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// a failed then recovered; b failed twice.
	record("a1", a.ID, escrow.TransferFailed, 1)
	record("a2", a.ID, escrow.TransferSucceeded, 2)
	record("b1", b.ID, escrow.TransferFailed, 1)
	record("b2", b.ID, escrow.TransferFailed, 2)

	tests := []struct {
		maxAttempts int
		want        []string
	}{
		{0, []string{"b2"}},
		{5, []string{"b2"}},
		{2, nil},
	}
	for _, tt := range tests {
		got, err := store.FailedTransfers(tt.maxAttempts)
		if err != nil {
			t.Fatalf("FailedTransfers(%d) error = %v", tt.maxAttempts, err)
		}
		var ids []string
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		if !reflect.DeepEqual(ids, tt.want) {
			t.Errorf("FailedTransfers(%d) = %v, want %v", tt.maxAttempts, ids, tt.want)
		}
	}
}

func TestEngineOnSQLite(t *testing.T) {
	store, _ := newTestStorage(t)
	l := ledger.NewMemoryLedger()
	engine := escrow.NewEngine(store, l,
		escrow.WithClock(escrow.NewManualClock(time.Unix(1_700_000_000, 0))),
		escrow.WithLogger(logging.Discard()))

	secret := hashlock.SecretFromString("sqlite")
	imm := escrow.Immutables{
		OrderHash: common.HexToHash("0x01"),
		Hashlock:  hashlock.Hash(secret),
	}
	imm.Amount.SetUint64(42)
	id, err := engine.Create(context.Background(), escrow.CreateParams{Immutables: imm, Recipient: "taker"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	l.FailNext(errors.New("ledger down"))
	err = engine.Withdraw(context.Background(), id, secret, escrow.Restricted)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("Withdraw() error = %v, want ErrTransferFailed", err)
	}
	if st, _ := store.Get(id); !st.Withdrawn {
		t.Error("escrow not withdrawn after transfer failure")
	}

	if err := engine.RetryTransfer(context.Background(), id); err != nil {
		t.Fatalf("RetryTransfer() error = %v", err)
	}
	recs, _ := store.Transfers(id)
	if len(recs) != 2 || recs[0].Status != escrow.TransferFailed || recs[1].Status != escrow.TransferSucceeded {
		t.Errorf("journal = %+v, want failed then succeeded", recs)
	}
	if recs[1].Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", recs[1].Attempt)
	}
}
