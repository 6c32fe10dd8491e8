package escrow

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStoreUpdateRollback(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.NextID()
	if err := s.Insert(&State{ID: id, Recipient: "r"}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if err := s.Insert(&State{ID: id}); err == nil {
		t.Error("duplicate Insert succeeded")
	}

	boom := errors.New("boom")
	_, err := s.Update(id, func(st *State) error {
		st.Withdrawn = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v", err)
	}
	st, _ := s.Get(id)
	if st.Withdrawn {
		t.Error("failed Update persisted its change")
	}

	updated, err := s.Update(id, func(st *State) error {
		h := common.HexToHash("0x01")
		st.Secret = &h
		return nil
	})
	if err != nil || updated.Secret == nil {
		t.Fatalf("Update = %+v, %v", updated, err)
	}

	// The returned copy is detached from the stored record.
	*updated.Secret = common.Hash{}
	st, _ = s.Get(id)
	if *st.Secret != common.HexToHash("0x01") {
		t.Error("Update result aliases stored secret")
	}

	if _, err := s.Update("escrow_99", func(*State) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing error = %v", err)
	}
}

func TestMemoryStoreIDs(t *testing.T) {
	s := NewMemoryStore()
	seen := map[string]bool{}
	for i := 1; i <= 5; i++ {
		id, _ := s.NextID()
		if id != FormatID(uint64(i)) || seen[id] {
			t.Errorf("NextID = %s at step %d", id, i)
		}
		seen[id] = true
	}
}

func TestMemoryStoreJournal(t *testing.T) {
	s := NewMemoryStore()
	s.RecordTransfer(&TransferRecord{ID: "a", EscrowID: "escrow_1", Status: TransferFailed})
	s.RecordTransfer(&TransferRecord{ID: "b", EscrowID: "escrow_1", Status: TransferSucceeded})
	s.RecordTransfer(&TransferRecord{ID: "c", EscrowID: "escrow_2"})

	recs, _ := s.Transfers("escrow_1")
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Errorf("Transfers = %+v", recs)
	}
	if recs, _ := s.Transfers("escrow_3"); len(recs) != 0 {
		t.Errorf("Transfers(unknown) = %+v", recs)
	}
}

func TestStateStatus(t *testing.T) {
	tests := []struct {
		st   State
		want Status
	}{
		{State{}, StatusActive},
		{State{Withdrawn: true}, StatusWithdrawn},
		{State{Cancelled: true}, StatusCancelled},
	}
	for _, tt := range tests {
		if got := tt.st.Status(); got != tt.want {
			t.Errorf("Status() = %s, want %s", got, tt.want)
		}
	}
}

func TestAddress(t *testing.T) {
	a, err := ParseAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	if err != nil {
		t.Fatalf("ParseAddress error = %v", err)
	}
	if a.Hex() != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Errorf("Hex = %s", a.Hex())
	}
	if AddressFromEVM(a.EVM()) != a {
		t.Error("AddressFromEVM(EVM()) round trip failed")
	}
	if a.IsZero() || !(Address{}).IsZero() {
		t.Error("IsZero wrong")
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Error("ParseAddress accepted short address")
	}
}
