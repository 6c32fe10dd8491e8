package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/escrowd/internal/hashlock"
	"github.com/Klingon-tech/escrowd/internal/timelock"
)

// Get returns a copy of one escrow.
func (e *Engine) Get(id string) (*State, error) {
	return e.store.Get(id)
}

// List returns all escrows in creation order.
func (e *Engine) List() ([]*State, error) {
	return e.store.List()
}

// Immutables returns the immutable parameters of one escrow.
func (e *Engine) Immutables(id string) (*Immutables, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	imm := st.Immutables
	return &imm, nil
}

// IsTimelockMet reports whether the given stage has been reached.
func (e *Engine) IsTimelockMet(id string, stage timelock.Stage) (bool, error) {
	if !stage.Valid() {
		return false, invalidInput("unknown stage %d", stage)
	}
	st, err := e.store.Get(id)
	if err != nil {
		return false, err
	}
	return e.now() >= st.Immutables.Timelocks.StageTime(stage), nil
}

// TimelockInfo lists every stage with its absolute time and whether it has
// been reached.
func (e *Engine) TimelockInfo(id string) ([]StageInfo, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]StageInfo, 0, timelock.NumStages)
	for _, stage := range timelock.Stages() {
		at := st.Immutables.Timelocks.StageTime(stage)
		out = append(out, StageInfo{Stage: stage, Name: stage.String(), Time: at, Met: now >= at})
	}
	return out, nil
}

// CurrentTime returns the engine clock in Unix seconds.
func (e *Engine) CurrentTime() uint64 {
	return e.now()
}

// VerifySecret checks a secret against an arbitrary hashlock.
func (e *Engine) VerifySecret(secret [32]byte, lock common.Hash) bool {
	return hashlock.Verify(secret, lock)
}

// MonitoringStatus reports the monitor-related settings of one escrow.
func (e *Engine) MonitoringStatus(id string) (*MonitoringStatus, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &MonitoringStatus{
		AutoWithdraw:       st.AutoWithdraw,
		CounterpartAddress: st.CounterpartAddress,
		CounterpartChainID: st.CounterpartChainID,
	}, nil
}

// Transfers returns the transfer journal of one escrow.
func (e *Engine) Transfers(id string) ([]*TransferRecord, error) {
	if _, err := e.store.Get(id); err != nil {
		return nil, err
	}
	journal, ok := e.store.(TransferJournal)
	if !ok {
		return nil, nil
	}
	recs, err := journal.Transfers(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfers: %w", err)
	}
	return recs, nil
}
