package rpc

import (
	"github.com/Klingon-tech/escrowd/internal/config"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/timelock"
)

// ========================================
// Params
// ========================================

// IDParams selects one escrow.
type IDParams struct {
	ID string `json:"id"`
}

// CreateParams is the request for escrow_create. Timelocks is the packed
// 32-byte word; Offsets may be given instead, in stage order.
type CreateParams struct {
	OrderHash          string                      `json:"order_hash"`
	Hashlock           string                      `json:"hashlock"`
	Maker              string                      `json:"maker"`
	Taker              string                      `json:"taker"`
	Token              string                      `json:"token"`
	Amount             string                      `json:"amount"`
	SafetyDeposit      string                      `json:"safety_deposit"`
	Timelocks          string                      `json:"timelocks,omitempty"`
	Offsets            *[timelock.NumStages]uint32 `json:"offsets,omitempty"`
	Recipient          string                      `json:"recipient"`
	Ledger             string                      `json:"ledger,omitempty"`
	CounterpartChainID uint64                      `json:"counterpart_chain_id,omitempty"`
	CounterpartAddress string                      `json:"counterpart_address,omitempty"`
}

// CreateSimpleParams is the request for escrow_createSimple. Offsets are
// seconds after deployment.
type CreateSimpleParams struct {
	OrderHash          string `json:"order_hash"`
	Hashlock           string `json:"hashlock"`
	Maker              string `json:"maker"`
	Taker              string `json:"taker"`
	Token              string `json:"token"`
	Amount             string `json:"amount"`
	Recipient          string `json:"recipient"`
	Ledger             string `json:"ledger,omitempty"`
	DstWithdrawal      uint32 `json:"dst_withdrawal"`
	DstCancellation    uint32 `json:"dst_cancellation"`
	CounterpartChainID uint64 `json:"counterpart_chain_id,omitempty"`
	CounterpartAddress string `json:"counterpart_address,omitempty"`
}

// WithdrawParams is the request for escrow_withdraw and escrow_publicWithdraw.
type WithdrawParams struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// SetAutoWithdrawParams is the request for escrow_setAutoWithdraw.
type SetAutoWithdrawParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ListParams is the request for escrow_list. Status filters by
// active, withdrawn or cancelled.
type ListParams struct {
	Status string `json:"status,omitempty"`
}

// TimelockParams is the request for escrow_isTimelockMet.
type TimelockParams struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
}

// SecretParams is the request for util_hashSecret and util_verifySecret.
type SecretParams struct {
	Secret   string `json:"secret"`
	Hashlock string `json:"hashlock,omitempty"`
}

// ========================================
// Results
// ========================================

// ImmutablesInfo renders escrow immutables as strings.
type ImmutablesInfo struct {
	OrderHash     string                     `json:"order_hash"`
	Hashlock      string                     `json:"hashlock"`
	Maker         string                     `json:"maker"`
	Taker         string                     `json:"taker"`
	Token         string                     `json:"token"`
	Amount        string                     `json:"amount"`
	SafetyDeposit string                     `json:"safety_deposit"`
	Timelocks     string                     `json:"timelocks"`
	Offsets       [timelock.NumStages]uint32 `json:"offsets"`
	DeployedAt    uint32                     `json:"deployed_at"`
}

// EscrowInfo is the response for escrow_get.
type EscrowInfo struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	Immutables         *ImmutablesInfo `json:"immutables"`
	Recipient          string          `json:"recipient"`
	Ledger             string          `json:"ledger,omitempty"`
	DeployedAt         uint64          `json:"deployed_at"`
	Secret             string          `json:"secret,omitempty"`
	Withdrawn          bool            `json:"withdrawn"`
	Cancelled          bool            `json:"cancelled"`
	CounterpartChainID uint64          `json:"counterpart_chain_id"`
	CounterpartChain   string          `json:"counterpart_chain,omitempty"`
	CounterpartAddress string          `json:"counterpart_address"`
	AutoWithdraw       bool            `json:"auto_withdraw"`
	CreatedAt          int64           `json:"created_at"`
}

// EscrowListResult is the response for escrow_list.
type EscrowListResult struct {
	Escrows []*EscrowInfo `json:"escrows"`
	Count   int           `json:"count"`
}

// CreateResult is the response for escrow_create and escrow_createSimple.
type CreateResult struct {
	ID string `json:"id"`
}

// StatusResult reports the state of an escrow after an update.
type StatusResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Secret string `json:"secret,omitempty"`
}

// MonitorResult is the response for escrow_monitor.
type MonitorResult struct {
	ID     string `json:"id"`
	Found  bool   `json:"found"`
	Secret string `json:"secret,omitempty"`
}

// AutoWithdrawResult is the response for escrow_autoWithdraw. Pending
// means no secret has been revealed yet.
type AutoWithdrawResult struct {
	ID        string `json:"id"`
	Withdrawn bool   `json:"withdrawn"`
	Pending   bool   `json:"pending"`
	Secret    string `json:"secret,omitempty"`
}

// MonitoringStatusResult is the response for escrow_monitoringStatus.
type MonitoringStatusResult struct {
	AutoWithdraw       bool   `json:"auto_withdraw"`
	CounterpartAddress string `json:"counterpart_address"`
	CounterpartChainID uint64 `json:"counterpart_chain_id"`
	CounterpartChain   string `json:"counterpart_chain,omitempty"`
}

// TimelockMetResult is the response for escrow_isTimelockMet.
type TimelockMetResult struct {
	Stage string `json:"stage"`
	Met   bool   `json:"met"`
}

// StageInfo is one entry of escrow_timelockInfo.
type StageInfo struct {
	Stage string `json:"stage"`
	Time  uint64 `json:"time"`
	Met   bool   `json:"met"`
}

// TimelockInfoResult is the response for escrow_timelockInfo.
type TimelockInfoResult struct {
	ID          string      `json:"id"`
	CurrentTime uint64      `json:"current_time"`
	Stages      []StageInfo `json:"stages"`
}

// TransferInfo is one journal entry of escrow_transfers.
type TransferInfo struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Ledger    string `json:"ledger,omitempty"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Attempt   int    `json:"attempt"`
	CreatedAt int64  `json:"created_at"`
}

// TransfersResult is the response for escrow_transfers.
type TransfersResult struct {
	ID        string          `json:"id"`
	Transfers []*TransferInfo `json:"transfers"`
}

// SecretResult is the response for util_hashSecret and util_generateSecret.
type SecretResult struct {
	Secret   string `json:"secret"`
	Hashlock string `json:"hashlock"`
}

// VerifyResult is the response for util_verifySecret.
type VerifyResult struct {
	Valid bool `json:"valid"`
}

// TimeResult is the response for util_currentTime.
type TimeResult struct {
	Time uint64 `json:"time"`
}

func toEscrowInfo(st *escrow.State) *EscrowInfo {
	info := &EscrowInfo{
		ID:                 st.ID,
		Status:             string(st.Status()),
		Immutables:         toImmutablesInfo(&st.Immutables),
		Recipient:          st.Recipient,
		Ledger:             st.Ledger,
		DeployedAt:         st.DeployedAt,
		Withdrawn:          st.Withdrawn,
		Cancelled:          st.Cancelled,
		CounterpartChainID: st.CounterpartChainID,
		CounterpartChain:   config.ChainName(st.CounterpartChainID),
		CounterpartAddress: st.CounterpartAddress.Hex(),
		AutoWithdraw:       st.AutoWithdraw,
		CreatedAt:          st.CreatedAt.Unix(),
	}
	if st.Secret != nil {
		info.Secret = st.Secret.Hex()
	}
	return info
}

func toImmutablesInfo(imm *escrow.Immutables) *ImmutablesInfo {
	return &ImmutablesInfo{
		OrderHash:     imm.OrderHash.Hex(),
		Hashlock:      imm.Hashlock.Hex(),
		Maker:         imm.Maker.Hex(),
		Taker:         imm.Taker.Hex(),
		Token:         imm.Token.Hex(),
		Amount:        imm.Amount.Dec(),
		SafetyDeposit: imm.SafetyDeposit.Dec(),
		Timelocks:     imm.Timelocks.Hex(),
		Offsets:       imm.Timelocks.Offsets(),
		DeployedAt:    imm.Timelocks.DeployedAt(),
	}
}

func toTransferInfo(rec *escrow.TransferRecord) *TransferInfo {
	return &TransferInfo{
		ID:        rec.ID,
		Kind:      string(rec.Kind),
		Ledger:    rec.Ledger,
		To:        rec.To,
		Amount:    rec.Amount,
		Status:    string(rec.Status),
		Error:     rec.Error,
		TxHash:    rec.TxHash,
		Attempt:   rec.Attempt,
		CreatedAt: rec.CreatedAt.Unix(),
	}
}
