package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/escrowd/internal/config"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/hashlock"
	"github.com/Klingon-tech/escrowd/internal/monitor"
	"github.com/Klingon-tech/escrowd/internal/timelock"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

// decodeParams unmarshals params into v. Missing params decode as an empty
// object.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", errInvalidParams)
	}
	return nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := helpers.ParseBytes32(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", field, err)
	}
	return common.Hash(b), nil
}

// parseAddress accepts an empty string as the zero address.
func parseAddress(field, s string) (escrow.Address, error) {
	if s == "" {
		return escrow.Address{}, nil
	}
	a, err := escrow.ParseAddress(s)
	if err != nil {
		return escrow.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return a, nil
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := helpers.ParseUint256(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s: %v", errInvalidParams, field, err)
	}
	return *v, nil
}

// counterpartAddress falls back to the escrow contract configured for the
// chain when none is given. Chain 0 is the chain the monitor defaults to.
func (s *Server) counterpartAddress(chainID uint64, addr string) (common.Address, error) {
	if addr == "" {
		return config.EscrowContract(s.counterpartChain(chainID)), nil
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: counterpart_address %q", helpers.ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr), nil
}

func (s *Server) counterpartChain(chainID uint64) uint64 {
	if chainID != 0 {
		return chainID
	}
	if s.monitor != nil && s.monitor.Config().DefaultChainID != 0 {
		return s.monitor.Config().DefaultChainID
	}
	return config.DefaultCounterpartChainID
}

func parseTimelocks(p *CreateParams) (timelock.Timelocks, error) {
	switch {
	case p.Offsets != nil && p.Timelocks != "":
		return timelock.Timelocks{}, fmt.Errorf("%w: give timelocks or offsets, not both", errInvalidParams)
	case p.Offsets != nil:
		return timelock.Encode(*p.Offsets, 0), nil
	case p.Timelocks != "":
		b, err := helpers.ParseBytes32(p.Timelocks)
		if err != nil {
			return timelock.Timelocks{}, fmt.Errorf("timelocks: %w", err)
		}
		return timelock.Timelocks(b), nil
	default:
		return timelock.Timelocks{}, fmt.Errorf("%w: timelocks or offsets is required", errInvalidParams)
	}
}

func parseStatus(s string) (escrow.Status, error) {
	switch st := escrow.Status(strings.ToLower(s)); st {
	case "", escrow.StatusActive, escrow.StatusWithdrawn, escrow.StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", errInvalidParams, s)
	}
}

// ========================================
// Escrow lifecycle handlers
// ========================================

func (s *Server) escrowCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var (
		imm escrow.Immutables
		err error
	)
	if imm.OrderHash, err = parseHash("order_hash", p.OrderHash); err != nil {
		return nil, err
	}
	if imm.Hashlock, err = parseHash("hashlock", p.Hashlock); err != nil {
		return nil, err
	}
	if imm.Maker, err = parseAddress("maker", p.Maker); err != nil {
		return nil, err
	}
	if imm.Taker, err = parseAddress("taker", p.Taker); err != nil {
		return nil, err
	}
	if imm.Token, err = parseAddress("token", p.Token); err != nil {
		return nil, err
	}
	if imm.Amount, err = parseAmount("amount", p.Amount); err != nil {
		return nil, err
	}
	if imm.SafetyDeposit, err = parseAmount("safety_deposit", p.SafetyDeposit); err != nil {
		return nil, err
	}
	if imm.Timelocks, err = parseTimelocks(&p); err != nil {
		return nil, err
	}
	cp, err := s.counterpartAddress(p.CounterpartChainID, p.CounterpartAddress)
	if err != nil {
		return nil, err
	}

	id, err := s.engine.Create(ctx, escrow.CreateParams{
		Immutables:         imm,
		Recipient:          p.Recipient,
		Ledger:             p.Ledger,
		CounterpartChainID: p.CounterpartChainID,
		CounterpartAddress: cp,
	})
	if err != nil {
		return nil, err
	}

	s.wsHub.Broadcast(EventEscrowCreated, &EscrowEvent{ID: id, Status: string(escrow.StatusActive)})
	return &CreateResult{ID: id}, nil
}

func (s *Server) escrowCreateSimple(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateSimpleParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	sp := escrow.SimpleParams{
		Recipient:          p.Recipient,
		Ledger:             p.Ledger,
		DstWithdrawal:      p.DstWithdrawal,
		DstCancellation:    p.DstCancellation,
		CounterpartChainID: p.CounterpartChainID,
	}
	var err error
	if sp.OrderHash, err = parseHash("order_hash", p.OrderHash); err != nil {
		return nil, err
	}
	if sp.Hashlock, err = parseHash("hashlock", p.Hashlock); err != nil {
		return nil, err
	}
	if sp.Maker, err = parseAddress("maker", p.Maker); err != nil {
		return nil, err
	}
	if sp.Taker, err = parseAddress("taker", p.Taker); err != nil {
		return nil, err
	}
	if sp.Token, err = parseAddress("token", p.Token); err != nil {
		return nil, err
	}
	if sp.Amount, err = parseAmount("amount", p.Amount); err != nil {
		return nil, err
	}
	if sp.CounterpartAddress, err = s.counterpartAddress(p.CounterpartChainID, p.CounterpartAddress); err != nil {
		return nil, err
	}

	id, err := s.engine.CreateSimple(ctx, sp)
	if err != nil {
		return nil, err
	}

	s.wsHub.Broadcast(EventEscrowCreated, &EscrowEvent{ID: id, Status: string(escrow.StatusActive)})
	return &CreateResult{ID: id}, nil
}

func (s *Server) escrowWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.withdraw(ctx, params, escrow.Restricted)
}

func (s *Server) escrowPublicWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.withdraw(ctx, params, escrow.Public)
}

func (s *Server) withdraw(ctx context.Context, params json.RawMessage, level escrow.Level) (interface{}, error) {
	var p WithdrawParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	secret, err := helpers.ParseBytes32(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}

	err = s.engine.Withdraw(ctx, p.ID, secret, level)
	if err != nil && !escrow.IsTransferFailure(err) {
		return nil, err
	}
	s.broadcastTerminal(EventEscrowWithdrawn, p.ID, err)
	if err != nil {
		return nil, err
	}

	return &StatusResult{
		ID:     p.ID,
		Status: string(escrow.StatusWithdrawn),
		Secret: common.Hash(secret).Hex(),
	}, nil
}

func (s *Server) escrowCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	err := s.engine.Cancel(ctx, p.ID)
	if err != nil && !escrow.IsTransferFailure(err) {
		return nil, err
	}
	s.broadcastTerminal(EventEscrowCancelled, p.ID, err)
	if err != nil {
		return nil, err
	}

	return &StatusResult{ID: p.ID, Status: string(escrow.StatusCancelled)}, nil
}

// broadcastTerminal announces a withdrawal or cancellation, and the failed
// payout if the ledger rejected it.
func (s *Server) broadcastTerminal(ev EventType, id string, transferErr error) {
	status := escrow.StatusWithdrawn
	if ev == EventEscrowCancelled {
		status = escrow.StatusCancelled
	}
	s.wsHub.Broadcast(ev, &EscrowEvent{ID: id, Status: string(status)})
	if transferErr != nil {
		s.wsHub.Broadcast(EventTransferFailed, &TransferFailedEvent{ID: id, Error: transferErr.Error()})
	}
}

func (s *Server) escrowSetAutoWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SetAutoWithdrawParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	if err := s.engine.SetAutoWithdraw(p.ID, p.Enabled); err != nil {
		return nil, err
	}
	return s.monitoringStatus(p.ID)
}

func (s *Server) escrowRetryTransfer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	if err := s.engine.RetryTransfer(ctx, p.ID); err != nil {
		if escrow.IsTransferFailure(err) {
			s.wsHub.Broadcast(EventTransferFailed, &TransferFailedEvent{ID: p.ID, Error: err.Error()})
		}
		return nil, err
	}

	st, err := s.engine.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{ID: p.ID, Status: string(st.Status())}, nil
}

// ========================================
// Monitoring handlers
// ========================================

func (s *Server) escrowMonitor(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.monitor == nil {
		return nil, errMonitorUnavailable
	}
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	secret, found, err := s.monitor.Monitor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	result := &MonitorResult{ID: p.ID, Found: found}
	if found {
		result.Secret = secret.Hex()
	}
	return result, nil
}

func (s *Server) escrowAutoWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.monitor == nil {
		return nil, errMonitorUnavailable
	}
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	err := s.monitor.AutoWithdraw(ctx, p.ID)
	switch {
	case monitor.IsPending(err):
		return &AutoWithdrawResult{ID: p.ID, Pending: true}, nil
	case err != nil && !escrow.IsTransferFailure(err):
		return nil, err
	}
	s.broadcastTerminal(EventEscrowWithdrawn, p.ID, err)
	if err != nil {
		return nil, err
	}

	result := &AutoWithdrawResult{ID: p.ID, Withdrawn: true}
	if st, getErr := s.engine.Get(p.ID); getErr == nil && st.Secret != nil {
		result.Secret = st.Secret.Hex()
		s.wsHub.Broadcast(EventSecretRevealed, &SecretRevealedEvent{
			ID:       p.ID,
			Secret:   result.Secret,
			Hashlock: st.Immutables.Hashlock.Hex(),
			ChainID:  st.CounterpartChainID,
		})
	}
	return result, nil
}

func (s *Server) escrowMonitoringStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	return s.monitoringStatus(p.ID)
}

func (s *Server) monitoringStatus(id string) (*MonitoringStatusResult, error) {
	ms, err := s.engine.MonitoringStatus(id)
	if err != nil {
		return nil, err
	}
	return &MonitoringStatusResult{
		AutoWithdraw:       ms.AutoWithdraw,
		CounterpartAddress: ms.CounterpartAddress.Hex(),
		CounterpartChainID: ms.CounterpartChainID,
		CounterpartChain:   config.ChainName(ms.CounterpartChainID),
	}, nil
}

// ========================================
// Query handlers
// ========================================

func (s *Server) escrowGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	st, err := s.engine.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return toEscrowInfo(st), nil
}

func (s *Server) escrowList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	status, err := parseStatus(p.Status)
	if err != nil {
		return nil, err
	}

	states, err := s.engine.List()
	if err != nil {
		return nil, err
	}
	escrows := make([]*EscrowInfo, 0, len(states))
	for _, st := range states {
		if status != "" && st.Status() != status {
			continue
		}
		escrows = append(escrows, toEscrowInfo(st))
	}
	return &EscrowListResult{Escrows: escrows, Count: len(escrows)}, nil
}

func (s *Server) escrowGetImmutables(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	imm, err := s.engine.Immutables(p.ID)
	if err != nil {
		return nil, err
	}
	return toImmutablesInfo(imm), nil
}

func (s *Server) escrowIsTimelockMet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TimelockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	stage, err := timelock.ParseStage(p.Stage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	met, err := s.engine.IsTimelockMet(p.ID, stage)
	if err != nil {
		return nil, err
	}
	return &TimelockMetResult{Stage: stage.String(), Met: met}, nil
}

func (s *Server) escrowTimelockInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	stages, err := s.engine.TimelockInfo(p.ID)
	if err != nil {
		return nil, err
	}
	result := &TimelockInfoResult{
		ID:          p.ID,
		CurrentTime: s.engine.CurrentTime(),
		Stages:      make([]StageInfo, 0, len(stages)),
	}
	for _, si := range stages {
		result.Stages = append(result.Stages, StageInfo{Stage: si.Name, Time: si.Time, Met: si.Met})
	}
	return result, nil
}

func (s *Server) escrowTransfers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}

	records, err := s.engine.Transfers(p.ID)
	if err != nil {
		return nil, err
	}
	result := &TransfersResult{ID: p.ID, Transfers: make([]*TransferInfo, 0, len(records))}
	for _, rec := range records {
		result.Transfers = append(result.Transfers, toTransferInfo(rec))
	}
	return result, nil
}

// ========================================
// Utility handlers
// ========================================

func (s *Server) utilCurrentTime(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &TimeResult{Time: s.engine.CurrentTime()}, nil
}

func (s *Server) utilVerifySecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	secret, err := helpers.ParseBytes32(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	lock, err := parseHash("hashlock", p.Hashlock)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: s.engine.VerifySecret(secret, lock)}, nil
}

// utilHashSecret hashes a 32-byte secret. Input that is not a 32-byte
// value is treated as a passphrase and fitted into one.
func (s *Server) utilHashSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required", errInvalidParams)
	}

	secret, err := helpers.ParseBytes32(p.Secret)
	if err != nil {
		if !errors.Is(err, helpers.ErrInvalidLength) {
			return nil, fmt.Errorf("secret: %w", err)
		}
		secret = hashlock.SecretFromString(p.Secret)
	}
	return &SecretResult{
		Secret:   common.Hash(secret).Hex(),
		Hashlock: hashlock.Hash(secret).Hex(),
	}, nil
}

func (s *Server) utilGenerateSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	secret, lock, err := hashlock.GenerateSecret()
	if err != nil {
		return nil, err
	}
	return &SecretResult{
		Secret:   common.Hash(secret).Hex(),
		Hashlock: lock.Hex(),
	}, nil
}

// ========================================
// Node handlers
// ========================================

// ChainInfo names a counterpart chain the monitor can query.
type ChainInfo struct {
	ChainID uint64 `json:"chain_id"`
	Name    string `json:"name"`
}

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version         string      `json:"version"`
	Uptime          string      `json:"uptime"`
	DataDir         string      `json:"data_dir,omitempty"`
	Storage         string      `json:"storage"`
	Ledger          string      `json:"ledger"`
	StrictTimelocks bool        `json:"strict_timelocks"`
	Monitor         bool        `json:"monitor"`
	Chains          []ChainInfo `json:"chains"`
	Escrows         int         `json:"escrows"`
	ActiveEscrows   int         `json:"active_escrows"`
	WSClients       int         `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	states, err := s.engine.List()
	if err != nil {
		return nil, err
	}
	active := 0
	for _, st := range states {
		if !st.Terminal() {
			active++
		}
	}

	chainIDs := append([]uint64(nil), s.info.Chains...)
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })
	chains := make([]ChainInfo, 0, len(chainIDs))
	for _, id := range chainIDs {
		chains = append(chains, ChainInfo{ChainID: id, Name: config.ChainName(id)})
	}

	return &NodeInfoResult{
		Version:         Version,
		Uptime:          time.Since(s.started).Round(time.Second).String(),
		DataDir:         s.info.DataDir,
		Storage:         s.info.StoreBackend,
		Ledger:          s.info.LedgerType,
		StrictTimelocks: s.engine.Strict(),
		Monitor:         s.monitor != nil,
		Chains:          chains,
		Escrows:         len(states),
		ActiveEscrows:   active,
		WSClients:       s.wsHub.ClientCount(),
	}, nil
}
