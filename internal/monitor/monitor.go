// Package monitor discovers secrets revealed on a counterpart chain and
// drives the local withdrawal with them.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/hashlock"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// DefaultEventDeclaration is the counterpart event carrying
// (orderHash, secret) as its indexed topics.
const DefaultEventDeclaration = "SecretRevealed(bytes32,bytes32)"

// DefaultEventSignature is topic 0 of DefaultEventDeclaration.
var DefaultEventSignature = EventSignature(DefaultEventDeclaration)

// EventSignature returns the keccak256 topic of an event declaration.
func EventSignature(decl string) common.Hash {
	return crypto.Keccak256Hash([]byte(decl))
}

// Escrows is the part of the escrow engine the monitor needs.
type Escrows interface {
	Get(id string) (*escrow.State, error)
	List() ([]*escrow.State, error)
	Withdraw(ctx context.Context, id string, secret [32]byte, level escrow.Level) error
}

// Sources resolves the log source for a counterpart chain.
type Sources interface {
	Get(chainID uint64) (backend.LogSource, error)
}

// Config configures a Monitor.
type Config struct {
	EventSignature common.Hash
	DefaultChainID uint64 // used when an escrow records no chain id
	LookbackBlocks uint64 // 0 queries exactly the latest block
}

// Monitor queries counterpart chains for secret-revelation events.
type Monitor struct {
	escrows Escrows
	sources Sources
	config  Config
	log     *logging.Logger
}

// New creates a monitor. A zero event signature selects
// DefaultEventSignature.
func New(escrows Escrows, sources Sources, cfg Config) *Monitor {
	if cfg.EventSignature == (common.Hash{}) {
		cfg.EventSignature = DefaultEventSignature
	}
	return &Monitor{
		escrows: escrows,
		sources: sources,
		config:  cfg,
		log:     logging.GetDefault().Component("monitor"),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.config
}

// Monitor looks for a revealed secret for an active escrow. It returns the
// first log candidate that hashes to the escrow's hashlock, or found=false
// when none does. Query failures are errors, never "not found".
func (m *Monitor) Monitor(ctx context.Context, id string) (common.Hash, bool, error) {
	st, err := m.escrows.Get(id)
	if err != nil {
		return common.Hash{}, false, err
	}
	switch {
	case st.Withdrawn:
		return common.Hash{}, false, fmt.Errorf("%w: %s", escrow.ErrAlreadyWithdrawn, id)
	case st.Cancelled:
		return common.Hash{}, false, fmt.Errorf("%w: %s", escrow.ErrAlreadyCancelled, id)
	}

	chainID := st.CounterpartChainID
	if chainID == 0 {
		chainID = m.config.DefaultChainID
	}
	src, err := m.sources.Get(chainID)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("%w: %v", escrow.ErrRemoteQueryFailed, err)
	}

	filter := backend.LogFilter{
		Address:   st.CounterpartAddress,
		Topics:    []common.Hash{m.config.EventSignature, st.Immutables.OrderHash},
		FromBlock: backend.BlockLatest,
		ToBlock:   backend.BlockLatest,
	}
	if m.config.LookbackBlocks > 0 {
		head, err := src.BlockNumber(ctx)
		if err != nil {
			return common.Hash{}, false, fmt.Errorf("%w: block number: %v", escrow.ErrRemoteQueryFailed, err)
		}
		from := uint64(0)
		if head > m.config.LookbackBlocks {
			from = head - m.config.LookbackBlocks
		}
		filter.FromBlock = helpers.Uint64ToHex(from)
	}

	logs, err := src.GetLogs(ctx, filter)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("%w: %v", escrow.ErrRemoteQueryFailed, err)
	}

	m.log.Debug("Queried counterpart logs",
		"id", id,
		"chain_id", chainID,
		"address", st.CounterpartAddress.Hex(),
		"logs", len(logs),
	)

	secret, ok := MatchSecret(logs, st.Immutables.Hashlock)
	if ok {
		m.log.Info("Secret found on counterpart chain", "id", id, "chain_id", chainID)
	}
	return secret, ok, nil
}

// MatchSecret returns the third topic of the first log whose candidate
// hashes to lock. Logs with fewer than three topics are skipped.
func MatchSecret(logs []backend.Log, lock common.Hash) (common.Hash, bool) {
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		candidate := l.Topics[2]
		if hashlock.Verify(candidate, lock) {
			return candidate, true
		}
	}
	return common.Hash{}, false
}

// AutoWithdraw withdraws an escrow at the restricted level with a secret
// found on the counterpart chain. It returns escrow.ErrNoSecretYet when
// nothing has been revealed; callers may retry later.
func (m *Monitor) AutoWithdraw(ctx context.Context, id string) error {
	_, err := m.autoWithdraw(ctx, id)
	return err
}

func (m *Monitor) autoWithdraw(ctx context.Context, id string) (common.Hash, error) {
	st, err := m.escrows.Get(id)
	if err != nil {
		return common.Hash{}, err
	}
	if !st.AutoWithdraw {
		return common.Hash{}, fmt.Errorf("%w: %s", escrow.ErrAutoWithdrawDisabled, id)
	}

	secret, found, err := m.Monitor(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	if !found {
		return common.Hash{}, fmt.Errorf("%w: %s", escrow.ErrNoSecretYet, id)
	}

	if err := m.escrows.Withdraw(ctx, id, secret, escrow.Restricted); err != nil {
		return secret, err
	}
	return secret, nil
}

// IsPending reports whether err only means the secret has not appeared yet.
func IsPending(err error) bool {
	return errors.Is(err, escrow.ErrNoSecretYet)
}
