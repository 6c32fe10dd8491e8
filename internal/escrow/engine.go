package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Klingon-tech/escrowd/internal/hashlock"
	"github.com/Klingon-tech/escrowd/internal/ledger"
	"github.com/Klingon-tech/escrowd/internal/timelock"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Engine validates and executes escrow state transitions.
//
// Every decision that flips a terminal flag happens inside Store.Update, so
// it is atomic per escrow. Ledger calls are made afterwards; a failed
// transfer is reported and journaled but never rolls the flag back.
type Engine struct {
	store  Store
	ledger ledger.Ledger
	clock  Clock
	strict bool
	log    *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // escrows with a retry in progress
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStrictTimelocks rejects escrows whose stage offsets are not monotonic.
func WithStrictTimelocks(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithLogger replaces the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine over a store and a ledger.
func NewEngine(store Store, l ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		ledger:   l,
		clock:    SystemClock{},
		log:      logging.GetDefault().Component("escrow"),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strict reports whether strict timelock validation is on.
func (e *Engine) Strict() bool {
	return e.strict
}

func (e *Engine) now() uint64 {
	return uint64(e.clock.Now().Unix())
}

// Create registers a new active escrow and returns its identifier. The
// deployment field of the timelocks is overwritten with the local time.
func (e *Engine) Create(ctx context.Context, p CreateParams) (string, error) {
	imm := p.Immutables
	if imm.OrderHash == (common.Hash{}) {
		return "", invalidInput("order hash must be non-zero")
	}
	if imm.Hashlock == (common.Hash{}) {
		return "", invalidInput("hashlock must be non-zero")
	}
	if p.Recipient == "" {
		return "", invalidInput("recipient required")
	}
	if v, ok := e.ledger.(ledger.Validator); ok {
		if err := v.Validate(ledger.Request{Ledger: p.Ledger, To: p.Recipient}); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if e.strict {
		if err := timelock.Validate(imm.Timelocks); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	now := e.clock.Now()
	imm.Timelocks = imm.Timelocks.SetDeployedAt(uint32(now.Unix()))

	id, err := e.store.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to allocate escrow id: %w", err)
	}

	st := &State{
		ID:                 id,
		Immutables:         imm,
		Recipient:          p.Recipient,
		Ledger:             p.Ledger,
		DeployedAt:         uint64(now.Unix()),
		CounterpartChainID: p.CounterpartChainID,
		CounterpartAddress: p.CounterpartAddress,
		AutoWithdraw:       true,
		CreatedAt:          now,
	}
	if err := e.store.Insert(st); err != nil {
		return "", fmt.Errorf("failed to store escrow: %w", err)
	}

	if _, fits := helpers.Low64(&imm.Amount); !fits {
		e.log.Warn("Amount exceeds 64 bits, ledger transfers use the low 64 bits",
			"id", id, "amount", imm.Amount.Dec())
	}
	e.log.Info("Escrow created",
		"id", id,
		"order_hash", imm.OrderHash.Hex(),
		"hashlock", imm.Hashlock.Hex(),
		"amount", imm.Amount.Dec(),
		"recipient", p.Recipient,
		"chain_id", p.CounterpartChainID,
	)
	return id, nil
}

// CreateSimple creates an escrow from destination-chain offsets only.
// Source-chain stages use SimpleSrcOffsets, the public withdrawal opens
// SimplePublicWithdrawalDelay seconds after the restricted one and the
// safety deposit is SimpleSafetyDeposit.
func (e *Engine) CreateSimple(ctx context.Context, p SimpleParams) (string, error) {
	offsets := [timelock.NumStages]uint32{
		SimpleSrcOffsets[0],
		SimpleSrcOffsets[1],
		SimpleSrcOffsets[2],
		SimpleSrcOffsets[3],
		p.DstWithdrawal,
		p.DstWithdrawal + SimplePublicWithdrawalDelay,
		p.DstCancellation,
	}
	imm := Immutables{
		OrderHash: p.OrderHash,
		Hashlock:  p.Hashlock,
		Maker:     p.Maker,
		Taker:     p.Taker,
		Token:     p.Token,
		Amount:    p.Amount,
		Timelocks: timelock.Encode(offsets, 0),
	}
	imm.SafetyDeposit.SetUint64(SimpleSafetyDeposit)

	return e.Create(ctx, CreateParams{
		Immutables:         imm,
		Recipient:          p.Recipient,
		Ledger:             p.Ledger,
		CounterpartChainID: p.CounterpartChainID,
		CounterpartAddress: p.CounterpartAddress,
	})
}

// Withdraw releases the escrow to its recipient. Checks run in order:
// existence, not withdrawn, not cancelled, secret, timelock stage for level.
func (e *Engine) Withdraw(ctx context.Context, id string, secret [32]byte, level Level) error {
	now := e.now()
	st, err := e.store.Update(id, func(st *State) error {
		if st.Withdrawn {
			return fmt.Errorf("%w: %s", ErrAlreadyWithdrawn, id)
		}
		if st.Cancelled {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
		}
		if !hashlock.Verify(secret, st.Immutables.Hashlock) {
			return fmt.Errorf("%w: does not match hashlock %s", ErrInvalidSecret, st.Immutables.Hashlock.Hex())
		}
		stage := level.Stage()
		if required := st.Immutables.Timelocks.StageTime(stage); now < required {
			return &TimelockError{Stage: stage, Required: required, Current: now}
		}
		revealed := common.Hash(secret)
		st.Withdrawn = true
		st.Secret = &revealed
		return nil
	})
	if err != nil {
		e.log.Debug("Withdraw rejected", "id", id, "level", level, "error", err)
		return err
	}

	e.log.Info("Escrow withdrawn", "id", id, "level", level, "recipient", st.Recipient)
	return e.settle(ctx, st, TransferWithdraw, 1)
}

// Cancel refunds the escrow to the maker once DstCancellation is reached.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	now := e.now()
	st, err := e.store.Update(id, func(st *State) error {
		if st.Withdrawn {
			return fmt.Errorf("%w: cannot cancel %s", ErrAlreadyWithdrawn, id)
		}
		if st.Cancelled {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
		}
		if required := st.Immutables.Timelocks.StageTime(timelock.DstCancellation); now < required {
			return &TimelockError{Stage: timelock.DstCancellation, Required: required, Current: now}
		}
		st.Cancelled = true
		return nil
	})
	if err != nil {
		e.log.Debug("Cancel rejected", "id", id, "error", err)
		return err
	}

	e.log.Info("Escrow cancelled", "id", id, "maker", st.Immutables.Maker.Hex())
	return e.settle(ctx, st, TransferRefund, 1)
}

// SetAutoWithdraw toggles monitor-driven withdrawal for an escrow.
func (e *Engine) SetAutoWithdraw(id string, enabled bool) error {
	_, err := e.store.Update(id, func(st *State) error {
		st.AutoWithdraw = enabled
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info("Auto-withdraw updated", "id", id, "enabled", enabled)
	return nil
}

// RetryTransfer re-issues the most recent failed transfer of a terminal
// escrow to the recorded destination and amount.
func (e *Engine) RetryTransfer(ctx context.Context, id string) error {
	journal, ok := e.store.(TransferJournal)
	if !ok {
		return fmt.Errorf("%w: store keeps no transfer journal", ErrNoFailedTransfer)
	}

	e.mu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.mu.Unlock()
		return fmt.Errorf("retry already in progress for %s", id)
	}
	e.inflight[id] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}()

	st, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if !st.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, id)
	}

	recs, err := journal.Transfers(id)
	if err != nil {
		return fmt.Errorf("failed to read transfers: %w", err)
	}
	if len(recs) == 0 || recs[len(recs)-1].Status != TransferFailed {
		return fmt.Errorf("%w: %s", ErrNoFailedTransfer, id)
	}
	last := recs[len(recs)-1]

	e.log.Info("Retrying transfer", "id", id, "kind", last.Kind, "attempt", last.Attempt+1)
	return e.settle(ctx, st, last.Kind, last.Attempt+1)
}

// settle performs the ledger call for a terminal escrow and journals it.
func (e *Engine) settle(ctx context.Context, st *State, kind TransferKind, attempt int) error {
	to := st.Recipient
	if kind == TransferRefund {
		to = st.Immutables.Maker.Hex()
	}
	amount, _ := helpers.Low64(&st.Immutables.Amount)

	req := ledger.Request{Ledger: st.Ledger, To: to, Amount: amount, Reference: st.ID}
	receipt, err := e.ledger.Transfer(ctx, req)

	rec := &TransferRecord{
		ID:        uuid.NewString(),
		EscrowID:  st.ID,
		Kind:      kind,
		Ledger:    st.Ledger,
		To:        to,
		Amount:    amount,
		Attempt:   attempt,
		CreatedAt: e.clock.Now(),
	}
	if err != nil {
		rec.Status = TransferFailed
		rec.Error = err.Error()
	} else {
		rec.Status = TransferSucceeded
		if receipt != nil {
			rec.TxHash = receipt.TxHash
		}
	}
	if journal, ok := e.store.(TransferJournal); ok {
		if jerr := journal.RecordTransfer(rec); jerr != nil {
			e.log.Error("Failed to journal transfer", "id", st.ID, "error", jerr)
		}
	}

	if err != nil {
		e.log.Error("Transfer failed",
			"id", st.ID,
			"kind", kind,
			"to", to,
			"amount", amount,
			"attempt", attempt,
			"error", err,
		)
		return &TransferError{EscrowID: st.ID, Kind: kind, Err: err}
	}
	e.log.Info("Transfer completed", "id", st.ID, "kind", kind, "to", to, "amount", amount, "tx", rec.TxHash)
	return nil
}

// IsTransferFailure reports whether err came from the ledger after the
// escrow was already committed.
func IsTransferFailure(err error) bool {
	return errors.Is(err, ErrTransferFailed)
}
