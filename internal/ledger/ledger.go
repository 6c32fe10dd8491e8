// Package ledger moves balances once the escrow engine has authorized a
// release or refund. The engine only sees the Ledger interface; concrete
// ledgers range from a log-only stub to a signing EVM transferer.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Common errors
var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidLedger    = errors.New("invalid ledger identifier")
	ErrTxReverted       = errors.New("transaction reverted")
)

// Request describes one balance movement.
type Request struct {
	// Ledger identifies the asset ledger; empty means the native asset.
	Ledger string
	To     string
	Amount uint64
	// Reference is the escrow id the transfer settles, for logs.
	Reference string
}

// Native reports whether the request targets the native asset.
func (r Request) Native() bool {
	return r.Ledger == ""
}

// Receipt is returned by a successful transfer.
type Receipt struct {
	TxHash string    `json:"tx_hash,omitempty"`
	Time   time.Time `json:"time"`
}

// Ledger performs balance transfers.
type Ledger interface {
	Transfer(ctx context.Context, req Request) (*Receipt, error)
}

// Validator is implemented by ledgers that can reject a destination before
// any escrow is bound to it.
type Validator interface {
	Validate(req Request) error
}

// LogLedger accepts every transfer and only logs it. It stands in for a
// native asset path that is settled elsewhere.
type LogLedger struct {
	log *logging.Logger
}

// NewLogLedger creates a log-only ledger.
func NewLogLedger() *LogLedger {
	return &LogLedger{log: logging.GetDefault().Component("ledger")}
}

// Transfer logs the request and succeeds.
func (l *LogLedger) Transfer(ctx context.Context, req Request) (*Receipt, error) {
	if req.To == "" {
		return nil, ErrInvalidRecipient
	}
	asset := req.Ledger
	if req.Native() {
		asset = "native"
	}
	l.log.Info("Transfer recorded", "escrow", req.Reference, "to", req.To, "amount", req.Amount, "ledger", asset)
	return &Receipt{Time: time.Now()}, nil
}

var _ Ledger = (*LogLedger)(nil)
