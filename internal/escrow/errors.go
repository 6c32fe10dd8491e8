package escrow

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/escrowd/internal/timelock"
)

// Escrow errors. Every failure returned by the engine wraps one of these.
var (
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidSecret     = errors.New("invalid secret")
	ErrAlreadyWithdrawn  = errors.New("escrow already withdrawn")
	ErrAlreadyCancelled  = errors.New("escrow already cancelled")
	ErrTimelockNotMet    = errors.New("timelock not met")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrRemoteQueryFailed = errors.New("remote query failed")

	ErrAutoWithdrawDisabled = errors.New("auto-withdraw disabled")
	ErrNoSecretYet          = errors.New("no secret revealed yet")
	ErrNotTerminal          = errors.New("escrow not terminal")
	ErrNoFailedTransfer     = errors.New("no failed transfer to retry")
)

// TimelockError reports a stage that has not been reached yet.
type TimelockError struct {
	Stage    timelock.Stage
	Required uint64
	Current  uint64
}

func (e *TimelockError) Error() string {
	return fmt.Sprintf("timelock not met: %s at %d, current time %d", e.Stage, e.Required, e.Current)
}

func (e *TimelockError) Unwrap() error {
	return ErrTimelockNotMet
}

// TransferError reports a ledger failure after the escrow already became
// terminal. The state change stands; the transfer must be retried.
type TransferError struct {
	EscrowID string
	Kind     TransferKind
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s transfer for %s failed: %v", e.Kind, e.EscrowID, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrInvalidSecret, "InvalidSecret"},
	{ErrAlreadyWithdrawn, "AlreadyWithdrawn"},
	{ErrAlreadyCancelled, "AlreadyCancelled"},
	{ErrTimelockNotMet, "TimelockNotMet"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrRemoteQueryFailed, "RemoteQueryFailed"},
	{ErrAutoWithdrawDisabled, "AutoWithdrawDisabled"},
	{ErrNoSecretYet, "NoSecretYet"},
	{ErrNotTerminal, "NotTerminal"},
	{ErrNoFailedTransfer, "NoFailedTransfer"},
}

// Kind names the escrow error kind of err, or "" if err is not one.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
