// Package storage - Escrow record operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/timelock"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

const counterKey = "escrow_counter"

const escrowColumns = `
	id, order_hash, hashlock, maker, taker, token, amount, safety_deposit,
	timelocks, recipient, ledger, deployed_at, secret, withdrawn, cancelled,
	counterpart_chain_id, counterpart_address, auto_withdraw, created_at`

// NextID increments the persistent counter and returns the new identifier.
// Identifiers are never reused, even across restarts.
func (s *Storage) NextID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current uint64
	var value string
	err = tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, counterKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("failed to read escrow counter: %w", err)
	default:
		current, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("corrupt escrow counter %q: %w", value, err)
		}
	}

	next := current + 1
	_, err = tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, counterKey, strconv.FormatUint(next, 10), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store escrow counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return escrow.FormatID(next), nil
}

// Insert stores a new escrow record.
func (s *Storage) Insert(st *escrow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := escrowArgs(st)
	_, err := s.db.Exec(`
		INSERT INTO escrows (`+escrowColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, append(args, time.Now().Unix())...)
	if err != nil {
		return fmt.Errorf("failed to insert escrow %s: %w", st.ID, err)
	}
	return nil
}

// Get retrieves an escrow by id.
func (s *Storage) Get(id string) (*escrow.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)
	st, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, id)
	}
	return st, err
}

// Update applies fn to a record inside a transaction. Nothing is written
// when fn returns an error.
func (s *Storage) Update(id string, fn func(st *escrow.State) error) (*escrow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)
	st, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(st); err != nil {
		return nil, err
	}

	var secret *string
	if st.Secret != nil {
		hex := st.Secret.Hex()
		secret = &hex
	}
	_, err = tx.Exec(`
		UPDATE escrows
		SET secret = ?, withdrawn = ?, cancelled = ?, auto_withdraw = ?, updated_at = ?
		WHERE id = ?
	`, secret, boolToInt(st.Withdrawn), boolToInt(st.Cancelled), boolToInt(st.AutoWithdraw), time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return st, nil
}

// List returns all escrows in creation order.
func (s *Storage) List() ([]*escrow.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + escrowColumns + ` FROM escrows ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrows: %w", err)
	}
	defer rows.Close()

	var out []*escrow.State
	for rows.Next() {
		st, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func escrowArgs(st *escrow.State) []interface{} {
	imm := &st.Immutables
	var secret *string
	if st.Secret != nil {
		hex := st.Secret.Hex()
		secret = &hex
	}
	return []interface{}{
		st.ID,
		imm.OrderHash.Hex(),
		imm.Hashlock.Hex(),
		helpers.BytesToHex(imm.Maker[:]),
		helpers.BytesToHex(imm.Taker[:]),
		helpers.BytesToHex(imm.Token[:]),
		imm.Amount.Dec(),
		imm.SafetyDeposit.Dec(),
		imm.Timelocks.Hex(),
		st.Recipient,
		st.Ledger,
		int64(st.DeployedAt),
		secret,
		boolToInt(st.Withdrawn),
		boolToInt(st.Cancelled),
		int64(st.CounterpartChainID),
		st.CounterpartAddress.Hex(),
		boolToInt(st.AutoWithdraw),
		st.CreatedAt.Unix(),
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scanner) (*escrow.State, error) {
	var (
		st                                 escrow.State
		orderHash, lock                    string
		maker, taker, token                string
		amount, deposit, timelocks         string
		deployedAt, chainID, createdAt     int64
		secret                             sql.NullString
		withdrawn, cancelled, autoWithdraw int
		counterpart                        string
	)
	err := row.Scan(
		&st.ID, &orderHash, &lock, &maker, &taker, &token, &amount, &deposit,
		&timelocks, &st.Recipient, &st.Ledger, &deployedAt, &secret, &withdrawn, &cancelled,
		&chainID, &counterpart, &autoWithdraw, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	imm := &st.Immutables
	imm.OrderHash = common.HexToHash(orderHash)
	imm.Hashlock = common.HexToHash(lock)
	for _, f := range []struct {
		dst *escrow.Address
		src string
	}{{&imm.Maker, maker}, {&imm.Taker, taker}, {&imm.Token, token}} {
		b, err := helpers.HexToBytes(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt address in %s: %w", st.ID, err)
		}
		copy(f.dst[:], helpers.PadLeft(b, 32))
	}
	if err := imm.Amount.SetFromDecimal(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount in %s: %w", st.ID, err)
	}
	if err := imm.SafetyDeposit.SetFromDecimal(deposit); err != nil {
		return nil, fmt.Errorf("corrupt safety deposit in %s: %w", st.ID, err)
	}
	tl, err := helpers.HexToBytes(timelocks)
	if err != nil {
		return nil, fmt.Errorf("corrupt timelocks in %s: %w", st.ID, err)
	}
	if imm.Timelocks, err = timelock.FromBytes(tl); err != nil {
		return nil, fmt.Errorf("corrupt timelocks in %s: %w", st.ID, err)
	}

	st.DeployedAt = uint64(deployedAt)
	if secret.Valid {
		h := common.HexToHash(secret.String)
		st.Secret = &h
	}
	st.Withdrawn = withdrawn != 0
	st.Cancelled = cancelled != 0
	st.CounterpartChainID = uint64(chainID)
	st.CounterpartAddress = common.HexToAddress(counterpart)
	st.AutoWithdraw = autoWithdraw != 0
	st.CreatedAt = time.Unix(createdAt, 0)
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ escrow.Store           = (*Storage)(nil)
	_ escrow.TransferJournal = (*Storage)(nil)
)
