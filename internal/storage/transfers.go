// Package storage - Transfer journal operations.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Klingon-tech/escrowd/internal/escrow"
)

// RecordTransfer appends a ledger call to the journal.
func (s *Storage) RecordTransfer(rec *escrow.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errMsg, txHash *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	if rec.TxHash != "" {
		txHash = &rec.TxHash
	}

	_, err := s.db.Exec(`
		INSERT INTO transfers (
			id, escrow_id, kind, ledger, to_addr, amount, status,
			error_message, tx_hash, attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.EscrowID, string(rec.Kind), rec.Ledger, rec.To, int64(rec.Amount),
		string(rec.Status), errMsg, txHash, rec.Attempt, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// Transfers returns the journal of one escrow, oldest first.
func (s *Storage) Transfers(escrowID string) ([]*escrow.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, escrow_id, kind, ledger, to_addr, amount, status,
			error_message, tx_hash, attempt, created_at
		FROM transfers WHERE escrow_id = ?
		ORDER BY rowid ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []*escrow.TransferRecord
	for rows.Next() {
		var (
			rec            escrow.TransferRecord
			kind, status   string
			amount, nanos  int64
			errMsg, txHash sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.EscrowID, &kind, &rec.Ledger, &rec.To, &amount, &status,
			&errMsg, &txHash, &rec.Attempt, &nanos,
		); err != nil {
			return nil, err
		}
		rec.Kind = escrow.TransferKind(kind)
		rec.Status = escrow.TransferStatus(status)
		rec.Amount = uint64(amount)
		rec.Error = errMsg.String
		rec.TxHash = txHash.String
		rec.CreatedAt = time.Unix(0, nanos)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// FailedTransfers returns escrows whose most recent transfer failed, with
// that record, limited to records with fewer than maxAttempts attempts
// (0 = no limit).
func (s *Storage) FailedTransfers(maxAttempts int) ([]*escrow.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT t.id, t.escrow_id, t.kind, t.ledger, t.to_addr, t.amount, t.attempt, t.created_at
		FROM transfers t
		WHERE t.status = ?
		  AND t.rowid = (SELECT MAX(rowid) FROM transfers WHERE escrow_id = t.escrow_id)
		  AND (? = 0 OR t.attempt < ?)
		ORDER BY t.created_at ASC
	`, string(escrow.TransferFailed), maxAttempts, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transfers: %w", err)
	}
	defer rows.Close()

	var out []*escrow.TransferRecord
	for rows.Next() {
		var (
			rec           escrow.TransferRecord
			kind          string
			amount, nanos int64
		)
		if err := rows.Scan(&rec.ID, &rec.EscrowID, &kind, &rec.Ledger, &rec.To, &amount, &rec.Attempt, &nanos); err != nil {
			return nil, err
		}
		rec.Kind = escrow.TransferKind(kind)
		rec.Status = escrow.TransferFailed
		rec.Amount = uint64(amount)
		rec.CreatedAt = time.Unix(0, nanos)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
