package settlerd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// ErrPathRequired is returned when the receipts store path is missing.
var ErrPathRequired = errors.New("settlerd receipts path must be configured")

// Store persists per-transfer receipts so delivery and resolution survive
// restarts. The id column is the on-chain transfer hash, which makes every
// operation naturally idempotent.
type Store struct {
	db *sql.DB
}

// OpenStore initialises the receipts database at the sqlite DSN.
func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open receipts database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Receipt mirrors one row of the receipts table.
type Receipt struct {
	ID           string
	Token        string
	Recipient    string
	Amount       string
	Attempts     uint32
	DeliveredRef string
	Outcome      string
	LastError    string
}

// EnsureTransfer records a transfer the first time it is seen. It reports
// whether the row was newly inserted.
func (s *Store) EnsureTransfer(ctx context.Context, id, token, recipient, amount string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("store not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO transfer_receipts(id, token, recipient, amount, attempts, first_seen)
        VALUES(?, ?, ?, ?, 0, ?)
        ON CONFLICT(id) DO NOTHING
    `, id, token, recipient, amount, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record transfer: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record transfer: %w", err)
	}
	return rows > 0, nil
}

// Get loads the receipt for a transfer id.
func (s *Store) Get(ctx context.Context, id string) (Receipt, error) {
	receipt := Receipt{}
	if s == nil {
		return receipt, fmt.Errorf("store not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT id, token, recipient, amount, attempts,
               COALESCE(delivered_ref, ''), COALESCE(outcome, ''), COALESCE(last_error, '')
        FROM transfer_receipts
        WHERE id = ?
    `, id)
	if err := row.Scan(&receipt.ID, &receipt.Token, &receipt.Recipient, &receipt.Amount,
		&receipt.Attempts, &receipt.DeliveredRef, &receipt.Outcome, &receipt.LastError); err != nil {
		if err == sql.ErrNoRows {
			return receipt, fmt.Errorf("receipt not found")
		}
		return receipt, fmt.Errorf("query receipt: %w", err)
	}
	return receipt, nil
}

// NextAttempt bumps and returns the attempt counter for a transfer.
func (s *Store) NextAttempt(ctx context.Context, id string) (uint32, error) {
	if s == nil {
		return 0, fmt.Errorf("store not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE transfer_receipts SET attempts = attempts + 1 WHERE id = ?
    `, id); err != nil {
		return 0, fmt.Errorf("bump attempts: %w", err)
	}
	var attempts uint32
	row := s.db.QueryRowContext(ctx, `SELECT attempts FROM transfer_receipts WHERE id = ?`, id)
	if err := row.Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// MarkDelivered stores the external reference returned by the transport.
func (s *Store) MarkDelivered(ctx context.Context, id, ref string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE transfer_receipts SET delivered_ref = ? WHERE id = ?
    `, ref, id); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkResolved finalises the receipt with the on-chain outcome.
func (s *Store) MarkResolved(ctx context.Context, id, outcome string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE transfer_receipts SET outcome = ?, resolved_at = ? WHERE id = ?
    `, outcome, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	return nil
}

// RecordError notes the latest delivery failure for operators.
func (s *Store) RecordError(ctx context.Context, id, message string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE transfer_receipts SET last_error = ? WHERE id = ?
    `, message, id); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_receipts (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    delivered_ref TEXT,
    outcome TEXT,
    last_error TEXT,
    first_seen TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transfer_receipts_outcome ON transfer_receipts(outcome);
`
