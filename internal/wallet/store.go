package wallet

import (
	"errors"
	"fmt"

	"context"

	"github.com/jackc/pgx/v5"

	"escrowpay/internal/common/database"
)

// Store provides wallet data access. Methods take a database.Querier so
// they compose inside a caller-owned transaction.
type Store struct{}

// NewStore creates a new wallet store
func NewStore() *Store {
	return &Store{}
}

const walletColumns = `id, user_id, balance, pending_balance, currency, is_active, created_at, updated_at`

// GetByUser retrieves a wallet by owner
func (s *Store) GetByUser(ctx context.Context, q database.Querier, userID string) (*Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(q.QueryRow(ctx, query, userID))
}

// GetByUserForUpdate retrieves a wallet by owner with a row lock. All
// balance mutations go through this so concurrent operations on the same
// wallet serialize.
func (s *Store) GetByUserForUpdate(ctx context.Context, q database.Querier, userID string) (*Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 FOR UPDATE`
	return scanWallet(q.QueryRow(ctx, query, userID))
}

// Create inserts a new wallet
func (s *Store) Create(ctx context.Context, q database.Querier, w *Wallet) error {
	query := `
		INSERT INTO wallets (id, user_id, balance, pending_balance, currency, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, query,
		w.ID, w.UserID, w.Balance, w.PendingBalance, w.Currency, w.IsActive, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("wallet for user %s: %w", w.UserID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating wallet: %w", err)
	}
	return nil
}

// UpdateBalances writes the wallet's balance fields
func (s *Store) UpdateBalances(ctx context.Context, q database.Querier, w *Wallet) error {
	query := `
		UPDATE wallets SET balance = $1, pending_balance = $2, updated_at = $3
		WHERE id = $4
	`
	tag, err := q.Exec(ctx, query, w.Balance, w.PendingBalance, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("updating wallet balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// SetActive flips the wallet's active flag
func (s *Store) SetActive(ctx context.Context, q database.Querier, userID string, active bool) error {
	tag, err := q.Exec(ctx, `UPDATE wallets SET is_active = $1 WHERE user_id = $2`, active, userID)
	if err != nil {
		return fmt.Errorf("updating wallet active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

const entryColumns = `id, wallet_id, type, bucket, amount, currency,
	available_before, available_after, pending_before, pending_after,
	reference, description, correlation_id, created_at`

// InsertEntry appends a ledger entry. Entries are never updated or
// deleted.
func (s *Store) InsertEntry(ctx context.Context, q database.Querier, e *Entry) error {
	query := `
		INSERT INTO ledger_entries (
			id, wallet_id, type, bucket, amount, currency,
			available_before, available_after, pending_before, pending_after,
			reference, description, correlation_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := q.Exec(ctx, query,
		e.ID, e.WalletID, e.Type, e.Bucket, e.Amount, e.Currency,
		e.AvailableBefore, e.AvailableAfter, e.PendingBefore, e.PendingAfter,
		e.Reference, e.Description, e.CorrelationID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

// LatestPendingHold returns the most recent pending-bucket credit entry
// for a correlation, or database.ErrNotFound.
func (s *Store) LatestPendingHold(ctx context.Context, q database.Querier, walletID, correlationID string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE wallet_id = $1 AND correlation_id = $2 AND type = 'credit' AND bucket = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanEntry(q.QueryRow(ctx, query, walletID, correlationID))
}

// HasRelease reports whether a release entry already exists for a
// correlation on this wallet.
func (s *Store) HasRelease(ctx context.Context, q database.Querier, walletID, correlationID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE wallet_id = $1 AND correlation_id = $2 AND type = 'release'
		)
	`
	var exists bool
	if err := q.QueryRow(ctx, query, walletID, correlationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking release entry: %w", err)
	}
	return exists, nil
}

// ListEntries retrieves entries for a wallet, newest first
func (s *Store) ListEntries(ctx context.Context, q database.Querier, walletID string, limit, offset int) ([]*Entry, int64, error) {
	var total int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = $1`, walletID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.Balance, &w.PendingBalance,
		&w.Currency, &w.IsActive, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet: %w", err)
	}
	return &w, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.WalletID, &e.Type, &e.Bucket, &e.Amount, &e.Currency,
		&e.AvailableBefore, &e.AvailableAfter, &e.PendingBefore, &e.PendingAfter,
		&e.Reference, &e.Description, &e.CorrelationID, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	return &e, nil
}

func scanEntryRows(rows pgx.Rows) (*Entry, error) {
	var e Entry
	err := rows.Scan(
		&e.ID, &e.WalletID, &e.Type, &e.Bucket, &e.Amount, &e.Currency,
		&e.AvailableBefore, &e.AvailableAfter, &e.PendingBefore, &e.PendingAfter,
		&e.Reference, &e.Description, &e.CorrelationID, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	return &e, nil
}
