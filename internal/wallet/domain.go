// Package wallet implements per-user escrow wallets with an append-only
// transaction ledger. A wallet tracks two buckets: the available balance
// (spendable) and the pending balance (funds held for check-in release or
// an in-flight withdrawal).
package wallet

import (
	"errors"
	"time"

	"escrowpay/internal/common/money"
)

// EntryType represents the type of ledger entry
type EntryType string

const (
	EntryTypeCredit     EntryType = "credit"
	EntryTypeDebit      EntryType = "debit"
	EntryTypeWithdrawal EntryType = "withdrawal"
	EntryTypeRelease    EntryType = "release"
)

// Bucket identifies which balance an entry's amount applies to
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketPending   Bucket = "pending"
)

// Domain errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletInactive    = errors.New("wallet is not active")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Wallet is a per-user account. Created lazily on first credit, never
// deleted, only deactivated.
type Wallet struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Balance        int64          `json:"balance"`
	PendingBalance int64          `json:"pending_balance"`
	Currency       money.Currency `json:"currency"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Available returns the spendable balance as money
func (w *Wallet) Available() money.Money {
	return money.New(w.Balance, w.Currency)
}

// Pending returns the held balance as money
func (w *Wallet) Pending() money.Money {
	return money.New(w.PendingBalance, w.Currency)
}

// Entry is an immutable ledger record. Amount is signed and applies to
// the target bucket; both balance snapshots are recorded so any entry
// satisfies after = before + amount on its bucket, and the wallet's
// balances always equal the last entry's after values.
type Entry struct {
	ID              string         `json:"id"`
	WalletID        string         `json:"wallet_id"`
	Type            EntryType      `json:"type"`
	Bucket          Bucket         `json:"bucket"`
	Amount          int64          `json:"amount"`
	Currency        money.Currency `json:"currency"`
	AvailableBefore int64          `json:"available_before"`
	AvailableAfter  int64          `json:"available_after"`
	PendingBefore   int64          `json:"pending_before"`
	PendingAfter    int64          `json:"pending_after"`
	Reference       string         `json:"reference"`
	Description     string         `json:"description,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// apply computes the entry snapshots for a movement against a wallet and
// mutates the wallet balances. A movement touches the target bucket by
// amount and, when counter is set, the other bucket by the inverse, which
// is how pending->available transfers stay balanced in one entry.
func apply(w *Wallet, entryType EntryType, bucket Bucket, amount int64, counter bool) (*Entry, error) {
	e := &Entry{
		WalletID:        w.ID,
		Type:            entryType,
		Bucket:          bucket,
		Amount:          amount,
		Currency:        w.Currency,
		AvailableBefore: w.Balance,
		PendingBefore:   w.PendingBalance,
		CreatedAt:       time.Now().UTC(),
	}

	switch bucket {
	case BucketAvailable:
		w.Balance += amount
		if counter {
			w.PendingBalance -= amount
		}
	case BucketPending:
		w.PendingBalance += amount
		if counter {
			w.Balance -= amount
		}
	default:
		return nil, errors.New("unknown bucket")
	}

	if w.Balance < 0 || w.PendingBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	e.AvailableAfter = w.Balance
	e.PendingAfter = w.PendingBalance
	w.UpdatedAt = e.CreatedAt
	return e, nil
}
