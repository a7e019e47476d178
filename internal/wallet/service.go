package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"escrowpay/internal/common/database"
	"escrowpay/internal/common/events"
	"escrowpay/internal/common/money"
)

const maxTxAttempts = 3

// Service provides atomic wallet ledger operations. Every mutation runs
// in a single transaction holding a row lock on the wallet, retried on
// serialization failure.
type Service struct {
	store     *Store
	db        *database.DB
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new wallet service
func NewService(db *database.DB, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     NewStore(),
		db:        db,
		publisher: publisher,
		logger:    logger,
	}
}

// MovementParams describe a single ledger movement
type MovementParams struct {
	UserID        string
	Amount        money.Money
	Reference     string
	Description   string
	CorrelationID string
}

// Credit adds funds to a wallet's available balance, creating the wallet
// lazily on first credit.
func (s *Service) Credit(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeCredit, BucketAvailable, p.Amount.AmountMinor, false, true)
}

// CreditPending adds funds to a wallet's pending balance. Booking fund
// holds are recorded this way, tagged with the booking correlation ID.
func (s *Service) CreditPending(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeCredit, BucketPending, p.Amount.AmountMinor, false, true)
}

// Debit removes funds from a wallet's available balance
func (s *Service) Debit(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeDebit, BucketAvailable, -p.Amount.AmountMinor, false, false)
}

// HoldForWithdrawal moves funds from available to pending as part of
// creating a withdrawal request. Fails with ErrInsufficientFunds if the
// available balance does not cover the amount.
func (s *Service) HoldForWithdrawal(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeWithdrawal, BucketPending, p.Amount.AmountMinor, true, false)
}

// RefundWithdrawal reverses a withdrawal hold, moving funds from pending
// back to available. Used on REJECTED/FAILED/EXPIRED/CANCELLED outcomes.
func (s *Service) RefundWithdrawal(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeCredit, BucketAvailable, p.Amount.AmountMinor, true, false)
}

// SettleWithdrawal removes completed payout funds from the pending
// bucket once the provider confirms the payout.
func (s *Service) SettleWithdrawal(ctx context.Context, p MovementParams) (*Entry, error) {
	return s.move(ctx, p, EntryTypeDebit, BucketPending, -p.Amount.AmountMinor, false, false)
}

func (s *Service) move(ctx context.Context, p MovementParams, entryType EntryType, bucket Bucket, amount int64, counter, createLazily bool) (*Entry, error) {
	if p.Amount.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if !money.IsSupported(p.Amount.Currency) {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyMismatch, p.Amount.Currency)
	}

	var entry *Entry
	err := database.Retry(ctx, maxTxAttempts, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			w, err := s.store.GetByUserForUpdate(ctx, tx, p.UserID)
			if database.IsNotFound(err) {
				if !createLazily {
					return err
				}
				w, err = s.createWallet(ctx, tx, p.UserID, p.Amount.Currency)
			}
			if err != nil {
				return err
			}
			if !w.IsActive {
				return ErrWalletInactive
			}
			if w.Currency != p.Amount.Currency {
				return fmt.Errorf("%w: wallet %s, amount %s", ErrCurrencyMismatch, w.Currency, p.Amount.Currency)
			}

			entry, err = apply(w, entryType, bucket, amount, counter)
			if err != nil {
				return err
			}
			entry.ID = ulid.Make().String()
			entry.Reference = p.Reference
			entry.Description = p.Description
			entry.CorrelationID = p.CorrelationID

			if err := s.store.UpdateBalances(ctx, tx, w); err != nil {
				return err
			}
			return s.store.InsertEntry(ctx, tx, entry)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger entry appended",
		"entry_id", entry.ID,
		"wallet_id", entry.WalletID,
		"type", entry.Type,
		"bucket", entry.Bucket,
		"amount", entry.Amount,
		"reference", entry.Reference,
	)
	s.publishMovement(ctx, entry, p.UserID)
	return entry, nil
}

// ReleaseHold moves a booking fund hold from pending to available. It
// locates the newest pending-hold entry for the correlation; if none
// exists, or the hold was already released, it reports released=false
// without error so check-in never fails on ledger drift.
func (s *Service) ReleaseHold(ctx context.Context, userID, correlationID, reference string) (*Entry, bool, error) {
	var (
		entry    *Entry
		released bool
	)
	err := database.Retry(ctx, maxTxAttempts, func() error {
		entry, released = nil, false
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			w, err := s.store.GetByUserForUpdate(ctx, tx, userID)
			if err != nil {
				if database.IsNotFound(err) {
					return nil
				}
				return err
			}

			hold, err := s.store.LatestPendingHold(ctx, tx, w.ID, correlationID)
			if err != nil {
				if database.IsNotFound(err) {
					return nil
				}
				return err
			}

			done, err := s.store.HasRelease(ctx, tx, w.ID, correlationID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

			entry, err = apply(w, EntryTypeRelease, BucketAvailable, hold.Amount, true)
			if err != nil {
				return err
			}
			entry.ID = ulid.Make().String()
			entry.Reference = reference
			entry.Description = "check-in release"
			entry.CorrelationID = correlationID

			if err := s.store.UpdateBalances(ctx, tx, w); err != nil {
				return err
			}
			if err := s.store.InsertEntry(ctx, tx, entry); err != nil {
				return err
			}
			released = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !released {
		return nil, false, nil
	}

	s.logger.Info("fund hold released",
		"entry_id", entry.ID,
		"wallet_id", entry.WalletID,
		"amount", entry.Amount,
		"correlation_id", correlationID,
	)
	s.publishMovement(ctx, entry, userID)
	return entry, true, nil
}

// GetWallet retrieves a user's wallet
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetByUser(ctx, s.db, userID)
}

// ListEntries retrieves a wallet's ledger history, newest first
func (s *Service) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*Entry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	w, err := s.store.GetByUser(ctx, s.db, userID)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListEntries(ctx, s.db, w.ID, limit, offset)
}

// Deactivate marks a wallet inactive. Wallets are never deleted.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	return s.store.SetActive(ctx, s.db, userID, false)
}

func (s *Service) createWallet(ctx context.Context, tx pgx.Tx, userID string, currency money.Currency) (*Wallet, error) {
	now := time.Now().UTC()
	w := &Wallet{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Currency:  currency,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, tx, w); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return s.store.GetByUserForUpdate(ctx, tx, userID)
		}
		return nil, err
	}

	s.logger.Info("wallet created", "wallet_id", w.ID, "user_id", userID, "currency", currency)
	return w, nil
}

func (s *Service) publishMovement(ctx context.Context, e *Entry, userID string) {
	if s.publisher == nil {
		return
	}

	eventType := events.EventWalletCredited
	switch {
	case e.Type == EntryTypeRelease:
		eventType = events.EventWalletHoldReleased
	case e.Amount < 0:
		eventType = events.EventWalletDebited
	}

	data := events.WalletMovementData{
		WalletID:       e.WalletID,
		UserID:         userID,
		EntryID:        e.ID,
		EntryType:      string(e.Type),
		Amount:         e.Amount,
		Currency:       string(e.Currency),
		Reference:      e.Reference,
		CorrelationID:  e.CorrelationID,
		Balance:        e.AvailableAfter,
		PendingBalance: e.PendingAfter,
	}
	event, err := events.NewEvent(eventType, "wallet", e.WalletID, data)
	if err != nil {
		s.logger.Error("building wallet event", "error", err)
		return
	}
	event.WithCorrelation(e.CorrelationID)

	// Fire-and-forget: a publish failure never unwinds a committed entry.
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing wallet event", "error", err, "event_id", event.ID)
	}
}
