// Package release moves booking fund holds from pending to available
// balance once check-in is verified.
package release

import (
	"context"
	"fmt"
	"log/slog"

	"escrowpay/internal/booking"
	"escrowpay/internal/wallet"
)

// Ledger is the slice of the wallet service the engine needs
type Ledger interface {
	ReleaseHold(ctx context.Context, userID, correlationID, reference string) (*wallet.Entry, bool, error)
}

// Engine releases held booking funds to each beneficiary
type Engine struct {
	ledger Ledger
	logger *slog.Logger
}

// NewEngine creates a release engine
func NewEngine(ledger Ledger, logger *slog.Logger) *Engine {
	return &Engine{ledger: ledger, logger: logger}
}

// Release moves the held funds for every beneficiary of the booking from
// pending to available balance. A beneficiary without a matching hold is
// skipped with a warning: check-in must not be blocked by ledger
// bookkeeping drift. The operation is idempotent at the ledger level —
// a second invocation finds no unreleased hold and is a no-op.
func (e *Engine) Release(ctx context.Context, b *booking.Booking) error {
	reference := fmt.Sprintf("REL-%s", b.ID)

	for _, beneficiary := range b.Beneficiaries() {
		if beneficiary.UserID == "" {
			continue
		}

		entry, released, err := e.ledger.ReleaseHold(ctx, beneficiary.UserID, b.ID, reference)
		if err != nil {
			return fmt.Errorf("releasing hold for %s %s: %w", beneficiary.Role, beneficiary.UserID, err)
		}
		if !released {
			e.logger.Warn("no pending hold found for beneficiary, skipping",
				"booking_id", b.ID,
				"beneficiary", beneficiary.UserID,
				"role", beneficiary.Role,
			)
			continue
		}

		e.logger.Info("booking funds released",
			"booking_id", b.ID,
			"beneficiary", beneficiary.UserID,
			"role", beneficiary.Role,
			"entry_id", entry.ID,
			"amount", entry.Amount,
		)
	}
	return nil
}
