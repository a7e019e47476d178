// Package checkin implements the two-phase booking verification protocol
// that gates the release of held funds.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowpay/internal/booking"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/events"
	"escrowpay/internal/user"
)

// ErrTooManyCodeAttempts is returned once the per-booking confirm
// attempt budget is exhausted.
var ErrTooManyCodeAttempts = errors.New("too many verification attempts for this booking")

const codeGenerationRetries = 10

// Store is the slice of booking persistence the verifier needs
type Store interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
	SetCode(ctx context.Context, id, code string) error
	IncrementCodeAttempts(ctx context.Context, id string) (int, error)
	MarkCheckedIn(ctx context.Context, id, staffUserID string) (bool, error)
	MarkCheckedOut(ctx context.Context, id string) (bool, error)
}

// Releaser releases the booking's fund holds
type Releaser interface {
	Release(ctx context.Context, b *booking.Booking) error
}

// Notifier carries guest- and staff-facing notifications
type Notifier interface {
	CheckInCode(ctx context.Context, phone, email, guestName, code string)
	CheckInConfirmed(ctx context.Context, guestPhone, guestEmail, guestName, staffEmail, instructions string)
	CheckOutConfirmed(ctx context.Context, guestPhone, guestEmail, guestName string)
}

// Config holds verifier configuration
type Config struct {
	MaxCodeAttempts int `envconfig:"CHECKIN_MAX_CODE_ATTEMPTS" default:"10"`
}

// Service is the check-in verifier
type Service struct {
	store     Store
	releaser  Releaser
	notifier  Notifier
	directory user.Directory
	publisher events.EventPublisher
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a check-in verifier
func NewService(store Store, releaser Releaser, notifier Notifier, directory user.Directory, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 10
	}
	return &Service{
		store:     store,
		releaser:  releaser,
		notifier:  notifier,
		directory: directory,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// LookupResult is returned by phase 1
type LookupResult struct {
	Booking       *booking.Booking `json:"booking"`
	CodeGenerated bool             `json:"code_generated"`
}

// Lookup is phase 1 of the protocol: resolve the booking, authorize the
// staff member, verify payment readiness, and lazily generate and
// dispatch the verification code. A repeat lookup neither regenerates
// nor re-sends an existing code.
func (s *Service) Lookup(ctx context.Context, bookingID, staffUserID string) (*LookupResult, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.guard(b, staffUserID); err != nil {
		return nil, err
	}

	result := &LookupResult{Booking: b}
	if b.CheckIn.BookingCode == "" {
		code, err := s.generateCode(ctx, b)
		if err != nil {
			return nil, err
		}
		b.CheckIn.BookingCode = code
		result.CodeGenerated = true

		s.notifier.CheckInCode(ctx, b.GuestPhone, b.GuestEmail, b.GuestName, code)
		s.publish(ctx, events.EventCheckInCodeIssued, b, staffUserID)
		s.logger.Info("booking code issued", "booking_id", b.ID, "kind", b.Kind)
	}

	return result, nil
}

// Confirm is phase 2: re-validate, compare the supplied code, flip the
// check-in flag exactly once and trigger the fund release.
func (s *Service) Confirm(ctx context.Context, bookingID, code, staffUserID, instructions string) (*booking.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.guard(b, staffUserID); err != nil {
		return nil, err
	}
	if b.CheckIn.BookingCode == "" {
		return nil, booking.ErrInvalidCode
	}

	attempts, err := s.store.IncrementCodeAttempts(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if attempts > s.cfg.MaxCodeAttempts {
		return nil, ErrTooManyCodeAttempts
	}

	// Case-sensitive comparison; a mismatch mutates nothing beyond the
	// attempt counter.
	if code != b.CheckIn.BookingCode {
		return nil, booking.ErrInvalidCode
	}

	flipped, err := s.store.MarkCheckedIn(ctx, b.ID, staffUserID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		// A concurrent confirmation won the race.
		return nil, booking.ErrAlreadyCheckedIn
	}

	now := time.Now().UTC()
	b.CheckIn.CheckInValidated = true
	b.CheckIn.CheckInValidatedAt = &now
	b.CheckIn.CheckInValidatedBy = staffUserID

	if err := s.releaser.Release(ctx, b); err != nil {
		// The check-in flag is already committed; release retries find
		// the holds still pending, so surface the error for the caller
		// to retry rather than unwinding the flag.
		s.logger.Error("fund release failed after check-in", "booking_id", b.ID, "error", err)
		return nil, fmt.Errorf("releasing booking funds: %w", err)
	}

	s.notifier.CheckInConfirmed(ctx, b.GuestPhone, b.GuestEmail, b.GuestName, s.staffEmail(ctx, staffUserID), instructions)
	s.publish(ctx, events.EventCheckInConfirmed, b, staffUserID)
	s.logger.Info("check-in confirmed", "booking_id", b.ID, "staff_user_id", staffUserID)
	return b, nil
}

// ConfirmCheckOut flips the check-out flag for an already checked-in
// booking. No funds move.
func (s *Service) ConfirmCheckOut(ctx context.Context, bookingID, staffUserID string) (*booking.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsStaff(staffUserID) {
		return nil, booking.ErrUnauthorized
	}
	if !b.CheckIn.CheckInValidated {
		return nil, booking.ErrNotCheckedIn
	}
	if b.CheckIn.CheckOutValidated {
		return nil, booking.ErrAlreadyCheckedOut
	}

	flipped, err := s.store.MarkCheckedOut(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, booking.ErrAlreadyCheckedOut
	}

	now := time.Now().UTC()
	b.CheckIn.CheckOutValidated = true
	b.CheckIn.CheckOutValidatedAt = &now

	s.notifier.CheckOutConfirmed(ctx, b.GuestPhone, b.GuestEmail, b.GuestName)
	s.publish(ctx, events.EventCheckOutConfirmed, b, staffUserID)
	s.logger.Info("check-out confirmed", "booking_id", b.ID, "staff_user_id", staffUserID)
	return b, nil
}

// guard enforces the shared phase 1/phase 2 preconditions
func (s *Service) guard(b *booking.Booking, staffUserID string) error {
	if !b.IsStaff(staffUserID) {
		return booking.ErrUnauthorized
	}
	if b.CheckIn.CheckInValidated {
		return booking.ErrAlreadyCheckedIn
	}
	return b.PaymentReady()
}

// generateCode produces a globally unique booking code with a bounded
// retry loop; uniqueness spans both booking kinds via the shared index.
func (s *Service) generateCode(ctx context.Context, b *booking.Booking) (string, error) {
	for i := 0; i < codeGenerationRetries; i++ {
		code, err := booking.NewCode()
		if err != nil {
			return "", err
		}

		err = s.store.SetCode(ctx, b.ID, code)
		switch {
		case err == nil:
			return code, nil
		case errors.Is(err, database.ErrConflict):
			// Collision with another booking's code; try again.
			continue
		case errors.Is(err, database.ErrAlreadyExists):
			// A concurrent lookup stored a code first; reuse it.
			fresh, err := s.store.Get(ctx, b.ID)
			if err != nil {
				return "", err
			}
			b.CheckIn.BookingCode = fresh.CheckIn.BookingCode
			return fresh.CheckIn.BookingCode, nil
		default:
			return "", err
		}
	}
	return "", booking.ErrCodeExhausted
}

func (s *Service) publish(ctx context.Context, eventType string, b *booking.Booking, staffUserID string) {
	if s.publisher == nil {
		return
	}
	data := events.CheckInConfirmedData{
		BookingID:   b.ID,
		BookingKind: string(b.Kind),
		StaffUserID: staffUserID,
		ConfirmedAt: time.Now().UTC(),
	}
	event, err := events.NewEvent(eventType, "booking", b.ID, data)
	if err != nil {
		s.logger.Error("building check-in event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event.WithCorrelation(b.ID)); err != nil {
		s.logger.Error("publishing check-in event", "error", err, "event_id", event.ID)
	}
}

func (s *Service) staffEmail(ctx context.Context, staffUserID string) string {
	if s.directory == nil {
		return ""
	}
	profile, err := s.directory.GetProfile(ctx, staffUserID)
	if err != nil {
		s.logger.Warn("staff profile lookup failed", "user_id", staffUserID, "error", err)
		return ""
	}
	return profile.Email
}
