package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
)

// Store provides booking data access. Both booking kinds live in one
// table with a kind discriminator, which also gives the shared
// uniqueness domain for booking codes via a single unique index.
type Store struct {
	db *database.DB
}

// NewStore creates a new booking store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const bookingColumns = `id, kind, reference, guest_user_id, guest_name, guest_phone, guest_email,
	host_user_id, agent_user_id, guide_user_id, amount, currency, payment_mode,
	payment_completed, collection_recorded,
	booking_code, code_attempts, check_in_validated, check_in_validated_at, check_in_validated_by,
	check_out_validated, check_out_validated_at, created_at, updated_at`

// Get retrieves a booking of either kind by ID
func (s *Store) Get(ctx context.Context, id string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(s.db.QueryRow(ctx, query, id))
}

// GetByReference retrieves a booking by its payment reference
func (s *Store) GetByReference(ctx context.Context, reference string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE reference = $1`
	return scanBooking(s.db.QueryRow(ctx, query, reference))
}

// Create inserts a booking
func (s *Store) Create(ctx context.Context, b *Booking) error {
	query := `
		INSERT INTO bookings (
			id, kind, reference, guest_user_id, guest_name, guest_phone, guest_email,
			host_user_id, agent_user_id, guide_user_id, amount, currency, payment_mode,
			payment_completed, collection_recorded, booking_code, code_attempts,
			check_in_validated, check_out_validated, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, NULLIF($16, ''), $17, $18, $19, $20, $21
		)
	`
	_, err := s.db.Exec(ctx, query,
		b.ID, b.Kind, b.Reference, b.GuestUserID, b.GuestName, b.GuestPhone, b.GuestEmail,
		b.HostUserID, b.AgentUserID, b.GuideUserID, b.Amount.AmountMinor, b.Amount.Currency, b.PaymentMode,
		b.PaymentCompleted, b.CollectionRecorded, b.CheckIn.BookingCode, b.CheckIn.CodeAttempts,
		b.CheckIn.CheckInValidated, b.CheckIn.CheckOutValidated, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("booking %s: %w", b.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating booking: %w", err)
	}
	return nil
}

// SetCode stores a freshly generated verification code. It only writes
// when no code exists yet; ErrConflict signals a unique-index collision
// with another booking's code so the caller can retry with a new code.
func (s *Store) SetCode(ctx context.Context, id, code string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET booking_code = $1, updated_at = $2
		WHERE id = $3 AND booking_code IS NULL
	`, code, time.Now().UTC(), id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrConflict
		}
		return fmt.Errorf("storing booking code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another lookup got there first; the stored code wins.
		return database.ErrAlreadyExists
	}
	return nil
}

// IncrementCodeAttempts bumps the confirm-attempt counter and returns
// the new count.
func (s *Store) IncrementCodeAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE bookings SET code_attempts = code_attempts + 1, updated_at = $1
		WHERE id = $2
		RETURNING code_attempts
	`, time.Now().UTC(), id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, database.ErrNotFound
		}
		return 0, fmt.Errorf("incrementing code attempts: %w", err)
	}
	return attempts, nil
}

// MarkCheckedIn flips the check-in flag exactly once. Returns false when
// the booking was already validated, which is the serialization point
// for concurrent confirmation attempts.
func (s *Store) MarkCheckedIn(ctx context.Context, id, staffUserID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET check_in_validated = TRUE, check_in_validated_at = $1, check_in_validated_by = $2, updated_at = $1
		WHERE id = $3 AND check_in_validated = FALSE
	`, time.Now().UTC(), staffUserID, id)
	if err != nil {
		return false, fmt.Errorf("marking checked in: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCheckedOut flips the check-out flag once; requires prior check-in
func (s *Store) MarkCheckedOut(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET check_out_validated = TRUE, check_out_validated_at = $1, updated_at = $1
		WHERE id = $2 AND check_in_validated = TRUE AND check_out_validated = FALSE
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking checked out: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPaymentCompleted records a completed online payment exactly once.
// Returns false when the payment was already completed, which lets the
// payment webhook drop duplicate deliveries without double-crediting.
func (s *Store) MarkPaymentCompleted(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET payment_completed = TRUE, updated_at = $1
		WHERE id = $2 AND payment_completed = FALSE
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking payment completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCollectionRecorded records an on-site payment collection for a
// pay-at-property booking.
func (s *Store) MarkCollectionRecorded(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET collection_recorded = TRUE, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking collection recorded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b        Booking
		amount   int64
		currency string
		code     *string
	)
	err := row.Scan(
		&b.ID, &b.Kind, &b.Reference, &b.GuestUserID, &b.GuestName, &b.GuestPhone, &b.GuestEmail,
		&b.HostUserID, &b.AgentUserID, &b.GuideUserID, &amount, &currency, &b.PaymentMode,
		&b.PaymentCompleted, &b.CollectionRecorded,
		&code, &b.CheckIn.CodeAttempts, &b.CheckIn.CheckInValidated, &b.CheckIn.CheckInValidatedAt, &b.CheckIn.CheckInValidatedBy,
		&b.CheckIn.CheckOutValidated, &b.CheckIn.CheckOutValidatedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning booking: %w", err)
	}
	if code != nil {
		b.CheckIn.BookingCode = *code
	}
	b.Amount = money.New(amount, money.Currency(currency))
	return &b, nil
}
