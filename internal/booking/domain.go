// Package booking models property and tour bookings behind a single
// polymorphic type, plus the check-in record that gates fund release.
package booking

import (
	"errors"
	"time"

	"escrowpay/internal/common/money"
)

// Kind discriminates the two booking domains
type Kind string

const (
	KindProperty Kind = "property"
	KindTour     Kind = "tour"
)

// PaymentMode is how the guest pays
type PaymentMode string

const (
	PayOnline     PaymentMode = "online"
	PayAtProperty PaymentMode = "at_property"
)

// Domain errors
var (
	ErrUnauthorized        = errors.New("user is not a party to this booking")
	ErrAlreadyCheckedIn    = errors.New("booking is already checked in")
	ErrAlreadyCheckedOut   = errors.New("booking is already checked out")
	ErrNotCheckedIn        = errors.New("booking has not been checked in")
	ErrPaymentNotCompleted = errors.New("booking payment is not completed")
	ErrInvalidCode         = errors.New("verification code does not match")
	ErrCodeExhausted       = errors.New("could not generate a unique booking code")
)

// Beneficiary is a party entitled to a share of the booking funds
type Beneficiary struct {
	UserID string
	Role   string // host, agent, guide
}

// CheckInRecord tracks guest arrival verification for a booking. The
// code is generated lazily on the first staff lookup after payment.
type CheckInRecord struct {
	BookingCode         string     `json:"booking_code,omitempty"`
	CheckInValidated    bool       `json:"check_in_validated"`
	CheckInValidatedAt  *time.Time `json:"check_in_validated_at,omitempty"`
	CheckInValidatedBy  string     `json:"check_in_validated_by,omitempty"`
	CheckOutValidated   bool       `json:"check_out_validated"`
	CheckOutValidatedAt *time.Time `json:"check_out_validated_at,omitempty"`
	CodeAttempts        int        `json:"-"`
}

// Booking is the tagged union across both booking domains. The guide
// field is set for tours; host and the optional agent for properties.
type Booking struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Reference   string      `json:"reference"`
	GuestUserID string      `json:"guest_user_id"`
	GuestName   string      `json:"guest_name"`
	GuestPhone  string      `json:"guest_phone"`
	GuestEmail  string      `json:"guest_email"`
	HostUserID  string      `json:"host_user_id,omitempty"`
	AgentUserID string      `json:"agent_user_id,omitempty"`
	GuideUserID string      `json:"guide_user_id,omitempty"`
	Amount      money.Money `json:"amount"`
	PaymentMode PaymentMode `json:"payment_mode"`

	// Payment-readiness signals, maintained by the payment edge.
	PaymentCompleted   bool `json:"payment_completed"`
	CollectionRecorded bool `json:"collection_recorded"`

	CheckIn   CheckInRecord `json:"check_in"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Beneficiaries returns the parties whose wallets hold funds for this
// booking: host plus optional referring agent for properties, the guide
// for tours.
func (b *Booking) Beneficiaries() []Beneficiary {
	switch b.Kind {
	case KindTour:
		return []Beneficiary{{UserID: b.GuideUserID, Role: "guide"}}
	default:
		out := []Beneficiary{{UserID: b.HostUserID, Role: "host"}}
		if b.AgentUserID != "" {
			out = append(out, Beneficiary{UserID: b.AgentUserID, Role: "agent"})
		}
		return out
	}
}

// IsStaff reports whether a user may verify check-in for this booking
func (b *Booking) IsStaff(userID string) bool {
	if userID == "" {
		return false
	}
	switch b.Kind {
	case KindTour:
		return userID == b.GuideUserID
	default:
		return userID == b.HostUserID || userID == b.AgentUserID
	}
}

// PaymentReady verifies the booking's funds are accounted for before
// check-in may proceed: online bookings need a completed payment
// transaction, pay-at-property bookings need a recorded collection.
func (b *Booking) PaymentReady() error {
	switch b.PaymentMode {
	case PayAtProperty:
		if !b.CollectionRecorded {
			return ErrPaymentNotCompleted
		}
	default:
		if !b.PaymentCompleted {
			return ErrPaymentNotCompleted
		}
	}
	return nil
}
