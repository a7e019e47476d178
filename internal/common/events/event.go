package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	// Wallet events
	EventWalletCreated        = "wallet.created"
	EventWalletCredited       = "wallet.credited"
	EventWalletDebited        = "wallet.debited"
	EventWalletHoldReleased   = "wallet.hold.released"

	// Check-in events
	EventCheckInCodeIssued  = "checkin.code.issued"
	EventCheckInConfirmed   = "checkin.confirmed"
	EventCheckOutConfirmed  = "checkin.checkout.confirmed"

	// Withdrawal events
	EventWithdrawalRequested  = "withdrawal.requested"
	EventWithdrawalApproved   = "withdrawal.approved"
	EventWithdrawalProcessing = "withdrawal.processing"
	EventWithdrawalCompleted  = "withdrawal.completed"
	EventWithdrawalRejected   = "withdrawal.rejected"
	EventWithdrawalFailed     = "withdrawal.failed"
	EventWithdrawalExpired    = "withdrawal.expired"
	EventWithdrawalCancelled  = "withdrawal.cancelled"
)

// WalletMovementData is the data for wallet.credited / wallet.debited /
// wallet.hold.released events.
type WalletMovementData struct {
	WalletID      string `json:"wallet_id"`
	UserID        string `json:"user_id"`
	EntryID       string `json:"entry_id"`
	EntryType     string `json:"entry_type"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Balance       int64  `json:"balance"`
	PendingBalance int64 `json:"pending_balance"`
}

// CheckInConfirmedData is the data for checkin.confirmed events
type CheckInConfirmedData struct {
	BookingID   string    `json:"booking_id"`
	BookingKind string    `json:"booking_kind"`
	StaffUserID string    `json:"staff_user_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// WithdrawalStatusData is the data for withdrawal.* events
type WithdrawalStatusData struct {
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}
