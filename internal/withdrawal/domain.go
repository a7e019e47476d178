// Package withdrawal manages the payout request lifecycle: OTP-authorized
// creation, approval, provider submission and terminal settlement or
// refund. Held funds are refunded on every terminal failure path.
package withdrawal

import (
	"errors"
	"time"

	"escrowpay/internal/common/money"
)

// Status is the lifecycle state of a withdrawal request
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Method identifies the payout rail
type Method string

const (
	MethodMobileMoney      Method = "mobile_money"
	MethodBank             Method = "bank"
	MethodMobileMoneyAlias Method = "mobile_money_alias"
)

// Domain errors
var (
	ErrInvalidMethod      = errors.New("unknown payout method")
	ErrInvalidDestination = errors.New("payout destination is invalid")
	ErrInvalidTransition  = errors.New("withdrawal status transition not allowed")
	ErrKYCRequired        = errors.New("withdrawals require an approved KYC status")
	ErrPhoneUnverified    = errors.New("high-value withdrawals require a verified phone number")
	ErrNotOwner           = errors.New("withdrawal belongs to another user")
)

// transitions enumerates the legal state machine edges. Every terminal
// failure edge must be paired with a ledger refund by the service.
var transitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {StatusProcessing, StatusExpired, StatusRejected, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the lifecycle
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Refundable reports whether reaching this status returns the held
// funds to the wallet's available balance.
func (s Status) Refundable() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ValidMethod reports whether a payout method is known
func ValidMethod(m Method) bool {
	switch m {
	case MethodMobileMoney, MethodBank, MethodMobileMoneyAlias:
		return true
	}
	return false
}

// Destination is where the payout lands
type Destination struct {
	Method      Method `json:"method"`
	Account     string `json:"account"`
	AccountName string `json:"account_name,omitempty"`
	BankCode    string `json:"bank_code,omitempty"`
}

// Validate checks the destination shape for its method
func (d Destination) Validate() error {
	if !ValidMethod(d.Method) {
		return ErrInvalidMethod
	}
	if d.Account == "" {
		return ErrInvalidDestination
	}
	if d.Method == MethodBank && d.BankCode == "" {
		return ErrInvalidDestination
	}
	return nil
}

// Request is a withdrawal request
type Request struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Amount         money.Money `json:"amount"`
	Destination    Destination `json:"destination"`
	PayoutMethodID string      `json:"payout_method_id,omitempty"`
	Status         Status      `json:"status"`
	Reference      string      `json:"reference"`
	ProviderRef    string      `json:"provider_ref,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	ReviewedBy     string      `json:"reviewed_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ApprovedAt     *time.Time  `json:"approved_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// PayoutMethod is a saved payout destination
type PayoutMethod struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Label       string      `json:"label"`
	Destination Destination `json:"destination"`
	IsDefault   bool        `json:"is_default"`
	CreatedAt   time.Time   `json:"created_at"`
}
