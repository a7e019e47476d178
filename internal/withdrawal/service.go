package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"escrowpay/internal/common/database"
	"escrowpay/internal/common/events"
	"escrowpay/internal/common/money"
	"escrowpay/internal/user"
	"escrowpay/internal/wallet"
)

// RequestStore is the persistence surface the lifecycle needs
type RequestStore interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByProviderRef(ctx context.Context, providerRef string) (*Request, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Request, int64, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, reviewedBy, failureReason string) (bool, error)
	SetProviderRef(ctx context.Context, id, providerRef string) error
	ListApprovedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error)
	CreatePayoutMethod(ctx context.Context, m *PayoutMethod) error
	GetPayoutMethod(ctx context.Context, userID, id string) (*PayoutMethod, error)
	ListPayoutMethods(ctx context.Context, userID string) ([]*PayoutMethod, error)
	DeletePayoutMethod(ctx context.Context, userID, id string) error
}

var _ RequestStore = (*Store)(nil)

// Ledger is the slice of the wallet service the lifecycle needs. The
// hold is the atomic admission check: it fails with insufficient funds
// before any request row exists.
type Ledger interface {
	HoldForWithdrawal(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error)
	RefundWithdrawal(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error)
	SettleWithdrawal(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error)
}

// CodeVerifier checks a one-time passcode against the exact amount
type CodeVerifier interface {
	Verify(ctx context.Context, userID, code string, amount money.Money) error
}

// Submitter hands an approved payout to the provider
type Submitter interface {
	Submit(ctx context.Context, r *Request) (providerRef string, err error)
}

// Notifier carries withdrawal status notifications
type Notifier interface {
	WithdrawalStatus(ctx context.Context, phone, email, reference string, amount money.Money, status string, terminal bool, failureReason string)
	AdminAlert(ctx context.Context, subject, detail string)
}

// ApprovalPolicy decides whether a fresh request is auto-approved or
// waits for manual review.
type ApprovalPolicy interface {
	AutoApprove(ctx context.Context, r *Request, p *user.Profile) bool
}

// ManualApproval never auto-approves
type ManualApproval struct{}

// AutoApprove always returns false
func (ManualApproval) AutoApprove(context.Context, *Request, *user.Profile) bool { return false }

// ThresholdApproval auto-approves verified users below an amount ceiling
type ThresholdApproval struct {
	MaxMinor int64
}

// AutoApprove approves requests at or under the ceiling from users with
// a verified phone.
func (t ThresholdApproval) AutoApprove(_ context.Context, r *Request, p *user.Profile) bool {
	return p.PhoneVerified && r.Amount.AmountMinor <= t.MaxMinor
}

// Config holds withdrawal lifecycle configuration
type Config struct {
	HighValueMinor int64         `envconfig:"WITHDRAWAL_HIGH_VALUE_MINOR" default:"50000000"`
	ApprovalTTL    time.Duration `envconfig:"WITHDRAWAL_APPROVAL_TTL" default:"24h"`
}

// Service runs the withdrawal request lifecycle
type Service struct {
	store     RequestStore
	ledger    Ledger
	verifier  CodeVerifier
	submitter Submitter
	notifier  Notifier
	directory user.Directory
	publisher events.EventPublisher
	policy    ApprovalPolicy
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a withdrawal service
func NewService(store RequestStore, ledger Ledger, verifier CodeVerifier, submitter Submitter, notifier Notifier, directory user.Directory, publisher events.EventPublisher, policy ApprovalPolicy, cfg Config, logger *slog.Logger) *Service {
	if policy == nil {
		policy = ManualApproval{}
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		verifier:  verifier,
		submitter: submitter,
		notifier:  notifier,
		directory: directory,
		publisher: publisher,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateParams describe a new withdrawal request. PayoutMethodID, when
// set, resolves the destination from the user's saved payout methods.
type CreateParams struct {
	UserID         string
	Amount         money.Money
	Destination    Destination
	PayoutMethodID string
	Code           string
}

// Create admits a new withdrawal request: the passcode must authorize
// this exact amount, the account must be eligible, and the amount is
// moved into the pending bucket before the request row exists. If the
// row insert fails the hold is refunded, so the ledger never holds
// funds without a live request.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Request, error) {
	if p.PayoutMethodID != "" {
		m, err := s.store.GetPayoutMethod(ctx, p.UserID, p.PayoutMethodID)
		if err != nil {
			return nil, fmt.Errorf("resolving payout method: %w", err)
		}
		p.Destination = m.Destination
	}
	if err := p.Destination.Validate(); err != nil {
		return nil, err
	}

	profile, err := s.directory.GetProfile(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	if profile.KYCStatus != user.KYCApproved {
		return nil, ErrKYCRequired
	}
	if p.Amount.AmountMinor >= s.cfg.HighValueMinor && !profile.PhoneVerified {
		return nil, ErrPhoneUnverified
	}

	if err := s.verifier.Verify(ctx, p.UserID, p.Code, p.Amount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &Request{
		ID:             ulid.Make().String(),
		UserID:         p.UserID,
		Amount:         p.Amount,
		Destination:    p.Destination,
		PayoutMethodID: p.PayoutMethodID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.Reference = "WD-" + r.ID

	if _, err := s.ledger.HoldForWithdrawal(ctx, wallet.MovementParams{
		UserID:        p.UserID,
		Amount:        p.Amount,
		Reference:     r.Reference,
		Description:   "withdrawal hold",
		CorrelationID: r.ID,
	}); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, r); err != nil {
		// The hold is already committed; give the funds back rather
		// than leaving them stranded in pending.
		s.refund(ctx, r, "request creation failed")
		return nil, err
	}

	s.notify(ctx, r, profile, false)
	s.publish(ctx, events.EventWithdrawalRequested, r)
	s.logger.Info("withdrawal requested",
		"request_id", r.ID,
		"user_id", r.UserID,
		"amount", r.Amount,
		"method", r.Destination.Method,
	)

	if s.policy.AutoApprove(ctx, r, profile) {
		return s.Approve(ctx, r.ID, "system:auto-approval")
	}
	return r, nil
}

// Get retrieves a request, enforcing ownership
func (s *Service) Get(ctx context.Context, id, userID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrNotOwner
	}
	return r, nil
}

// List retrieves a user's withdrawal history, newest first
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]*Request, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Approve moves PENDING -> APPROVED and immediately submits the payout
func (s *Service) Approve(ctx context.Context, id, reviewerID string) (*Request, error) {
	r, err := s.transition(ctx, id, StatusPending, StatusApproved, reviewerID, "")
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, r)
}

// Reject moves PENDING -> REJECTED and refunds the hold
func (s *Service) Reject(ctx context.Context, id, reviewerID, reason string) (*Request, error) {
	if reason == "" {
		reason = "rejected by reviewer"
	}
	r, err := s.transition(ctx, id, StatusPending, StatusRejected, reviewerID, reason)
	if err != nil {
		return nil, err
	}
	s.refund(ctx, r, reason)
	return r, nil
}

// Cancel lets the owner withdraw a request that has not started
// processing (PENDING or APPROVED); the hold is refunded.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Request, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, ErrNotOwner
	}

	r, err := s.transition(ctx, id, existing.Status, StatusCancelled, "", "cancelled by owner")
	if err != nil {
		return nil, err
	}
	s.refund(ctx, r, "cancelled by owner")
	return r, nil
}

// submit moves APPROVED -> PROCESSING and hands the payout to the
// provider. A submission failure is a terminal FAILED with refund.
func (s *Service) submit(ctx context.Context, r *Request) (*Request, error) {
	r, err := s.transition(ctx, r.ID, StatusApproved, StatusProcessing, "", "")
	if err != nil {
		return nil, err
	}

	providerRef, err := s.submitter.Submit(ctx, r)
	if err != nil {
		s.logger.Error("payout submission failed", "request_id", r.ID, "error", err)
		return s.HandleProviderResult(ctx, r.ID, false, "provider submission failed")
	}
	if err := s.store.SetProviderRef(ctx, r.ID, providerRef); err != nil {
		s.logger.Error("recording provider ref", "request_id", r.ID, "error", err)
	}
	r.ProviderRef = providerRef
	return r, nil
}

// HandleProviderResult settles a PROCESSING request from the provider's
// terminal callback: COMPLETED settles the pending hold, FAILED refunds
// it. A repeat callback finds the request already terminal and is a
// no-op.
func (s *Service) HandleProviderResult(ctx context.Context, id string, success bool, reason string) (*Request, error) {
	to := StatusCompleted
	if !success {
		to = StatusFailed
		if reason == "" {
			reason = "payout failed at provider"
		}
	}

	r, err := s.transition(ctx, id, StatusProcessing, to, "", reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Already terminal; the provider retried its callback.
			return s.store.Get(ctx, id)
		}
		return nil, err
	}

	if success {
		if _, err := s.ledger.SettleWithdrawal(ctx, wallet.MovementParams{
			UserID:        r.UserID,
			Amount:        r.Amount,
			Reference:     r.Reference,
			Description:   "withdrawal settled",
			CorrelationID: r.ID,
		}); err != nil {
			s.logger.Error("settling withdrawal hold", "request_id", r.ID, "error", err)
			s.notifier.AdminAlert(ctx, "Withdrawal settlement failed",
				fmt.Sprintf("Request %s completed at provider but the pending hold could not be settled: %v", r.ID, err))
		}
	} else {
		s.refund(ctx, r, reason)
	}
	return r, nil
}

// HandleProviderResultByRef resolves the request by the provider's
// payout reference before settling it.
func (s *Service) HandleProviderResultByRef(ctx context.Context, providerRef string, success bool, reason string) (*Request, error) {
	r, err := s.store.GetByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return s.HandleProviderResult(ctx, r.ID, success, reason)
}

// Expire moves a stale APPROVED request to EXPIRED and refunds the
// hold. The sweeper calls this for requests past the approval TTL.
func (s *Service) Expire(ctx context.Context, id string) (*Request, error) {
	r, err := s.transition(ctx, id, StatusApproved, StatusExpired, "", "approval window elapsed")
	if err != nil {
		return nil, err
	}
	s.refund(ctx, r, "approval window elapsed")
	return r, nil
}

// transition performs one optimistic state machine step; losing the
// status race yields ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, id string, from, to Status, reviewerID, reason string) (*Request, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	moved, err := s.store.UpdateStatus(ctx, id, from, to, reviewerID, reason)
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s (now %s)", ErrInvalidTransition, from, to, current.Status)
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal status changed",
		"request_id", r.ID,
		"from", from,
		"to", to,
		"reviewed_by", reviewerID,
	)
	s.publish(ctx, statusEvent(to), r)

	if profile, perr := s.directory.GetProfile(ctx, r.UserID); perr == nil {
		s.notify(ctx, r, profile, to.Terminal())
	}
	return r, nil
}

// refund returns the held amount to the available balance. A refund
// failure is alerted, never swallowed silently: the invariant is one
// refund per refundable terminal state.
func (s *Service) refund(ctx context.Context, r *Request, reason string) {
	if _, err := s.ledger.RefundWithdrawal(ctx, wallet.MovementParams{
		UserID:        r.UserID,
		Amount:        r.Amount,
		Reference:     r.Reference + "-REFUND",
		Description:   "withdrawal refund: " + reason,
		CorrelationID: r.ID,
	}); err != nil {
		s.logger.Error("withdrawal refund failed", "request_id", r.ID, "error", err)
		s.notifier.AdminAlert(ctx, "Withdrawal refund failed",
			fmt.Sprintf("Request %s (%s) needs a manual refund: %v", r.ID, r.Amount, err))
		return
	}
	s.logger.Info("withdrawal hold refunded", "request_id", r.ID, "amount", r.Amount)
}

func (s *Service) notify(ctx context.Context, r *Request, p *user.Profile, terminal bool) {
	s.notifier.WithdrawalStatus(ctx, p.Phone, p.Email, r.Reference, r.Amount, string(r.Status), terminal, r.FailureReason)
}

func (s *Service) publish(ctx context.Context, eventType string, r *Request) {
	if s.publisher == nil {
		return
	}
	data := events.WithdrawalStatusData{
		RequestID:     r.ID,
		UserID:        r.UserID,
		Amount:        r.Amount.AmountMinor,
		Currency:      string(r.Amount.Currency),
		Method:        string(r.Destination.Method),
		Status:        string(r.Status),
		FailureReason: r.FailureReason,
	}
	event, err := events.NewEvent(eventType, "withdrawal", r.ID, data)
	if err != nil {
		s.logger.Error("building withdrawal event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event.WithCorrelation(r.ID)); err != nil {
		s.logger.Error("publishing withdrawal event", "error", err, "event_id", event.ID)
	}
}

func statusEvent(s Status) string {
	switch s {
	case StatusApproved:
		return events.EventWithdrawalApproved
	case StatusProcessing:
		return events.EventWithdrawalProcessing
	case StatusCompleted:
		return events.EventWithdrawalCompleted
	case StatusRejected:
		return events.EventWithdrawalRejected
	case StatusFailed:
		return events.EventWithdrawalFailed
	case StatusExpired:
		return events.EventWithdrawalExpired
	case StatusCancelled:
		return events.EventWithdrawalCancelled
	}
	return events.EventWithdrawalRequested
}

// SavePayoutMethod stores a destination for reuse
func (s *Service) SavePayoutMethod(ctx context.Context, userID, label string, d Destination, isDefault bool) (*PayoutMethod, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m := &PayoutMethod{
		ID:          ulid.Make().String(),
		UserID:      userID,
		Label:       label,
		Destination: d,
		IsDefault:   isDefault,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreatePayoutMethod(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListPayoutMethods retrieves a user's saved destinations
func (s *Service) ListPayoutMethods(ctx context.Context, userID string) ([]*PayoutMethod, error) {
	return s.store.ListPayoutMethods(ctx, userID)
}

// DeletePayoutMethod removes a saved destination
func (s *Service) DeletePayoutMethod(ctx context.Context, userID, id string) error {
	err := s.store.DeletePayoutMethod(ctx, userID, id)
	if errors.Is(err, database.ErrNotFound) {
		return database.ErrNotFound
	}
	return err
}
