package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"escrowpay/internal/booking"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
	"escrowpay/internal/wallet"
	"escrowpay/internal/withdrawal"
)

// Outcome is the normalized terminal state of a gateway event
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// NormalizeStatus maps the gateway's status vocabulary onto a binary
// outcome. The gateway is not consistent across rails, so every spelling
// it has been seen to emit is accepted.
func NormalizeStatus(status string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "SUCCESS", "SUCCESSFUL", "SETTLED":
		return OutcomeSuccess
	case "FAILED", "FAILURE", "INVALID", "REJECTED", "CANCELLED":
		return OutcomeFailure
	}
	return OutcomeUnknown
}

// WebhookPayload is the gateway's callback shape, shared between the
// payment and payout event families.
type WebhookPayload struct {
	EventType     string `json:"event_type"` // payment | payout
	Reference     string `json:"reference"`
	ProviderRef   string `json:"provider_ref"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Bookings is the booking persistence surface the webhook needs
type Bookings interface {
	GetByReference(ctx context.Context, reference string) (*booking.Booking, error)
	MarkPaymentCompleted(ctx context.Context, id string) (bool, error)
}

// Ledger credits booking funds into the beneficiaries' pending buckets
type Ledger interface {
	CreditPending(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error)
}

// Payouts settles withdrawal requests from payout callbacks
type Payouts interface {
	HandleProviderResultByRef(ctx context.Context, providerRef string, success bool, reason string) (*withdrawal.Request, error)
}

// Alerter surfaces internal webhook failures on the admin channel
type Alerter interface {
	AdminAlert(ctx context.Context, subject, detail string)
}

// WebhookHandler ingests gateway callbacks. It always acknowledges with
// 2xx once the payload is authenticated and parseable: the gateway
// retries non-2xx responses aggressively and a processing failure is
// ours to repair, not the gateway's to redeliver forever.
type WebhookHandler struct {
	cfg      Config
	bookings Bookings
	ledger   Ledger
	payouts  Payouts
	alerter  Alerter
	logger   *slog.Logger
}

// NewWebhookHandler creates a gateway webhook handler
func NewWebhookHandler(cfg Config, bookings Bookings, ledger Ledger, payouts Payouts, alerter Alerter, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		cfg:      cfg,
		bookings: bookings,
		ledger:   ledger,
		payouts:  payouts,
		alerter:  alerter,
		logger:   logger,
	}
}

// ServeHTTP handles an incoming gateway callback
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.WebhookToken != "" && r.Header.Get("X-Webhook-Token") != h.cfg.WebhookToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.Error("unparseable gateway webhook", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	h.logger.Info("gateway webhook received",
		"event_type", payload.EventType,
		"reference", payload.Reference,
		"provider_ref", payload.ProviderRef,
		"status", payload.Status,
	)

	ctx := r.Context()
	var err error
	switch payload.EventType {
	case "payment":
		err = h.handlePayment(ctx, payload)
	case "payout":
		err = h.handlePayout(ctx, payload)
	default:
		h.logger.Warn("unknown gateway event type", "event_type", payload.EventType)
	}

	if err != nil {
		h.logger.Error("gateway webhook processing failed",
			"event_type", payload.EventType,
			"reference", payload.Reference,
			"error", err,
		)
		h.alerter.AdminAlert(ctx, "Gateway webhook processing failed",
			"Event "+payload.EventType+" for "+payload.Reference+" needs attention: "+err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handlePayment completes a booking payment: the booking's payment flag
// flips exactly once and each beneficiary's share lands in their pending
// bucket, correlated with the booking ID for the eventual release.
func (h *WebhookHandler) handlePayment(ctx context.Context, payload WebhookPayload) error {
	outcome := NormalizeStatus(payload.Status)
	if outcome == OutcomeUnknown {
		h.logger.Warn("unknown gateway payment status", "status", payload.Status, "reference", payload.Reference)
		return nil
	}
	if outcome == OutcomeFailure {
		h.logger.Info("booking payment failed at gateway",
			"reference", payload.Reference,
			"reason", payload.FailureReason,
		)
		return nil
	}

	b, err := h.bookings.GetByReference(ctx, payload.Reference)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("payment callback for unknown booking", "reference", payload.Reference)
			return nil
		}
		return err
	}

	flipped, err := h.bookings.MarkPaymentCompleted(ctx, b.ID)
	if err != nil {
		return err
	}
	if !flipped {
		// Duplicate delivery; the funds were already credited.
		h.logger.Info("duplicate payment callback ignored", "booking_id", b.ID)
		return nil
	}

	return h.creditBeneficiaries(ctx, b)
}

// creditBeneficiaries distributes the booking amount into pending
// balances: tours pay the guide in full, property bookings split the
// agent's commission off the host's share.
func (h *WebhookHandler) creditBeneficiaries(ctx context.Context, b *booking.Booking) error {
	shares := h.shares(b)
	for userID, amount := range shares {
		if userID == "" || amount.IsZero() {
			continue
		}
		if _, err := h.ledger.CreditPending(ctx, wallet.MovementParams{
			UserID:        userID,
			Amount:        amount,
			Reference:     "PAY-" + b.Reference,
			Description:   "booking payment hold",
			CorrelationID: b.ID,
		}); err != nil {
			return err
		}
	}
	h.logger.Info("booking funds held",
		"booking_id", b.ID,
		"amount", b.Amount,
		"beneficiaries", len(shares),
	)
	return nil
}

func (h *WebhookHandler) shares(b *booking.Booking) map[string]money.Money {
	if b.Kind == booking.KindTour {
		return map[string]money.Money{b.GuideUserID: b.Amount}
	}
	if b.AgentUserID == "" {
		return map[string]money.Money{b.HostUserID: b.Amount}
	}
	hostShare, agentShare := b.Amount.Split(h.cfg.CommissionBps)
	return map[string]money.Money{
		b.HostUserID:  hostShare,
		b.AgentUserID: agentShare,
	}
}

// handlePayout settles a withdrawal from the gateway's terminal payout
// callback.
func (h *WebhookHandler) handlePayout(ctx context.Context, payload WebhookPayload) error {
	outcome := NormalizeStatus(payload.Status)
	if outcome == OutcomeUnknown {
		h.logger.Warn("unknown gateway payout status", "status", payload.Status, "provider_ref", payload.ProviderRef)
		return nil
	}

	_, err := h.payouts.HandleProviderResultByRef(ctx, payload.ProviderRef, outcome == OutcomeSuccess, payload.FailureReason)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("payout callback for unknown provider ref", "provider_ref", payload.ProviderRef)
			return nil
		}
		return err
	}
	return nil
}
