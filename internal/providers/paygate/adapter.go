// Package paygate bridges the mobile money / bank payment gateway: the
// adapter submits payouts over the NATS request-reply bridge, the
// webhook handler ingests the gateway's asynchronous callbacks.
package paygate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"escrowpay/internal/withdrawal"
)

// NATS subjects on the gateway bridge
const (
	SubjectPayout = "paygate.payout.submit"
)

// Config holds gateway adapter configuration
type Config struct {
	MerchantID     string        `envconfig:"PAYGATE_MERCHANT_ID"`
	WebhookToken   string        `envconfig:"PAYGATE_WEBHOOK_TOKEN"`
	CommissionBps  int64         `envconfig:"PAYGATE_COMMISSION_BPS" default:"1000"`
	RequestTimeout time.Duration `envconfig:"PAYGATE_TIMEOUT" default:"30s"`
}

// Requester performs a request/reply exchange with the gateway bridge
type Requester interface {
	Request(ctx context.Context, subject string, payload, reply interface{}) error
}

// Adapter submits payouts to the gateway
type Adapter struct {
	cfg    Config
	nats   Requester
	logger *slog.Logger
}

// NewAdapter creates a payout adapter
func NewAdapter(cfg Config, nats Requester, logger *slog.Logger) *Adapter {
	return &Adapter{cfg: cfg, nats: nats, logger: logger}
}

var _ withdrawal.Submitter = (*Adapter)(nil)

type payoutRequest struct {
	PayoutID    string `json:"payout_id"`
	MerchantID  string `json:"merchant_id"`
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Account     string `json:"account"`
	AccountName string `json:"account_name,omitempty"`
	BankCode    string `json:"bank_code,omitempty"`
}

type payoutResponse struct {
	Success     bool   `json:"success"`
	ProviderRef string `json:"provider_ref"`
	Error       string `json:"error,omitempty"`
}

// Submit hands a payout to the gateway and returns the provider's
// reference. Acceptance here only means the payout is queued; the
// terminal outcome arrives on the webhook.
func (a *Adapter) Submit(ctx context.Context, r *withdrawal.Request) (string, error) {
	payoutID := fmt.Sprintf("PO-%s", ulid.Make().String())

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req := payoutRequest{
		PayoutID:    payoutID,
		MerchantID:  a.cfg.MerchantID,
		Reference:   r.Reference,
		Amount:      r.Amount.AmountMinor,
		Currency:    string(r.Amount.Currency),
		Method:      string(r.Destination.Method),
		Account:     r.Destination.Account,
		AccountName: r.Destination.AccountName,
		BankCode:    r.Destination.BankCode,
	}

	var resp payoutResponse
	if err := a.nats.Request(ctx, SubjectPayout, req, &resp); err != nil {
		return "", fmt.Errorf("submitting payout: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("gateway rejected payout: %s", resp.Error)
	}

	a.logger.Info("payout submitted",
		"request_id", r.ID,
		"payout_id", payoutID,
		"provider_ref", resp.ProviderRef,
		"amount", r.Amount,
	)
	return resp.ProviderRef, nil
}
