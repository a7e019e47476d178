package paygate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowpay/internal/booking"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
	"escrowpay/internal/wallet"
	"escrowpay/internal/withdrawal"
)

type fakeBookings struct {
	byReference map[string]*booking.Booking
	completed   map[string]bool
}

func newFakeBookings(bs ...*booking.Booking) *fakeBookings {
	f := &fakeBookings{
		byReference: make(map[string]*booking.Booking),
		completed:   make(map[string]bool),
	}
	for _, b := range bs {
		f.byReference[b.Reference] = b
	}
	return f
}

func (f *fakeBookings) GetByReference(_ context.Context, reference string) (*booking.Booking, error) {
	b, ok := f.byReference[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) MarkPaymentCompleted(_ context.Context, id string) (bool, error) {
	if f.completed[id] {
		return false, nil
	}
	f.completed[id] = true
	return true, nil
}

type fakeWebhookLedger struct {
	credits []wallet.MovementParams
	err     error
}

func (l *fakeWebhookLedger) CreditPending(_ context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.credits = append(l.credits, p)
	return &wallet.Entry{ID: "e1"}, nil
}

func (l *fakeWebhookLedger) creditFor(userID string) (wallet.MovementParams, bool) {
	for _, c := range l.credits {
		if c.UserID == userID {
			return c, true
		}
	}
	return wallet.MovementParams{}, false
}

type fakePayouts struct {
	results map[string]bool // providerRef -> success
	missing bool
}

func (p *fakePayouts) HandleProviderResultByRef(_ context.Context, providerRef string, success bool, _ string) (*withdrawal.Request, error) {
	if p.missing {
		return nil, database.ErrNotFound
	}
	if p.results == nil {
		p.results = make(map[string]bool)
	}
	p.results[providerRef] = success
	return &withdrawal.Request{ProviderRef: providerRef}, nil
}

type fakeAlerter struct {
	alerts []string
}

func (a *fakeAlerter) AdminAlert(_ context.Context, subject, _ string) {
	a.alerts = append(a.alerts, subject)
}

type webhookEnv struct {
	bookings *fakeBookings
	ledger   *fakeWebhookLedger
	payouts  *fakePayouts
	alerter  *fakeAlerter
	handler  *WebhookHandler
}

func newWebhookEnv(bs ...*booking.Booking) *webhookEnv {
	e := &webhookEnv{
		bookings: newFakeBookings(bs...),
		ledger:   &fakeWebhookLedger{},
		payouts:  &fakePayouts{},
		alerter:  &fakeAlerter{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{WebhookToken: "secret", CommissionBps: 1000}
	e.handler = NewWebhookHandler(cfg, e.bookings, e.ledger, e.payouts, e.alerter, logger)
	return e
}

func (e *webhookEnv) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paygate", strings.NewReader(body))
	req.Header.Set("X-Webhook-Token", "secret")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func propertyBooking() *booking.Booking {
	return &booking.Booking{
		ID:          "bk1",
		Kind:        booking.KindProperty,
		Reference:   "REF-1",
		GuestUserID: "guest",
		HostUserID:  "host",
		AgentUserID: "agent",
		Amount:      money.New(100000, money.RWF),
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		status string
		want   Outcome
	}{
		{"COMPLETED", OutcomeSuccess},
		{"success", OutcomeSuccess},
		{"Successful", OutcomeSuccess},
		{" SETTLED ", OutcomeSuccess},
		{"FAILED", OutcomeFailure},
		{"failure", OutcomeFailure},
		{"INVALID", OutcomeFailure},
		{"rejected", OutcomeFailure},
		{"CANCELLED", OutcomeFailure},
		{"PENDING", OutcomeUnknown},
		{"", OutcomeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeStatus(tc.status), tc.status)
	}
}

func TestPaymentSuccessSplitsCommission(t *testing.T) {
	e := newWebhookEnv(propertyBooking())

	rec := e.post(t, `{"event_type":"payment","reference":"REF-1","status":"COMPLETED"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	host, ok := e.ledger.creditFor("host")
	require.True(t, ok)
	agent, ok := e.ledger.creditFor("agent")
	require.True(t, ok)

	// 10% commission off a 100000 booking.
	assert.Equal(t, int64(90000), host.Amount.AmountMinor)
	assert.Equal(t, int64(10000), agent.Amount.AmountMinor)
	assert.Equal(t, "PAY-REF-1", host.Reference)
	assert.Equal(t, "bk1", host.CorrelationID)
}

func TestPaymentWithoutAgentPaysHostInFull(t *testing.T) {
	b := propertyBooking()
	b.AgentUserID = ""
	e := newWebhookEnv(b)

	e.post(t, `{"event_type":"payment","reference":"REF-1","status":"COMPLETED"}`)

	require.Len(t, e.ledger.credits, 1)
	assert.Equal(t, "host", e.ledger.credits[0].UserID)
	assert.Equal(t, int64(100000), e.ledger.credits[0].Amount.AmountMinor)
}

func TestPaymentTourPaysGuideInFull(t *testing.T) {
	b := &booking.Booking{
		ID:          "bk2",
		Kind:        booking.KindTour,
		Reference:   "REF-2",
		GuideUserID: "guide",
		Amount:      money.New(50000, money.RWF),
	}
	e := newWebhookEnv(b)

	e.post(t, `{"event_type":"payment","reference":"REF-2","status":"SUCCESS"}`)

	require.Len(t, e.ledger.credits, 1)
	assert.Equal(t, "guide", e.ledger.credits[0].UserID)
	assert.Equal(t, int64(50000), e.ledger.credits[0].Amount.AmountMinor)
}

func TestDuplicatePaymentCreditsOnce(t *testing.T) {
	e := newWebhookEnv(propertyBooking())

	e.post(t, `{"event_type":"payment","reference":"REF-1","status":"COMPLETED"}`)
	rec := e.post(t, `{"event_type":"payment","reference":"REF-1","status":"COMPLETED"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, e.ledger.credits, 2) // host + agent, once
	assert.Empty(t, e.alerter.alerts)
}

func TestPaymentFailureCreditsNothing(t *testing.T) {
	e := newWebhookEnv(propertyBooking())

	rec := e.post(t, `{"event_type":"payment","reference":"REF-1","status":"FAILED","failure_reason":"declined"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.ledger.credits)
	assert.False(t, e.bookings.completed["bk1"])
}

func TestPaymentUnknownBookingAcknowledged(t *testing.T) {
	e := newWebhookEnv()

	rec := e.post(t, `{"event_type":"payment","reference":"NOPE","status":"COMPLETED"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.ledger.credits)
	assert.Empty(t, e.alerter.alerts)
}

func TestPaymentProcessingFailureAlertsButAcks(t *testing.T) {
	e := newWebhookEnv(propertyBooking())
	e.ledger.err = errors.New("db down")

	rec := e.post(t, `{"event_type":"payment","reference":"REF-1","status":"COMPLETED"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.alerter.alerts, 1)
}

func TestPayoutCallbackSettles(t *testing.T) {
	e := newWebhookEnv()

	rec := e.post(t, `{"event_type":"payout","provider_ref":"PR-1","status":"COMPLETED"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	success, ok := e.payouts.results["PR-1"]
	require.True(t, ok)
	assert.True(t, success)

	rec = e.post(t, `{"event_type":"payout","provider_ref":"PR-2","status":"FAILED","failure_reason":"account closed"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	success, ok = e.payouts.results["PR-2"]
	require.True(t, ok)
	assert.False(t, success)
}

func TestPayoutUnknownRefAcknowledged(t *testing.T) {
	e := newWebhookEnv()
	e.payouts.missing = true

	rec := e.post(t, `{"event_type":"payout","provider_ref":"PR-9","status":"COMPLETED"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.alerter.alerts)
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	e := newWebhookEnv()

	rec := e.post(t, `{"event_type":"chargeback","reference":"REF-1","status":"COMPLETED"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadToken(t *testing.T) {
	e := newWebhookEnv()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paygate", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Token", "wrong")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	e := newWebhookEnv()

	rec := e.post(t, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsNonPost(t *testing.T) {
	e := newWebhookEnv()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/paygate", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
