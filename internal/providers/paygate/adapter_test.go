package paygate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowpay/internal/common/money"
	"escrowpay/internal/withdrawal"
)

type fakeRequester struct {
	subject string
	sent    payoutRequest
	resp    payoutResponse
	err     error
}

func (f *fakeRequester) Request(_ context.Context, subject string, payload, reply interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.subject = subject
	f.sent = payload.(payoutRequest)
	*reply.(*payoutResponse) = f.resp
	return nil
}

func payoutRequestFixture() *withdrawal.Request {
	return &withdrawal.Request{
		ID:        "wd1",
		UserID:    "u1",
		Reference: "WD-wd1",
		Amount:    money.New(75000, money.RWF),
		Destination: withdrawal.Destination{
			Method:  withdrawal.MethodMobileMoney,
			Account: "+250788000001",
		},
		Status: withdrawal.StatusProcessing,
	}
}

func newTestAdapter(nats *fakeRequester) *Adapter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(Config{MerchantID: "m1", RequestTimeout: time.Second}, nats, logger)
}

func TestSubmitPayout(t *testing.T) {
	nats := &fakeRequester{resp: payoutResponse{Success: true, ProviderRef: "PR-1"}}
	adapter := newTestAdapter(nats)

	ref, err := adapter.Submit(context.Background(), payoutRequestFixture())
	require.NoError(t, err)
	assert.Equal(t, "PR-1", ref)

	assert.Equal(t, SubjectPayout, nats.subject)
	assert.Equal(t, "m1", nats.sent.MerchantID)
	assert.Equal(t, "WD-wd1", nats.sent.Reference)
	assert.Equal(t, int64(75000), nats.sent.Amount)
	assert.Equal(t, "RWF", nats.sent.Currency)
	assert.Equal(t, "mobile_money", nats.sent.Method)
	assert.True(t, len(nats.sent.PayoutID) > 3 && nats.sent.PayoutID[:3] == "PO-")
}

func TestSubmitPayoutRejected(t *testing.T) {
	nats := &fakeRequester{resp: payoutResponse{Success: false, Error: "unknown account"}}
	adapter := newTestAdapter(nats)

	_, err := adapter.Submit(context.Background(), payoutRequestFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown account")
}

func TestSubmitPayoutBridgeError(t *testing.T) {
	nats := &fakeRequester{err: errors.New("timeout")}
	adapter := newTestAdapter(nats)

	_, err := adapter.Submit(context.Background(), payoutRequestFixture())
	require.Error(t, err)
}
