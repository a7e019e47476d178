package withdrawal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
	"escrowpay/internal/otp"
	"escrowpay/internal/user"
	"escrowpay/internal/wallet"
)

type fakeRequestStore struct {
	requests  map[string]*Request
	methods   map[string]*PayoutMethod
	createErr error
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{
		requests: make(map[string]*Request),
		methods:  make(map[string]*PayoutMethod),
	}
}

func (s *fakeRequestStore) Create(_ context.Context, r *Request) error {
	if s.createErr != nil {
		return s.createErr
	}
	copy := *r
	s.requests[r.ID] = &copy
	return nil
}

func (s *fakeRequestStore) Get(_ context.Context, id string) (*Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

func (s *fakeRequestStore) GetByProviderRef(_ context.Context, providerRef string) (*Request, error) {
	for _, r := range s.requests {
		if r.ProviderRef == providerRef {
			copy := *r
			return &copy, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeRequestStore) ListByUser(_ context.Context, userID string, _, _ int) ([]*Request, int64, error) {
	var out []*Request
	for _, r := range s.requests {
		if r.UserID == userID {
			copy := *r
			out = append(out, &copy)
		}
	}
	return out, int64(len(out)), nil
}

func (s *fakeRequestStore) UpdateStatus(_ context.Context, id string, from, to Status, reviewedBy, failureReason string) (bool, error) {
	r, ok := s.requests[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if reviewedBy != "" {
		r.ReviewedBy = reviewedBy
	}
	if failureReason != "" {
		r.FailureReason = failureReason
	}
	now := time.Now().UTC()
	if to == StatusApproved {
		r.ApprovedAt = &now
	}
	if to == StatusCompleted {
		r.CompletedAt = &now
	}
	return true, nil
}

func (s *fakeRequestStore) SetProviderRef(_ context.Context, id, providerRef string) error {
	if r, ok := s.requests[id]; ok {
		r.ProviderRef = providerRef
	}
	return nil
}

func (s *fakeRequestStore) ListApprovedOlderThan(_ context.Context, cutoff time.Time, _ int) ([]*Request, error) {
	var out []*Request
	for _, r := range s.requests {
		if r.Status == StatusApproved && r.ApprovedAt != nil && r.ApprovedAt.Before(cutoff) {
			copy := *r
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) CreatePayoutMethod(_ context.Context, m *PayoutMethod) error {
	s.methods[m.ID] = m
	return nil
}

func (s *fakeRequestStore) GetPayoutMethod(_ context.Context, userID, id string) (*PayoutMethod, error) {
	m, ok := s.methods[id]
	if !ok || m.UserID != userID {
		return nil, database.ErrNotFound
	}
	return m, nil
}

func (s *fakeRequestStore) ListPayoutMethods(_ context.Context, userID string) ([]*PayoutMethod, error) {
	var out []*PayoutMethod
	for _, m := range s.methods {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) DeletePayoutMethod(_ context.Context, userID, id string) error {
	m, ok := s.methods[id]
	if !ok || m.UserID != userID {
		return database.ErrNotFound
	}
	delete(s.methods, id)
	return nil
}

type fakeLedger struct {
	holds   []wallet.MovementParams
	refunds []wallet.MovementParams
	settles []wallet.MovementParams
	holdErr error
}

func (l *fakeLedger) HoldForWithdrawal(_ context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	if l.holdErr != nil {
		return nil, l.holdErr
	}
	l.holds = append(l.holds, p)
	return &wallet.Entry{ID: "hold-1", Amount: p.Amount.AmountMinor}, nil
}

func (l *fakeLedger) RefundWithdrawal(_ context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	l.refunds = append(l.refunds, p)
	return &wallet.Entry{ID: "refund-1"}, nil
}

func (l *fakeLedger) SettleWithdrawal(_ context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	l.settles = append(l.settles, p)
	return &wallet.Entry{ID: "settle-1"}, nil
}

type fakeVerifier struct {
	err      error
	verified int
}

func (v *fakeVerifier) Verify(_ context.Context, _, _ string, _ money.Money) error {
	if v.err != nil {
		return v.err
	}
	v.verified++
	return nil
}

type fakeSubmitter struct {
	refs      []string
	submitErr error
}

func (s *fakeSubmitter) Submit(_ context.Context, r *Request) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	ref := "PROV-" + r.ID
	s.refs = append(s.refs, ref)
	return ref, nil
}

type fakeNotifier struct {
	statuses []string
	alerts   []string
}

func (n *fakeNotifier) WithdrawalStatus(_ context.Context, _, _, _ string, _ money.Money, status string, _ bool, _ string) {
	n.statuses = append(n.statuses, status)
}

func (n *fakeNotifier) AdminAlert(_ context.Context, subject, _ string) {
	n.alerts = append(n.alerts, subject)
}

type fakeDirectory struct {
	kyc           user.KYCStatus
	phoneVerified bool
}

func (d fakeDirectory) GetProfile(_ context.Context, userID string) (*user.Profile, error) {
	return &user.Profile{
		UserID:        userID,
		Email:         userID + "@example.com",
		Phone:         "+250788000001",
		PhoneVerified: d.phoneVerified,
		KYCStatus:     d.kyc,
	}, nil
}

type env struct {
	store     *fakeRequestStore
	ledger    *fakeLedger
	verifier  *fakeVerifier
	submitter *fakeSubmitter
	notifier  *fakeNotifier
	service   *Service
}

func newTestEnv(policy ApprovalPolicy, directory fakeDirectory) *env {
	e := &env{
		store:     newFakeRequestStore(),
		ledger:    &fakeLedger{},
		verifier:  &fakeVerifier{},
		submitter: &fakeSubmitter{},
		notifier:  &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.service = NewService(
		e.store, e.ledger, e.verifier, e.submitter, e.notifier,
		directory, nil, policy,
		Config{HighValueMinor: 1000000, ApprovalTTL: 24 * time.Hour},
		logger,
	)
	return e
}

func approvedDirectory() fakeDirectory {
	return fakeDirectory{kyc: user.KYCApproved, phoneVerified: true}
}

func createParams(amountMinor int64) CreateParams {
	return CreateParams{
		UserID: "u1",
		Amount: money.New(amountMinor, money.RWF),
		Destination: Destination{
			Method:  MethodMobileMoney,
			Account: "+250788000001",
		},
		Code: "123456",
	}
}

func TestCreatePending(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())

	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "WD-"+r.ID, r.Reference)
	require.Len(t, e.ledger.holds, 1)
	assert.Equal(t, r.ID, e.ledger.holds[0].CorrelationID)
	assert.Empty(t, e.ledger.refunds)
	assert.Equal(t, 1, e.verifier.verified)
}

func TestCreateOTPFailureHoldsNothing(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	e.verifier.err = otp.ErrInvalidCode

	_, err := e.service.Create(context.Background(), createParams(50000))
	assert.ErrorIs(t, err, otp.ErrInvalidCode)
	assert.Empty(t, e.ledger.holds)
	assert.Empty(t, e.store.requests)
}

func TestCreateRequiresApprovedKYC(t *testing.T) {
	e := newTestEnv(ManualApproval{}, fakeDirectory{kyc: user.KYCPending, phoneVerified: true})

	_, err := e.service.Create(context.Background(), createParams(50000))
	assert.ErrorIs(t, err, ErrKYCRequired)
	assert.Equal(t, 0, e.verifier.verified)
}

func TestCreateHighValueRequiresVerifiedPhone(t *testing.T) {
	e := newTestEnv(ManualApproval{}, fakeDirectory{kyc: user.KYCApproved, phoneVerified: false})

	_, err := e.service.Create(context.Background(), createParams(2000000))
	assert.ErrorIs(t, err, ErrPhoneUnverified)
	assert.Empty(t, e.ledger.holds)
}

func TestCreateInsufficientFunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	e.ledger.holdErr = wallet.ErrInsufficientFunds

	_, err := e.service.Create(context.Background(), createParams(50000))
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	assert.Empty(t, e.store.requests)
}

func TestCreateStoreFailureRefundsHold(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	e.store.createErr = errors.New("db down")

	_, err := e.service.Create(context.Background(), createParams(50000))
	require.Error(t, err)
	require.Len(t, e.ledger.holds, 1)
	require.Len(t, e.ledger.refunds, 1)
	assert.Equal(t, e.ledger.holds[0].Amount, e.ledger.refunds[0].Amount)
}

func TestCreateInvalidDestination(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())

	p := createParams(50000)
	p.Destination = Destination{Method: MethodBank, Account: "12345"} // missing bank code
	_, err := e.service.Create(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestCreateFromSavedPayoutMethod(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	saved, err := e.service.SavePayoutMethod(context.Background(), "u1", "my bank", Destination{
		Method:   MethodBank,
		Account:  "000123456",
		BankCode: "BK01",
	}, true)
	require.NoError(t, err)

	p := createParams(50000)
	p.Destination = Destination{}
	p.PayoutMethodID = saved.ID

	r, err := e.service.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, r.PayoutMethodID)
	assert.Equal(t, MethodBank, r.Destination.Method)
	assert.Equal(t, "000123456", r.Destination.Account)
}

func TestCreateFromForeignPayoutMethodFails(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	other := &PayoutMethod{ID: "pm-other", UserID: "u2", Destination: Destination{
		Method:  MethodMobileMoney,
		Account: "+250788999999",
	}}
	require.NoError(t, e.store.CreatePayoutMethod(context.Background(), other))

	p := createParams(50000)
	p.Destination = Destination{}
	p.PayoutMethodID = "pm-other"

	_, err := e.service.Create(context.Background(), p)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Empty(t, e.ledger.holds)
}

func TestAutoApprovalSubmitsPayout(t *testing.T) {
	e := newTestEnv(ThresholdApproval{MaxMinor: 100000}, approvedDirectory())

	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, r.Status)
	require.Len(t, e.submitter.refs, 1)
	stored, _ := e.store.Get(context.Background(), r.ID)
	assert.Equal(t, e.submitter.refs[0], stored.ProviderRef)
}

func TestRejectRefunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	rejected, err := e.service.Reject(context.Background(), r.ID, "admin", "suspicious")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "suspicious", rejected.FailureReason)
	require.Len(t, e.ledger.refunds, 1)
}

func TestCancelByOwnerRefunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	cancelled, err := e.service.Cancel(context.Background(), r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.Len(t, e.ledger.refunds, 1)
}

func TestCancelApprovedRefunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)
	moved, err := e.store.UpdateStatus(context.Background(), r.ID, StatusPending, StatusApproved, "admin", "")
	require.NoError(t, err)
	require.True(t, moved)

	cancelled, err := e.service.Cancel(context.Background(), r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.Len(t, e.ledger.refunds, 1)
}

func TestCancelByStrangerFails(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	_, err = e.service.Cancel(context.Background(), r.ID, "u2")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, e.ledger.refunds)
}

func TestProviderSuccessSettles(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	_, err = e.service.Approve(context.Background(), r.ID, "admin")
	require.NoError(t, err)

	done, err := e.service.HandleProviderResult(context.Background(), r.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.Len(t, e.ledger.settles, 1)
	assert.Empty(t, e.ledger.refunds)
}

func TestProviderFailureRefunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	_, err = e.service.Approve(context.Background(), r.ID, "admin")
	require.NoError(t, err)

	failed, err := e.service.HandleProviderResult(context.Background(), r.ID, false, "account closed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "account closed", failed.FailureReason)
	require.Len(t, e.ledger.refunds, 1)
	assert.Empty(t, e.ledger.settles)
}

func TestDuplicateProviderCallbackIsNoop(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	_, err = e.service.Approve(context.Background(), r.ID, "admin")
	require.NoError(t, err)
	_, err = e.service.HandleProviderResult(context.Background(), r.ID, true, "")
	require.NoError(t, err)

	again, err := e.service.HandleProviderResult(context.Background(), r.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, e.ledger.settles, 1)
}

func TestSubmissionFailureIsTerminal(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	e.submitter.submitErr = errors.New("bridge down")

	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)

	failed, err := e.service.Approve(context.Background(), r.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.Len(t, e.ledger.refunds, 1)
}

func TestExpireRefunds(t *testing.T) {
	e := newTestEnv(ManualApproval{}, approvedDirectory())
	r, err := e.service.Create(context.Background(), createParams(50000))
	require.NoError(t, err)
	_, err = e.service.Approve(context.Background(), r.ID, "admin")
	require.NoError(t, err)

	expired, err := e.service.Expire(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	require.Len(t, e.ledger.refunds, 1)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusApproved))
	assert.True(t, CanTransition(StatusApproved, StatusExpired))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
}

func TestRefundableStatuses(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusFailed, StatusExpired, StatusCancelled} {
		assert.True(t, s.Refundable(), string(s))
		assert.True(t, s.Terminal(), string(s))
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusCompleted.Refundable())
	assert.False(t, StatusProcessing.Terminal())
}
