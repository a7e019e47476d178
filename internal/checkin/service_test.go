package checkin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowpay/internal/booking"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
	"escrowpay/internal/user"
)

type fakeStore struct {
	bookings map[string]*booking.Booking

	codeConflicts int // SetCode returns ErrConflict this many times first
	concurrentSet bool
}

func newFakeStore(bs ...*booking.Booking) *fakeStore {
	s := &fakeStore{bookings: make(map[string]*booking.Booking)}
	for _, b := range bs {
		s.bookings[b.ID] = b
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*booking.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (s *fakeStore) SetCode(_ context.Context, id, code string) error {
	if s.codeConflicts > 0 {
		s.codeConflicts--
		return database.ErrConflict
	}
	b := s.bookings[id]
	if s.concurrentSet || b.CheckIn.BookingCode != "" {
		return database.ErrAlreadyExists
	}
	b.CheckIn.BookingCode = code
	return nil
}

func (s *fakeStore) IncrementCodeAttempts(_ context.Context, id string) (int, error) {
	b := s.bookings[id]
	b.CheckIn.CodeAttempts++
	return b.CheckIn.CodeAttempts, nil
}

func (s *fakeStore) MarkCheckedIn(_ context.Context, id, staffUserID string) (bool, error) {
	b := s.bookings[id]
	if b.CheckIn.CheckInValidated {
		return false, nil
	}
	b.CheckIn.CheckInValidated = true
	b.CheckIn.CheckInValidatedBy = staffUserID
	return true, nil
}

func (s *fakeStore) MarkCheckedOut(_ context.Context, id string) (bool, error) {
	b := s.bookings[id]
	if !b.CheckIn.CheckInValidated || b.CheckIn.CheckOutValidated {
		return false, nil
	}
	b.CheckIn.CheckOutValidated = true
	return true, nil
}

type fakeReleaser struct {
	released []string
	err      error
}

func (r *fakeReleaser) Release(_ context.Context, b *booking.Booking) error {
	if r.err != nil {
		return r.err
	}
	r.released = append(r.released, b.ID)
	return nil
}

type fakeNotifier struct {
	codes     []string
	confirms  int
	checkouts int
}

func (n *fakeNotifier) CheckInCode(_ context.Context, _, _, _, code string) {
	n.codes = append(n.codes, code)
}

func (n *fakeNotifier) CheckInConfirmed(_ context.Context, _, _, _, _, _ string) {
	n.confirms++
}

func (n *fakeNotifier) CheckOutConfirmed(_ context.Context, _, _, _ string) {
	n.checkouts++
}

type fakeDirectory struct{}

func (fakeDirectory) GetProfile(_ context.Context, userID string) (*user.Profile, error) {
	return &user.Profile{UserID: userID, Email: userID + "@example.com"}, nil
}

func paidBooking() *booking.Booking {
	return &booking.Booking{
		ID:               "bk1",
		Kind:             booking.KindProperty,
		Reference:        "REF-1",
		GuestUserID:      "guest",
		GuestName:        "Guest",
		GuestPhone:       "+250788000001",
		GuestEmail:       "guest@example.com",
		HostUserID:       "host",
		Amount:           money.New(100000, money.RWF),
		PaymentMode:      booking.PayOnline,
		PaymentCompleted: true,
	}
}

func newTestService(store *fakeStore, releaser *fakeReleaser, notifier *fakeNotifier) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, releaser, notifier, fakeDirectory{}, nil, Config{MaxCodeAttempts: 3}, logger)
}

func TestLookupGeneratesCodeOnce(t *testing.T) {
	store := newFakeStore(paidBooking())
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeReleaser{}, notifier)

	result, err := svc.Lookup(context.Background(), "bk1", "host")
	require.NoError(t, err)
	assert.True(t, result.CodeGenerated)
	code := result.Booking.CheckIn.BookingCode
	assert.True(t, booking.ValidCode(code))
	assert.Equal(t, []string{code}, notifier.codes)

	// Second lookup returns the same code without re-sending it.
	result2, err := svc.Lookup(context.Background(), "bk1", "host")
	require.NoError(t, err)
	assert.False(t, result2.CodeGenerated)
	assert.Equal(t, code, result2.Booking.CheckIn.BookingCode)
	assert.Len(t, notifier.codes, 1)
}

func TestLookupUnauthorized(t *testing.T) {
	store := newFakeStore(paidBooking())
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	_, err := svc.Lookup(context.Background(), "bk1", "guest")
	assert.ErrorIs(t, err, booking.ErrUnauthorized)
}

func TestLookupPaymentNotCompleted(t *testing.T) {
	b := paidBooking()
	b.PaymentCompleted = false
	store := newFakeStore(b)
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	_, err := svc.Lookup(context.Background(), "bk1", "host")
	assert.ErrorIs(t, err, booking.ErrPaymentNotCompleted)
}

func TestLookupRetriesOnCodeCollision(t *testing.T) {
	store := newFakeStore(paidBooking())
	store.codeConflicts = 2
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	result, err := svc.Lookup(context.Background(), "bk1", "host")
	require.NoError(t, err)
	assert.True(t, booking.ValidCode(result.Booking.CheckIn.BookingCode))
}

func TestConfirmSuccess(t *testing.T) {
	store := newFakeStore(paidBooking())
	releaser := &fakeReleaser{}
	notifier := &fakeNotifier{}
	svc := newTestService(store, releaser, notifier)

	result, err := svc.Lookup(context.Background(), "bk1", "host")
	require.NoError(t, err)
	code := result.Booking.CheckIn.BookingCode

	b, err := svc.Confirm(context.Background(), "bk1", code, "host", "room 4 upstairs")
	require.NoError(t, err)
	assert.True(t, b.CheckIn.CheckInValidated)
	assert.Equal(t, "host", b.CheckIn.CheckInValidatedBy)
	assert.Equal(t, []string{"bk1"}, releaser.released)
	assert.Equal(t, 1, notifier.confirms)
}

func TestConfirmWrongCode(t *testing.T) {
	store := newFakeStore(paidBooking())
	releaser := &fakeReleaser{}
	svc := newTestService(store, releaser, &fakeNotifier{})

	_, err := svc.Lookup(context.Background(), "bk1", "host")
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), "bk1", "WRONG2", "host", "")
	assert.ErrorIs(t, err, booking.ErrInvalidCode)
	assert.Empty(t, releaser.released)
	assert.False(t, store.bookings["bk1"].CheckIn.CheckInValidated)
	assert.Equal(t, 1, store.bookings["bk1"].CheckIn.CodeAttempts)
}

func TestConfirmCaseSensitive(t *testing.T) {
	b := paidBooking()
	b.CheckIn.BookingCode = "ABCDEF"
	store := newFakeStore(b)
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	_, err := svc.Confirm(context.Background(), "bk1", "abcdef", "host", "")
	assert.ErrorIs(t, err, booking.ErrInvalidCode)
}

func TestConfirmAttemptBudget(t *testing.T) {
	b := paidBooking()
	b.CheckIn.BookingCode = "ABCDEF"
	store := newFakeStore(b)
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	for i := 0; i < 3; i++ {
		_, err := svc.Confirm(context.Background(), "bk1", "WRONG2", "host", "")
		assert.ErrorIs(t, err, booking.ErrInvalidCode)
	}

	// The budget is exhausted even with the right code.
	_, err := svc.Confirm(context.Background(), "bk1", "ABCDEF", "host", "")
	assert.ErrorIs(t, err, ErrTooManyCodeAttempts)
}

func TestConfirmAlreadyCheckedIn(t *testing.T) {
	b := paidBooking()
	b.CheckIn.BookingCode = "ABCDEF"
	b.CheckIn.CheckInValidated = true
	store := newFakeStore(b)
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	_, err := svc.Confirm(context.Background(), "bk1", "ABCDEF", "host", "")
	assert.ErrorIs(t, err, booking.ErrAlreadyCheckedIn)
}

func TestConfirmReleaseFailureSurfaces(t *testing.T) {
	b := paidBooking()
	b.CheckIn.BookingCode = "ABCDEF"
	store := newFakeStore(b)
	releaser := &fakeReleaser{err: errors.New("ledger down")}
	svc := newTestService(store, releaser, &fakeNotifier{})

	_, err := svc.Confirm(context.Background(), "bk1", "ABCDEF", "host", "")
	require.Error(t, err)
	// The check-in flag stays committed so a retry can re-drive the release.
	assert.True(t, store.bookings["bk1"].CheckIn.CheckInValidated)
}

func TestConfirmCheckOut(t *testing.T) {
	b := paidBooking()
	b.CheckIn.CheckInValidated = true
	store := newFakeStore(b)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeReleaser{}, notifier)

	out, err := svc.ConfirmCheckOut(context.Background(), "bk1", "host")
	require.NoError(t, err)
	assert.True(t, out.CheckIn.CheckOutValidated)
	assert.Equal(t, 1, notifier.checkouts)

	_, err = svc.ConfirmCheckOut(context.Background(), "bk1", "host")
	assert.ErrorIs(t, err, booking.ErrAlreadyCheckedOut)
}

func TestConfirmCheckOutRequiresCheckIn(t *testing.T) {
	store := newFakeStore(paidBooking())
	svc := newTestService(store, &fakeReleaser{}, &fakeNotifier{})

	_, err := svc.ConfirmCheckOut(context.Background(), "bk1", "host")
	assert.ErrorIs(t, err, booking.ErrNotCheckedIn)
}
