package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowpay/internal/common/money"
)

func newTestWallet(available, pending int64) *Wallet {
	return &Wallet{
		ID:             "w1",
		UserID:         "u1",
		Balance:        available,
		PendingBalance: pending,
		Currency:       money.RWF,
		IsActive:       true,
	}
}

func TestApplyCredit(t *testing.T) {
	w := newTestWallet(1000, 0)

	e, err := apply(w, EntryTypeCredit, BucketAvailable, 500, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1500), w.Balance)
	assert.Equal(t, int64(1000), e.AvailableBefore)
	assert.Equal(t, int64(1500), e.AvailableAfter)
	assert.Equal(t, int64(0), e.PendingBefore)
	assert.Equal(t, int64(0), e.PendingAfter)
}

func TestApplyPendingHold(t *testing.T) {
	w := newTestWallet(0, 0)

	e, err := apply(w, EntryTypeCredit, BucketPending, 700, false)
	require.NoError(t, err)

	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, int64(700), w.PendingBalance)
	assert.Equal(t, int64(700), e.PendingAfter)
}

func TestApplyReleaseTransfer(t *testing.T) {
	// A release moves pending -> available in one balanced entry.
	w := newTestWallet(200, 1000)

	e, err := apply(w, EntryTypeRelease, BucketAvailable, 1000, true)
	require.NoError(t, err)

	assert.Equal(t, int64(1200), w.Balance)
	assert.Equal(t, int64(0), w.PendingBalance)
	assert.Equal(t, int64(200), e.AvailableBefore)
	assert.Equal(t, int64(1200), e.AvailableAfter)
	assert.Equal(t, int64(1000), e.PendingBefore)
	assert.Equal(t, int64(0), e.PendingAfter)
	// The bucket sum is unchanged by a transfer.
	assert.Equal(t, e.AvailableBefore+e.PendingBefore, e.AvailableAfter+e.PendingAfter)
}

func TestApplyWithdrawalHold(t *testing.T) {
	w := newTestWallet(1000, 0)

	e, err := apply(w, EntryTypeWithdrawal, BucketPending, 400, true)
	require.NoError(t, err)

	assert.Equal(t, int64(600), w.Balance)
	assert.Equal(t, int64(400), w.PendingBalance)
	assert.Equal(t, e.AvailableBefore+e.PendingBefore, e.AvailableAfter+e.PendingAfter)
}

func TestApplyInsufficientFunds(t *testing.T) {
	w := newTestWallet(100, 0)

	_, err := apply(w, EntryTypeDebit, BucketAvailable, -500, false)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestApplyHoldExceedingAvailable(t *testing.T) {
	w := newTestWallet(300, 0)

	_, err := apply(w, EntryTypeWithdrawal, BucketPending, 400, true)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestApplySnapshotChain(t *testing.T) {
	// Each entry's before must equal the previous entry's after.
	w := newTestWallet(0, 0)

	e1, err := apply(w, EntryTypeCredit, BucketAvailable, 1000, false)
	require.NoError(t, err)
	e2, err := apply(w, EntryTypeWithdrawal, BucketPending, 250, true)
	require.NoError(t, err)
	e3, err := apply(w, EntryTypeDebit, BucketPending, -250, false)
	require.NoError(t, err)

	assert.Equal(t, e1.AvailableAfter, e2.AvailableBefore)
	assert.Equal(t, e1.PendingAfter, e2.PendingBefore)
	assert.Equal(t, e2.AvailableAfter, e3.AvailableBefore)
	assert.Equal(t, e2.PendingAfter, e3.PendingBefore)

	assert.Equal(t, int64(750), w.Balance)
	assert.Equal(t, int64(0), w.PendingBalance)
}
