// Package user exposes the slice of the account directory this service
// depends on: contact details and verification status. Account
// management itself lives upstream.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowpay/internal/common/database"
)

// KYCStatus is the account's know-your-customer state
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// Profile is the directory view of an account
type Profile struct {
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	PhoneVerified bool      `json:"phone_verified"`
	KYCStatus     KYCStatus `json:"kyc_status"`
}

// Directory resolves user profiles
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// Store reads profiles from the shared users table
type Store struct {
	db *database.DB
}

// NewStore creates a user store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

var _ Directory = (*Store)(nil)

// GetProfile retrieves a user profile
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT user_id, name, email, phone, phone_verified, kyc_status
		FROM user_profiles
		WHERE user_id = $1
	`
	var p Profile
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Name, &p.Email, &p.Phone, &p.PhoneVerified, &p.KYCStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning user profile: %w", err)
	}
	return &p, nil
}
