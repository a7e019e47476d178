package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
)

// Store persists withdrawal requests and saved payout methods
type Store struct {
	db *database.DB
}

// NewStore creates a withdrawal store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const requestColumns = `
	id, user_id, amount_minor, currency, method, account, account_name,
	bank_code, payout_method_id, status, reference, provider_ref,
	failure_reason, reviewed_by, created_at, updated_at, approved_at,
	completed_at
`

// Create inserts a new withdrawal request
func (s *Store) Create(ctx context.Context, r *Request) error {
	query := `
		INSERT INTO withdrawal_requests (
			id, user_id, amount_minor, currency, method, account,
			account_name, bank_code, payout_method_id, status, reference,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.UserID, r.Amount.AmountMinor, r.Amount.Currency,
		r.Destination.Method, r.Destination.Account, r.Destination.AccountName,
		r.Destination.BankCode, r.PayoutMethodID, r.Status, r.Reference,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting withdrawal request: %w", err)
	}
	return nil
}

// Get retrieves a withdrawal request by ID
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE id = $1`
	return s.scanRequest(s.db.QueryRow(ctx, query, id))
}

// GetByProviderRef retrieves a request by the provider's payout reference
func (s *Store) GetByProviderRef(ctx context.Context, providerRef string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE provider_ref = $1`
	return s.scanRequest(s.db.QueryRow(ctx, query, providerRef))
}

// GetByReference retrieves a request by its own reference
func (s *Store) GetByReference(ctx context.Context, reference string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE reference = $1`
	return s.scanRequest(s.db.QueryRow(ctx, query, reference))
}

// ListByUser retrieves a user's withdrawal requests, newest first
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Request, int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM withdrawal_requests WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting withdrawal requests: %w", err)
	}

	query := `
		SELECT ` + requestColumns + `
		FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing withdrawal requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		requests = append(requests, r)
	}
	return requests, total, rows.Err()
}

// UpdateStatus moves a request from an expected status to a new one,
// updating the terminal bookkeeping columns as appropriate. Returns
// false when the request was no longer in the expected status, which is
// the serialization point for racing transitions.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to Status, reviewedBy, failureReason string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE withdrawal_requests
		SET status = $1,
		    reviewed_by = CASE WHEN $2 <> '' THEN $2 ELSE reviewed_by END,
		    failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
		    approved_at = CASE WHEN $1 = 'APPROVED' THEN $4 ELSE approved_at END,
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN $4 ELSE completed_at END,
		    updated_at = $4
		WHERE id = $5 AND status = $6
	`
	tag, err := s.db.Exec(ctx, query, to, reviewedBy, failureReason, now, id, from)
	if err != nil {
		return false, fmt.Errorf("updating withdrawal status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderRef records the provider's payout reference
func (s *Store) SetProviderRef(ctx context.Context, id, providerRef string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE withdrawal_requests SET provider_ref = $1, updated_at = $2 WHERE id = $3`,
		providerRef, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("setting provider ref: %w", err)
	}
	return nil
}

// ListApprovedOlderThan retrieves APPROVED requests whose approval
// predates the cutoff. The expiry sweeper drains this set.
func (s *Store) ListApprovedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM withdrawal_requests
		WHERE status = 'APPROVED' AND approved_at < $1
		ORDER BY approved_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale approved withdrawals: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *Store) scanRequest(row pgx.Row) (*Request, error) {
	var (
		r              Request
		amountMinor    int64
		currency       string
		payoutMethodID *string
		providerRef    *string
		failure        *string
		reviewedBy     *string
	)
	err := row.Scan(
		&r.ID, &r.UserID, &amountMinor, &currency,
		&r.Destination.Method, &r.Destination.Account, &r.Destination.AccountName,
		&r.Destination.BankCode, &payoutMethodID, &r.Status, &r.Reference,
		&providerRef, &failure, &reviewedBy, &r.CreatedAt, &r.UpdatedAt,
		&r.ApprovedAt, &r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning withdrawal request: %w", err)
	}
	r.Amount = money.New(amountMinor, money.Currency(currency))
	if payoutMethodID != nil {
		r.PayoutMethodID = *payoutMethodID
	}
	if providerRef != nil {
		r.ProviderRef = *providerRef
	}
	if failure != nil {
		r.FailureReason = *failure
	}
	if reviewedBy != nil {
		r.ReviewedBy = *reviewedBy
	}
	return &r, nil
}

// CreatePayoutMethod saves a payout destination for reuse
func (s *Store) CreatePayoutMethod(ctx context.Context, m *PayoutMethod) error {
	query := `
		INSERT INTO payout_methods (
			id, user_id, label, method, account, account_name, bank_code,
			is_default, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		m.ID, m.UserID, m.Label, m.Destination.Method, m.Destination.Account,
		m.Destination.AccountName, m.Destination.BankCode, m.IsDefault, m.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting payout method: %w", err)
	}
	return nil
}

// GetPayoutMethod retrieves a saved destination owned by the user
func (s *Store) GetPayoutMethod(ctx context.Context, userID, id string) (*PayoutMethod, error) {
	query := `
		SELECT id, user_id, label, method, account, account_name, bank_code,
		       is_default, created_at
		FROM payout_methods
		WHERE id = $1 AND user_id = $2
	`
	var m PayoutMethod
	err := s.db.QueryRow(ctx, query, id, userID).Scan(
		&m.ID, &m.UserID, &m.Label, &m.Destination.Method,
		&m.Destination.Account, &m.Destination.AccountName,
		&m.Destination.BankCode, &m.IsDefault, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting payout method: %w", err)
	}
	return &m, nil
}

// ListPayoutMethods retrieves a user's saved payout destinations
func (s *Store) ListPayoutMethods(ctx context.Context, userID string) ([]*PayoutMethod, error) {
	query := `
		SELECT id, user_id, label, method, account, account_name, bank_code,
		       is_default, created_at
		FROM payout_methods
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing payout methods: %w", err)
	}
	defer rows.Close()

	var methods []*PayoutMethod
	for rows.Next() {
		var m PayoutMethod
		err := rows.Scan(
			&m.ID, &m.UserID, &m.Label, &m.Destination.Method,
			&m.Destination.Account, &m.Destination.AccountName,
			&m.Destination.BankCode, &m.IsDefault, &m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning payout method: %w", err)
		}
		methods = append(methods, &m)
	}
	return methods, rows.Err()
}

// DeletePayoutMethod removes a saved destination owned by the user
func (s *Store) DeletePayoutMethod(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM payout_methods WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting payout method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}
