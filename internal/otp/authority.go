// Package otp issues and verifies one-time passcodes bound to a specific
// withdrawal amount. Sessions live in a shared TTL store so multiple
// service instances and restarts see the same state.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"escrowpay/internal/common/money"
	"escrowpay/internal/notify"
	"escrowpay/internal/user"
)

// Domain errors
var (
	ErrExpired         = errors.New("code has expired or no code was issued")
	ErrInvalidCode     = errors.New("code is incorrect")
	ErrTooManyAttempts = errors.New("too many incorrect attempts")
	ErrAmountMismatch  = errors.New("code was issued for a different amount")
	ErrIssueTooSoon    = errors.New("a code was issued recently, wait before requesting another")
	ErrPhoneMismatch   = errors.New("phone number does not match the number on file")
	ErrDelivery        = errors.New("could not deliver the code on any channel")
)

// Session is an ephemeral passcode bound to a user, phone and amount.
// One active session per user; a re-issue supersedes, never merges.
type Session struct {
	Code      string      `json:"code"`
	UserID    string      `json:"user_id"`
	Phone     string      `json:"phone"`
	Amount    money.Money `json:"amount"`
	Attempts  int         `json:"attempts"`
	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// SessionStore persists sessions with a TTL
type SessionStore interface {
	Get(ctx context.Context, userID string) (*Session, bool, error)
	Put(ctx context.Context, userID string, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

// Config holds authority configuration
type Config struct {
	TTL          time.Duration `envconfig:"OTP_TTL" default:"5m"`
	MaxAttempts  int           `envconfig:"OTP_MAX_ATTEMPTS" default:"3"`
	ReissueAfter time.Duration `envconfig:"OTP_REISSUE_AFTER" default:"60s"`
	CodeLength   int           `envconfig:"OTP_CODE_LENGTH" default:"6"`
}

// Channel identifies the delivery channel used for a code
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// IssueResult reports a successful issuance. The raw code is exposed to
// the caller deliberately so it can drive further fallback channels.
type IssueResult struct {
	Code      string
	Channel   Channel
	ExpiresAt time.Time
}

// Authority issues and verifies withdrawal passcodes
type Authority struct {
	sessions  SessionStore
	directory user.Directory
	sms       notify.SMSGateway
	email     notify.EmailGateway
	cfg       Config
	logger    *slog.Logger
}

// NewAuthority creates an OTP authority
func NewAuthority(sessions SessionStore, directory user.Directory, sms notify.SMSGateway, email notify.EmailGateway, cfg Config, logger *slog.Logger) *Authority {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	return &Authority{
		sessions:  sessions,
		directory: directory,
		sms:       sms,
		email:     email,
		cfg:       cfg,
		logger:    logger,
	}
}

// Issue generates a code bound to the amount and sends it to the user's
// registered phone, falling back to email with the same code if SMS
// delivery fails. The supplied phone must match the number on file.
func (a *Authority) Issue(ctx context.Context, userID, phone string, amount money.Money) (*IssueResult, error) {
	profile, err := a.directory.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	if profile.Phone != phone {
		return nil, ErrPhoneMismatch
	}
	if !notify.ValidE164(phone) {
		return nil, fmt.Errorf("%w: %q", notify.ErrInvalidPhone, phone)
	}

	if existing, ok, err := a.sessions.Get(ctx, userID); err != nil {
		return nil, fmt.Errorf("loading otp session: %w", err)
	} else if ok && time.Since(existing.IssuedAt) < a.cfg.ReissueAfter {
		return nil, ErrIssueTooSoon
	}

	code, err := a.newCode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		Code:      code,
		UserID:    userID,
		Phone:     phone,
		Amount:    amount,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.cfg.TTL),
	}
	if err := a.sessions.Put(ctx, userID, session, a.cfg.TTL); err != nil {
		return nil, fmt.Errorf("storing otp session: %w", err)
	}

	message := fmt.Sprintf("Your withdrawal code is %s. It authorizes %s and expires in %d minutes.",
		code, amount, int(a.cfg.TTL.Minutes()))

	if _, err := a.sms.Send(ctx, phone, message); err == nil {
		a.logger.Info("otp delivered", "user_id", userID, "channel", ChannelSMS)
		return &IssueResult{Code: code, Channel: ChannelSMS, ExpiresAt: session.ExpiresAt}, nil
	} else {
		a.logger.Warn("otp sms delivery failed, falling back to email", "user_id", userID, "error", err)
	}

	if err := a.email.Send(ctx, profile.Email, "Your withdrawal code", "<p>"+message+"</p>", message); err != nil {
		// Both channels failed: discard so a stale undelivered code
		// cannot linger.
		_ = a.sessions.Delete(ctx, userID)
		a.logger.Error("otp delivery failed on all channels", "user_id", userID, "error", err)
		return nil, ErrDelivery
	}

	a.logger.Info("otp delivered", "user_id", userID, "channel", ChannelEmail)
	return &IssueResult{Code: code, Channel: ChannelEmail, ExpiresAt: session.ExpiresAt}, nil
}

// Verify checks a code against the user's active session. The session is
// discarded on success, on amount mismatch, and once the attempt budget
// is exhausted; a wrong code only increments the attempt counter.
func (a *Authority) Verify(ctx context.Context, userID, code string, amount money.Money) error {
	session, ok, err := a.sessions.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading otp session: %w", err)
	}
	if !ok {
		return ErrExpired
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		_ = a.sessions.Delete(ctx, userID)
		return ErrExpired
	}

	if session.Attempts >= a.cfg.MaxAttempts {
		_ = a.sessions.Delete(ctx, userID)
		return ErrTooManyAttempts
	}

	if session.Code != code {
		session.Attempts++
		ttl := time.Until(session.ExpiresAt)
		if err := a.sessions.Put(ctx, userID, session, ttl); err != nil {
			a.logger.Error("persisting otp attempt count", "user_id", userID, "error", err)
		}
		return ErrInvalidCode
	}

	// Amounts are integer minor units, so equality is exact.
	if !session.Amount.Equal(amount) {
		_ = a.sessions.Delete(ctx, userID)
		return ErrAmountMismatch
	}

	_ = a.sessions.Delete(ctx, userID)
	return nil
}

func (a *Authority) newCode() (string, error) {
	digits := make([]byte, a.cfg.CodeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generating otp: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
