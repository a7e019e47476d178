// Package notify carries guest, staff and admin notifications over the
// SMS/WhatsApp and email gateways. Dispatch is fire-and-forget: a
// delivery failure is logged and never unwinds the state change that
// triggered it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"escrowpay/internal/common/money"
)

// ErrInvalidPhone is returned for numbers that are not E.164
var ErrInvalidPhone = errors.New("phone number is not E.164")

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidE164 reports whether a phone number is E.164 formatted
func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

// SMSGateway delivers a short message to an E.164 number. Implementations
// must reject non-E.164 input before dispatch.
type SMSGateway interface {
	Send(ctx context.Context, phone, message string) (providerMessageID string, err error)
}

// EmailGateway delivers an email
type EmailGateway interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

// Config holds notifier configuration
type Config struct {
	AdminEmail string `envconfig:"NOTIFY_ADMIN_EMAIL" default:"ops@escrowpay.local"`
}

// Dispatcher renders and sends domain notifications
type Dispatcher struct {
	sms    SMSGateway
	email  EmailGateway
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(sms SMSGateway, email EmailGateway, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sms: sms, email: email, cfg: cfg, logger: logger}
}

// CheckInCode sends a freshly generated verification code to the guest
// over SMS and email in parallel. Each channel is best-effort; one
// failing does not block the other.
func (d *Dispatcher) CheckInCode(ctx context.Context, phone, email, guestName, code string) {
	message := fmt.Sprintf("Hi %s, your check-in code is %s. Share it with your host on arrival.", guestName, code)
	subject := "Your check-in code"
	html := fmt.Sprintf("<p>Hi %s,</p><p>Your check-in code is <strong>%s</strong>. Share it with your host on arrival.</p>", guestName, code)

	go d.sendSMS(phone, message)
	go d.sendEmail(email, subject, html, message)
}

// CheckInConfirmed notifies the guest and the verifying staff member
func (d *Dispatcher) CheckInConfirmed(ctx context.Context, guestPhone, guestEmail, guestName, staffEmail, instructions string) {
	guestMsg := fmt.Sprintf("Welcome %s! Your check-in is confirmed.", guestName)
	if instructions != "" {
		guestMsg += " " + instructions
	}

	go d.sendSMS(guestPhone, guestMsg)
	go d.sendEmail(guestEmail, "Check-in confirmed", "<p>"+guestMsg+"</p>", guestMsg)
	if staffEmail != "" {
		staffMsg := fmt.Sprintf("Check-in for %s is confirmed and the booking funds have been released.", guestName)
		go d.sendEmail(staffEmail, "Guest checked in", "<p>"+staffMsg+"</p>", staffMsg)
	}
}

// CheckOutConfirmed notifies the guest of a confirmed check-out
func (d *Dispatcher) CheckOutConfirmed(ctx context.Context, guestPhone, guestEmail, guestName string) {
	msg := fmt.Sprintf("Thanks for staying with us, %s. Your check-out is confirmed.", guestName)
	go d.sendSMS(guestPhone, msg)
	go d.sendEmail(guestEmail, "Check-out confirmed", "<p>"+msg+"</p>", msg)
}

// WithdrawalStatus notifies the wallet owner over email and SMS and
// copies the admin channel. Terminal and in-flight states carry
// different copy.
func (d *Dispatcher) WithdrawalStatus(ctx context.Context, phone, email, reference string, amount money.Money, status string, terminal bool, failureReason string) {
	var msg string
	if terminal {
		msg = fmt.Sprintf("Your withdrawal %s of %s is %s.", reference, amount, status)
		if failureReason != "" {
			msg += " Reason: " + failureReason + ". The funds have been returned to your wallet."
		}
	} else {
		msg = fmt.Sprintf("Your withdrawal %s of %s is now %s.", reference, amount, status)
	}

	go d.sendSMS(phone, msg)
	go d.sendEmail(email, "Withdrawal "+status, "<p>"+msg+"</p>", msg)

	adminMsg := fmt.Sprintf("Withdrawal %s (%s) moved to %s.", reference, amount, status)
	go d.sendEmail(d.cfg.AdminEmail, "Withdrawal "+status+": "+reference, "<p>"+adminMsg+"</p>", adminMsg)
}

// AdminAlert surfaces an internal failure on the admin channel
func (d *Dispatcher) AdminAlert(ctx context.Context, subject, detail string) {
	go d.sendEmail(d.cfg.AdminEmail, subject, "<p>"+detail+"</p>", detail)
}

func (d *Dispatcher) sendSMS(phone, message string) {
	if phone == "" {
		return
	}
	if _, err := d.sms.Send(context.Background(), phone, message); err != nil {
		d.logger.Warn("sms delivery failed", "error", err)
	}
}

func (d *Dispatcher) sendEmail(to, subject, html, text string) {
	if to == "" {
		return
	}
	if err := d.email.Send(context.Background(), to, subject, html, text); err != nil {
		d.logger.Warn("email delivery failed", "error", err, "subject", subject)
	}
}
