package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayConfig holds gateway endpoint configuration
type GatewayConfig struct {
	SMSURL      string        `envconfig:"SMS_GATEWAY_URL" default:"http://localhost:8090/v1/messages"`
	SMSAPIKey   string        `envconfig:"SMS_GATEWAY_API_KEY"`
	SMSChannel  string        `envconfig:"SMS_GATEWAY_CHANNEL" default:"sms"` // sms or whatsapp
	EmailURL    string        `envconfig:"EMAIL_GATEWAY_URL" default:"http://localhost:8091/v1/send"`
	EmailAPIKey string        `envconfig:"EMAIL_GATEWAY_API_KEY"`
	EmailFrom   string        `envconfig:"EMAIL_FROM" default:"no-reply@escrowpay.local"`
	Timeout     time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// HTTPSMSGateway sends SMS/WhatsApp messages through the provider's
// JSON API.
type HTTPSMSGateway struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewHTTPSMSGateway creates an SMS gateway client
func NewHTTPSMSGateway(cfg GatewayConfig) *HTTPSMSGateway {
	return &HTTPSMSGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ SMSGateway = (*HTTPSMSGateway)(nil)

type smsRequest struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	Channel string `json:"channel"`
}

type smsResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send delivers a message, rejecting non-E.164 numbers before dispatch
func (g *HTTPSMSGateway) Send(ctx context.Context, phone, message string) (string, error) {
	if !ValidE164(phone) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}

	var resp smsResponse
	if err := g.post(ctx, g.cfg.SMSURL, g.cfg.SMSAPIKey, smsRequest{
		To:      phone,
		Body:    message,
		Channel: g.cfg.SMSChannel,
	}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("sms provider rejected message: %s", resp.Error)
	}
	return resp.MessageID, nil
}

func (g *HTTPSMSGateway) post(ctx context.Context, url, apiKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	res, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling sms gateway: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// HTTPEmailGateway sends email through the provider's JSON API
type HTTPEmailGateway struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewHTTPEmailGateway creates an email gateway client
func NewHTTPEmailGateway(cfg GatewayConfig) *HTTPEmailGateway {
	return &HTTPEmailGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ EmailGateway = (*HTTPEmailGateway)(nil)

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Send delivers an email
func (g *HTTPEmailGateway) Send(ctx context.Context, to, subject, html, text string) error {
	body, err := json.Marshal(emailRequest{
		From:    g.cfg.EmailFrom,
		To:      to,
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("marshaling email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.EmailURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.EmailAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.EmailAPIKey)
	}

	res, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling email gateway: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("email gateway returned %d", res.StatusCode)
	}
	return nil
}
