// Package notification renders localized payment messages and hands them to
// the Notification service.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/listing-payment/internal/retry"
)

// Recipient is who a message is addressed to.
type Recipient struct {
	UserID      string
	Email       string
	PhoneNumber string
	Language    string
}

type Sender interface {
	Send(ctx context.Context, to Recipient, name TemplateName, vars map[string]string) error
}

// Payload is the body of POST /notifications/send.
type Payload struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	PhoneNumber       string `json:"phone_number"`
	PreferredLanguage string `json:"preferred_language"`
	Message           string `json:"message"`
	Subject           string `json:"subject"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Dispatcher struct {
	baseURL string
	client  *http.Client
	catalog *Catalog
	policy  retry.Policy
	logger  *slog.Logger
}

var _ Sender = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, catalog *Catalog, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		catalog: catalog,
		policy:  policy,
		logger:  logger,
	}
}

// Send renders the template in the recipient's language and delivers it. When
// delivery fails the rendered message is logged instead and the delivery error
// is returned so the caller can record it.
func (d *Dispatcher) Send(ctx context.Context, to Recipient, name TemplateName, vars map[string]string) error {
	lang := to.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	rendered, err := d.catalog.Render(lang, name, vars)
	if err != nil {
		return err
	}

	payload := Payload{
		UserID:            to.UserID,
		Email:             to.Email,
		PhoneNumber:       to.PhoneNumber,
		PreferredLanguage: lang,
		Message:           rendered.Message,
		Subject:           rendered.Subject,
	}

	if err := d.deliver(ctx, payload); err != nil {
		d.logger.Warn("notification service unavailable, falling back to log delivery",
			"user_id", to.UserID,
			"template", name,
			"subject", rendered.Subject,
			"message", rendered.Message,
			"error", err)
		return fmt.Errorf("deliver %s notification: %w", name, err)
	}

	d.logger.Info("notification sent", "user_id", to.UserID, "template", name, "language", lang)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, payload Payload) error {
	if d.baseURL == "" {
		return fmt.Errorf("notification service url not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return d.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/notifications/send", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if cerr := retry.Classify(resp, err); cerr != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return cerr
		}
		return resp.Body.Close()
	})
}
