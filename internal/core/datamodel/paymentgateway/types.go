package paymentgateway

import (
	"errors"
	"strings"
)

const StatusSuccess = "success"

type Customization struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// InitializeRequest is the body of POST /transaction/initialize.
type InitializeRequest struct {
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Email         string            `json:"email"`
	FirstName     string            `json:"first_name"`
	LastName      string            `json:"last_name"`
	PhoneNumber   string            `json:"phone_number,omitempty"`
	TxRef         string            `json:"tx_ref"`
	CallbackURL   string            `json:"callback_url"`
	ReturnURL     string            `json:"return_url"`
	Customization Customization     `json:"customization"`
	Meta          map[string]string `json:"meta,omitempty"`
}

func (r *InitializeRequest) Validate() error {
	if r.TxRef == "" {
		return errors.New("tx_ref is required")
	}
	if r.Amount == "" || strings.HasPrefix(r.Amount, "-") {
		return errors.New("amount must be a non-negative number")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	if r.CallbackURL == "" || r.ReturnURL == "" {
		return errors.New("callback_url and return_url are required")
	}
	return nil
}

type InitializeData struct {
	CheckoutURL string `json:"checkout_url"`
}

type InitializeResponse struct {
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Data    *InitializeData `json:"data"`
}

func (r *InitializeResponse) Succeeded() bool {
	return r.Status == StatusSuccess && r.Data != nil && r.Data.CheckoutURL != ""
}

type VerifyData struct {
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref"`
	Amount    any    `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type VerifyResponse struct {
	Message string      `json:"message"`
	Status  string      `json:"status"`
	Data    *VerifyData `json:"data"`
}

// Confirmed is true only when both the envelope and the transaction report success.
func (r *VerifyResponse) Confirmed() bool {
	return r.Status == StatusSuccess && r.Data != nil && r.Data.Status == StatusSuccess
}

type Bank struct {
	ID   any    `json:"id"`
	Name string `json:"name"`
}

type BanksResponse struct {
	Message string `json:"message"`
	Data    []Bank `json:"data"`
}

type WebhookData struct {
	TxRef  string         `json:"tx_ref"`
	Status string         `json:"status"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// WebhookEvent is the envelope the gateway posts to the callback URL.
type WebhookEvent struct {
	Event string      `json:"event,omitempty"`
	Data  WebhookData `json:"data"`
}
