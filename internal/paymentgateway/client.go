package paymentgateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gatewaytypes "github.com/frahmantamala/listing-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/retry"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Client talks to the Chapa REST API.
type Client struct {
	baseURL       string
	apiKey        string
	webhookSecret []byte
	http          *http.Client
	policy        retry.Policy
	logger        *slog.Logger
}

func NewClient(cfg Config, policy retry.Policy, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		http:          &http.Client{Timeout: timeout},
		policy:        policy,
		logger:        logger,
	}
}

// InitializePayment opens a hosted checkout. A business rejection comes back as a
// response whose Status is not "success"; err is reserved for transport and
// authorization failures.
func (c *Client) InitializePayment(ctx context.Context, req *gatewaytypes.InitializeRequest) (*gatewaytypes.InitializeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initialize request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal initialize request: %w", err)
	}

	var out gatewaytypes.InitializeResponse
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, "/transaction/initialize", body, &out)
	})
	if err != nil {
		c.logger.Error("gateway initialize failed", "tx_ref", MaskRef(req.TxRef), "error", err)
		return nil, err
	}

	c.logger.Info("gateway initialize answered", "tx_ref", MaskRef(req.TxRef), "status", out.Status)
	return &out, nil
}

// VerifyPayment asks the gateway for the authoritative state of a transaction.
func (c *Client) VerifyPayment(ctx context.Context, txRef string) (*gatewaytypes.VerifyResponse, error) {
	var out gatewaytypes.VerifyResponse
	path := "/transaction/verify/" + url.PathEscape(txRef)
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, path, nil, &out)
	})
	if err != nil {
		c.logger.Error("gateway verify failed", "tx_ref", MaskRef(txRef), "error", err)
		return nil, err
	}

	c.logger.Info("gateway verify answered", "tx_ref", MaskRef(txRef), "status", out.Status, "confirmed", out.Confirmed())
	return &out, nil
}

// ListBanks is only used as a liveness check.
func (c *Client) ListBanks(ctx context.Context) ([]gatewaytypes.Bank, error) {
	var out gatewaytypes.BanksResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, "/banks", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// VerifyWebhookSignature checks a hex HMAC-SHA256 of body under the webhook secret.
// Without a configured secret nothing verifies.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if len(c.webhookSecret) == 0 || signature == "" {
		return false
	}

	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, c.webhookSecret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), given)
}

// Sign produces the signature the gateway would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// call performs one round trip. Client errors (4xx other than 401/403) that carry
// a gateway envelope are decoded into out and reported as success, since the
// envelope's own status field describes the outcome.
func (c *Client) call(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if cerr := retry.Classify(resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return decodeRejection(cerr, out)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeRejection(err error, out interface{}) error {
	var se *retry.StatusError
	if retry.IsTransient(err) || !errors.As(err, &se) {
		return err
	}
	if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
		return err
	}

	var envelope struct {
		Status string `json:"status"`
	}
	if json.Unmarshal([]byte(se.Body), &envelope) != nil || envelope.Status == "" {
		return err
	}
	if json.Unmarshal([]byte(se.Body), out) != nil {
		return err
	}
	return nil
}

// MaskRef keeps enough of a transaction reference to correlate logs.
func MaskRef(ref string) string {
	if len(ref) <= 8 {
		return "********"
	}
	return ref[:3] + "****" + ref[len(ref)-4:]
}
