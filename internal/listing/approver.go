// Package listing calls the Property Listing service.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/retry"
)

const propertyListingService = "property listing service"

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Approver marks a property listing as paid and approved.
type Approver struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

func NewApprover(cfg Config, policy retry.Policy, logger *slog.Logger) *Approver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Approver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		logger:  logger,
	}
}

// Approve calls POST /properties/{id}/approve.
func (a *Approver) Approve(ctx context.Context, propertyID uuid.UUID) error {
	url := fmt.Sprintf("%s/properties/%s/approve", a.baseURL, propertyID)

	err := a.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		if a.apiKey != "" {
			req.Header.Set("X-API-Key", a.apiKey)
		}

		resp, err := a.client.Do(req)
		if cerr := retry.Classify(resp, err); cerr != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return cerr
		}
		return resp.Body.Close()
	})
	if err != nil {
		a.logger.Error("property approval failed", "property_id", propertyID, "error", err)
		if retry.IsTransient(err) {
			return errors.NewUpstreamUnavailableError(propertyListingService, err)
		}
		return errors.NewUpstreamRejectedError("Property Listing service error", errors.ErrCodeUpstreamRejected, http.StatusBadGateway).
			WithDetails(map[string]int{"upstream_status": retry.StatusCode(err)}).
			WithCause(err)
	}

	a.logger.Info("property approved", "property_id", propertyID)
	return nil
}
