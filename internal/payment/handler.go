package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	"github.com/frahmantamala/listing-payment/internal/transport"
)

const maxRequestBody = 1 << 20

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
}

func NewHandler(paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    transport.NewBaseHandler(logger),
		PaymentService: paymentService,
	}
}

// InitiatePayment handles POST /api/v1/payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.ErrMissingCredentials)
		return
	}

	var req InitiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.Logger.Debug("InitiatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidBody))
		return
	}

	view, err := h.PaymentService.Initiate(r.Context(), principal, req)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, view)
}

// GetPaymentStatus handles GET /api/v1/payments/{id}/status
func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.ErrMissingCredentials)
		return
	}

	view, err := h.PaymentService.GetStatus(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, view)
}
