package payment

import (
	"io"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/transport"
)

const (
	SignatureHeader    = "X-Chapa-Signature"
	AltSignatureHeader = "Chapa-Signature"
)

type WebhookHandler struct {
	*transport.BaseHandler
	paymentService ServiceAPI
}

func NewWebhookHandler(paymentService ServiceAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    transport.NewBaseHandler(logger),
		paymentService: paymentService,
	}
}

// HandleChapaWebhook handles POST /api/v1/webhook/chapa. The signature covers
// the raw body, so it is read whole before any parsing.
func (h *WebhookHandler) HandleChapaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.HandleError(w, errors.NewValidationError("Unable to read webhook body", errors.ErrCodeMalformedWebhook))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(AltSignatureHeader)
	}

	res, err := h.paymentService.HandleGatewayCallback(r.Context(), signature, body)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, WebhookResponse{Message: res.Message()})
}

// HandlePaymentReturn handles GET /api/v1/payments/return. It always redirects.
func (h *WebhookHandler) HandlePaymentReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txRef := q.Get("trx_ref")
	if txRef == "" {
		txRef = q.Get("tx_ref")
	}

	target := h.paymentService.HandleUserReturn(r.Context(), txRef)
	http.Redirect(w, r, target, http.StatusFound)
}
