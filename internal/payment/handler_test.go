package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	paymentpkg "github.com/frahmantamala/listing-payment/internal/payment"
)

type mockPaymentService struct {
	initiateView  *paymentpkg.PaymentView
	initiateError error
	statusView    *paymentpkg.PaymentView
	statusError   error
	resolution    *paymentpkg.Resolution
	callbackError error
	redirect      string

	lastPrincipal auth.Principal
	lastRequest   paymentpkg.InitiateRequest
	lastPaymentID string
	lastSignature string
	lastBody      []byte
	lastTxRef     string
}

var _ paymentpkg.ServiceAPI = (*mockPaymentService)(nil)

func (m *mockPaymentService) Initiate(_ context.Context, p auth.Principal, req paymentpkg.InitiateRequest) (*paymentpkg.PaymentView, error) {
	m.lastPrincipal = p
	m.lastRequest = req
	return m.initiateView, m.initiateError
}

func (m *mockPaymentService) GetStatus(_ context.Context, p auth.Principal, id string) (*paymentpkg.PaymentView, error) {
	m.lastPrincipal = p
	m.lastPaymentID = id
	return m.statusView, m.statusError
}

func (m *mockPaymentService) HandleGatewayCallback(_ context.Context, signature string, body []byte) (*paymentpkg.Resolution, error) {
	m.lastSignature = signature
	m.lastBody = body
	return m.resolution, m.callbackError
}

func (m *mockPaymentService) HandleUserReturn(_ context.Context, txRef string) string {
	m.lastTxRef = txRef
	return m.redirect
}

func (m *mockPaymentService) SweepTimedOutPayments(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

var _ = ginkgo.Describe("PaymentHandler", func() {
	var (
		service *mockPaymentService
		handler *paymentpkg.Handler
		webhook *paymentpkg.WebhookHandler
		owner   auth.EndUser
		view    *paymentpkg.PaymentView
	)

	withPrincipal := func(req *http.Request, p auth.Principal) *http.Request {
		return req.WithContext(auth.ContextWithPrincipal(req.Context(), p))
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]interface{} {
		var body map[string]interface{}
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
		return body
	}

	ginkgo.BeforeEach(func() {
		service = &mockPaymentService{}
		handler = paymentpkg.NewHandler(service, quietLogger())
		webhook = paymentpkg.NewWebhookHandler(service, quietLogger())
		owner = auth.EndUser{User: auth.User{ID: uuid.New(), Role: auth.RoleOwner}}
		view = &paymentpkg.PaymentView{
			ID:           uuid.NewString(),
			Status:       "PENDING",
			Amount:       "250.00",
			GatewayTxRef: "https://checkout.chapa.co/abc",
			CheckoutURL:  "https://checkout.chapa.co/abc",
		}
	})

	ginkgo.Describe("InitiatePayment", func() {
		ginkgo.It("should accept the request and return the checkout view", func() {
			service.initiateView = view
			body := `{"request_id":"` + uuid.NewString() + `","property_id":"` + uuid.NewString() + `","amount":250.5}`
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", bytes.NewBufferString(body)), owner)
			rec := httptest.NewRecorder()

			handler.InitiatePayment(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusAccepted))
			gomega.Expect(decode(rec)["checkout_url"]).To(gomega.Equal("https://checkout.chapa.co/abc"))
			gomega.Expect(service.lastPrincipal).To(gomega.Equal(owner))
			gomega.Expect(service.lastRequest.Amount.String()).To(gomega.Equal("250.5"))
		})

		ginkgo.It("should return bad request for a malformed body", func() {
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", bytes.NewBufferString("{")), owner)
			rec := httptest.NewRecorder()

			handler.InitiatePayment(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
			gomega.Expect(decode(rec)["code"]).To(gomega.Equal(string(errors.ErrCodeInvalidBody)))
		})

		ginkgo.It("should pass service errors through with their status", func() {
			service.initiateError = errors.NewUpstreamUnavailableError("payment gateway", nil)
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", bytes.NewBufferString(`{}`)), owner)
			rec := httptest.NewRecorder()

			handler.InitiatePayment(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusServiceUnavailable))
			gomega.Expect(decode(rec)["detail"]).To(gomega.Equal("payment gateway is unavailable"))
		})

		ginkgo.It("should return unauthorized without a principal", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", bytes.NewBufferString(`{}`))
			rec := httptest.NewRecorder()

			handler.InitiatePayment(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
			gomega.Expect(service.lastPrincipal).To(gomega.BeNil())
		})
	})

	ginkgo.Describe("GetPaymentStatus", func() {
		serve := func(req *http.Request) *httptest.ResponseRecorder {
			r := chi.NewRouter()
			r.Get("/api/v1/payments/{id}/status", handler.GetPaymentStatus)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			return rec
		}

		ginkgo.It("should return the payment for the id in the path", func() {
			service.statusView = view
			req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+view.ID+"/status", nil), owner)

			rec := serve(req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastPaymentID).To(gomega.Equal(view.ID))
			gomega.Expect(decode(rec)["status"]).To(gomega.Equal("PENDING"))
		})

		ginkgo.It("should return forbidden for another user's payment", func() {
			service.statusError = errors.ErrUnauthorizedAccess
			req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+view.ID+"/status", nil), owner)

			rec := serve(req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusForbidden))
		})

		ginkgo.It("should return not found for an unknown payment", func() {
			service.statusError = errors.ErrPaymentNotFound
			req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+view.ID+"/status", nil), owner)

			rec := serve(req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
			gomega.Expect(decode(rec)["detail"]).To(gomega.Equal("Payment not found"))
		})
	})

	ginkgo.Describe("HandleChapaWebhook", func() {
		body := `{"data":{"tx_ref":"tx-1","status":"success"}}`

		ginkgo.It("should hand the raw body and signature to the service", func() {
			service.resolution = &paymentpkg.Resolution{Outcome: paymentpkg.OutcomeProcessed}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/chapa", bytes.NewBufferString(body))
			req.Header.Set(paymentpkg.SignatureHeader, "abc123")
			rec := httptest.NewRecorder()

			webhook.HandleChapaWebhook(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(decode(rec)["message"]).To(gomega.Equal("Webhook processed successfully"))
			gomega.Expect(service.lastSignature).To(gomega.Equal("abc123"))
			gomega.Expect(string(service.lastBody)).To(gomega.Equal(body))
		})

		ginkgo.It("should read the alternate signature header", func() {
			service.resolution = &paymentpkg.Resolution{Outcome: paymentpkg.OutcomeNoAction}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/chapa", bytes.NewBufferString(body))
			req.Header.Set(paymentpkg.AltSignatureHeader, "def456")
			rec := httptest.NewRecorder()

			webhook.HandleChapaWebhook(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastSignature).To(gomega.Equal("def456"))
			gomega.Expect(decode(rec)["message"]).To(gomega.Equal("Payment not found or not in PENDING state, no action taken"))
		})

		ginkgo.It("should return unauthorized for a bad signature", func() {
			service.callbackError = errors.ErrUnauthorizedWebhook
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/chapa", bytes.NewBufferString(body))
			rec := httptest.NewRecorder()

			webhook.HandleChapaWebhook(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
		})

		ginkgo.It("should return bad request for a malformed payload", func() {
			service.callbackError = errors.NewValidationError("Invalid JSON payload", errors.ErrCodeMalformedWebhook)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/chapa", bytes.NewBufferString("nope"))
			rec := httptest.NewRecorder()

			webhook.HandleChapaWebhook(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
			gomega.Expect(decode(rec)["detail"]).To(gomega.Equal("Invalid JSON payload"))
		})
	})

	ginkgo.Describe("HandlePaymentReturn", func() {
		ginkgo.It("should redirect to the target the service builds", func() {
			service.redirect = "https://app.rent.et/result?payment_id=1&status=success"
			req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/return?trx_ref=tx-9&status=success", nil)
			rec := httptest.NewRecorder()

			webhook.HandlePaymentReturn(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusFound))
			gomega.Expect(rec.Header().Get("Location")).To(gomega.Equal(service.redirect))
			gomega.Expect(service.lastTxRef).To(gomega.Equal("tx-9"))
		})

		ginkgo.It("should fall back to the tx_ref parameter", func() {
			service.redirect = "https://app.rent.et/result?payment_id=&status=failed"
			req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/return?tx_ref=tx-7", nil)
			rec := httptest.NewRecorder()

			webhook.HandlePaymentReturn(rec, req)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusFound))
			gomega.Expect(service.lastTxRef).To(gomega.Equal("tx-7"))
		})
	})
})
