package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/core/common/validation"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
)

const MaskedTxRef = "********"

// InitiateRequest is the body of POST /payments/initiate. UserID is required
// for service callers; an end user may only name themself.
type InitiateRequest struct {
	RequestID  string           `json:"request_id"`
	PropertyID string           `json:"property_id"`
	UserID     string           `json:"user_id,omitempty"`
	Amount     *decimal.Decimal `json:"amount"`
}

func (r *InitiateRequest) Validate() error {
	v := validation.NewValidator()

	v.Field("request_id", r.RequestID).Required().UUID(errors.ErrCodeInvalidRequestID)
	v.Field("property_id", r.PropertyID).Required().UUID(errors.ErrCodeValidationFailed)
	v.Field("user_id", r.UserID).UUID(errors.ErrCodeValidationFailed)
	v.Field("amount", r.Amount).Required().
		NonNegative(errors.ErrCodeInvalidAmount).
		MaxDecimalPlaces(2, errors.ErrCodeInvalidAmount)

	if appErr := v.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// parsed returns the identifiers; call only after Validate.
func (r *InitiateRequest) parsed() (requestID, propertyID, userID uuid.UUID) {
	requestID = uuid.MustParse(r.RequestID)
	propertyID = uuid.MustParse(r.PropertyID)
	if r.UserID != "" {
		userID = uuid.MustParse(r.UserID)
	}
	return requestID, propertyID, userID
}

// PaymentView is what API callers see of a payment. GatewayTxRef is never the
// real reference: it is the checkout URL right after creation and masked otherwise.
type PaymentView struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	PropertyID   string    `json:"property_id"`
	UserID       string    `json:"user_id"`
	Amount       string    `json:"amount"`
	Status       string    `json:"status"`
	GatewayTxRef string    `json:"gateway_tx_ref"`
	CheckoutURL  string    `json:"checkout_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Replayed bool `json:"-"`
}

func ToView(p *datamodel.Payment) *PaymentView {
	return &PaymentView{
		ID:           p.ID.String(),
		RequestID:    p.RequestID.String(),
		PropertyID:   p.PropertyID.String(),
		UserID:       p.UserID.String(),
		Amount:       p.Amount.StringFixed(2),
		Status:       string(p.Status),
		GatewayTxRef: MaskedTxRef,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func toCheckoutView(p *datamodel.Payment, checkoutURL string) *PaymentView {
	v := ToView(p)
	v.GatewayTxRef = checkoutURL
	v.CheckoutURL = checkoutURL
	return v
}

type Outcome string

const (
	OutcomeNoAction         Outcome = "no_action"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeProcessed        Outcome = "processed"
)

// Resolution is the result of reconciling one gateway reference.
type Resolution struct {
	Outcome Outcome
	Payment *datamodel.Payment
	Status  datamodel.Status
}

func (r *Resolution) Message() string {
	switch r.Outcome {
	case OutcomeProcessed:
		return "Webhook processed successfully"
	case OutcomeAlreadyProcessed:
		return "Payment already processed, no action taken"
	default:
		return "Payment not found or not in PENDING state, no action taken"
	}
}

type WebhookResponse struct {
	Message string `json:"message"`
}
