package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentInitiated = "payment.initiated"
	EventTypePaymentResolved  = "payment.resolved"
)

// Trigger names the path that resolved a payment.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerReturn  Trigger = "return"
	TriggerTimeout Trigger = "timeout"
)

// Payer carries the contact details known at publish time. Empty fields are looked up by subscribers.
type Payer struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email,omitempty"`
	PhoneNumber       string `json:"phone_number,omitempty"`
	PreferredLanguage string `json:"preferred_language,omitempty"`
}

type PaymentInitiatedEvent struct {
	BaseEvent
	PaymentID   string `json:"payment_id"`
	PropertyID  string `json:"property_id"`
	Amount      string `json:"amount"`
	CheckoutURL string `json:"-"`
	Payer       Payer  `json:"payer"`
}

func NewPaymentInitiatedEvent(paymentID, propertyID, amount, checkoutURL string, payer Payer) *PaymentInitiatedEvent {
	return &PaymentInitiatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentInitiated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":  paymentID,
				"property_id": propertyID,
				"user_id":     payer.UserID,
				"amount":      amount,
			},
		},
		PaymentID:   paymentID,
		PropertyID:  propertyID,
		Amount:      amount,
		CheckoutURL: checkoutURL,
		Payer:       payer,
	}
}

// PaymentResolvedEvent is published once per payment, by whichever path won the transition.
type PaymentResolvedEvent struct {
	BaseEvent
	PaymentID  string  `json:"payment_id"`
	PropertyID string  `json:"property_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"`
	Trigger    Trigger `json:"trigger"`
}

func NewPaymentResolvedEvent(paymentID, propertyID, userID, status string, trigger Trigger) *PaymentResolvedEvent {
	return &PaymentResolvedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentResolved,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":  paymentID,
				"property_id": propertyID,
				"user_id":     userID,
				"status":      status,
				"trigger":     string(trigger),
			},
		},
		PaymentID:  paymentID,
		PropertyID: propertyID,
		UserID:     userID,
		Status:     status,
		Trigger:    trigger,
	}
}
