package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/frahmantamala/listing-payment/internal/core/common/phone"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	"github.com/frahmantamala/listing-payment/internal/core/events"
	"github.com/frahmantamala/listing-payment/internal/notification"
)

// Fulfillment performs the side effects of payment events: listing approval
// and payer notifications. Each handler runs once per published event, and
// the engine publishes only on a real transition.
type Fulfillment struct {
	users    UserDirectory
	notifier notification.Sender
	approver Approver
	logger   *slog.Logger
}

func NewFulfillment(users UserDirectory, notifier notification.Sender, approver Approver, logger *slog.Logger) *Fulfillment {
	return &Fulfillment{
		users:    users,
		notifier: notifier,
		approver: approver,
		logger:   logger,
	}
}

func (f *Fulfillment) RegisterEventHandlers(bus *events.EventBus) {
	bus.Subscribe(events.EventTypePaymentInitiated, f.HandlePaymentInitiated)
	bus.Subscribe(events.EventTypePaymentResolved, f.HandlePaymentResolved)

	f.logger.Info("payment event handlers registered",
		"handlers", []string{events.EventTypePaymentInitiated, events.EventTypePaymentResolved})
}

func (f *Fulfillment) HandlePaymentInitiated(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentInitiatedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentInitiatedEvent, got %T", event)
	}

	to := notification.Recipient{
		UserID:      e.Payer.UserID,
		Email:       e.Payer.Email,
		PhoneNumber: phone.Normalize(e.Payer.PhoneNumber),
		Language:    e.Payer.PreferredLanguage,
	}

	return f.notifier.Send(ctx, to, notification.TemplatePaymentInitiated, map[string]string{
		"property_id":  e.PropertyID,
		"amount":       e.Amount,
		"payment_link": e.CheckoutURL,
	})
}

// HandlePaymentResolved approves the listing on success and tells the payer
// the outcome. Approval failure does not stop the notification.
func (f *Fulfillment) HandlePaymentResolved(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentResolvedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentResolvedEvent, got %T", event)
	}

	var approveErr error
	if datamodel.Status(e.Status) == datamodel.StatusSuccess {
		approveErr = f.approve(ctx, e)
	}

	notifyErr := f.notifier.Send(ctx, f.recipient(ctx, e.UserID), resolvedTemplate(e), map[string]string{
		"property_id": e.PropertyID,
	})

	switch {
	case approveErr != nil && notifyErr != nil:
		return fmt.Errorf("%w; %w", approveErr, notifyErr)
	case approveErr != nil:
		return approveErr
	default:
		return notifyErr
	}
}

func (f *Fulfillment) approve(ctx context.Context, e *events.PaymentResolvedEvent) error {
	propertyID, err := uuid.Parse(e.PropertyID)
	if err != nil {
		return fmt.Errorf("approve listing: invalid property id %q: %w", e.PropertyID, err)
	}

	if err := f.approver.Approve(ctx, propertyID); err != nil {
		f.logger.Error("listing approval failed", "payment_id", e.PaymentID, "property_id", e.PropertyID, "error", err)
		return fmt.Errorf("approve listing %s: %w", e.PropertyID, err)
	}
	return nil
}

// recipient looks up current contact details. Without them the message is
// still addressed by user id.
func (f *Fulfillment) recipient(ctx context.Context, userID string) notification.Recipient {
	to := notification.Recipient{UserID: userID}

	id, err := uuid.Parse(userID)
	if err != nil {
		return to
	}

	user, err := f.users.LookupUserByID(ctx, id)
	if err != nil {
		f.logger.Warn("payer lookup failed, notifying by user id only", "user_id", userID, "error", err)
		return to
	}

	to.Email = user.Email
	to.PhoneNumber = phone.Normalize(user.PhoneNumber)
	to.Language = user.PreferredLanguage
	return to
}

func resolvedTemplate(e *events.PaymentResolvedEvent) notification.TemplateName {
	switch {
	case datamodel.Status(e.Status) == datamodel.StatusSuccess:
		return notification.TemplatePaymentSuccess
	case e.Trigger == events.TriggerTimeout:
		return notification.TemplatePaymentTimedOut
	default:
		return notification.TemplatePaymentFailed
	}
}
