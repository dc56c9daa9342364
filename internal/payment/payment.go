package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/listing-payment/internal/auth"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/listing-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/core/events"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("payment: not found")

type RepositoryAPI interface {
	// CreateIfAbsent inserts p unless a payment with the same request id exists.
	// created is false when another writer got there first.
	CreateIfAbsent(ctx context.Context, p *datamodel.Payment) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*datamodel.Payment, error)
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*datamodel.Payment, error)
	// FindByTxRefDigest returns every payment carrying digest, whatever its status.
	FindByTxRefDigest(ctx context.Context, digest string) ([]*datamodel.Payment, error)
	// ListLegacyPending returns pending payments stored before digests existed.
	ListLegacyPending(ctx context.Context, limit int) ([]*datamodel.Payment, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*datamodel.Payment, error)
	// TransitionStatus moves a PENDING payment to a terminal status. It reports
	// false without error when the payment had already left PENDING.
	TransitionStatus(ctx context.Context, id uuid.UUID, to datamodel.Status) (bool, error)
	// MarkInitialized records that the gateway accepted the reserved payment.
	MarkInitialized(ctx context.Context, id uuid.UUID, at time.Time) error
	// Discard removes a reservation whose gateway initialization never succeeded.
	Discard(ctx context.Context, id uuid.UUID) error
}

type GatewayAPI interface {
	InitializePayment(ctx context.Context, req *gatewaytypes.InitializeRequest) (*gatewaytypes.InitializeResponse, error)
	VerifyPayment(ctx context.Context, txRef string) (*gatewaytypes.VerifyResponse, error)
	VerifyWebhookSignature(body []byte, signature string) bool
}

type UserDirectory interface {
	LookupUserByID(ctx context.Context, userID uuid.UUID) (*auth.User, error)
}

type Publisher interface {
	PublishSync(ctx context.Context, event events.Event) error
}

type Approver interface {
	Approve(ctx context.Context, propertyID uuid.UUID) error
}

type Metrics interface {
	InitiateCalled()
	StatusCalled()
	WebhookCalled()
	ReturnCalled()
	PaymentCreated()
	PaymentResolved(status datamodel.Status)
	SweepRan(timedOut int)
}

type ServiceAPI interface {
	Initiate(ctx context.Context, principal auth.Principal, req InitiateRequest) (*PaymentView, error)
	GetStatus(ctx context.Context, principal auth.Principal, paymentID string) (*PaymentView, error)
	HandleGatewayCallback(ctx context.Context, signature string, body []byte) (*Resolution, error)
	HandleUserReturn(ctx context.Context, txRef string) string
	SweepTimedOutPayments(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

type noopMetrics struct{}

func (noopMetrics) InitiateCalled()                  {}
func (noopMetrics) StatusCalled()                    {}
func (noopMetrics) WebhookCalled()                   {}
func (noopMetrics) ReturnCalled()                    {}
func (noopMetrics) PaymentCreated()                  {}
func (noopMetrics) PaymentResolved(datamodel.Status) {}
func (noopMetrics) SweepRan(int)                     {}
