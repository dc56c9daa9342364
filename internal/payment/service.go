package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	"github.com/frahmantamala/listing-payment/internal/core/common/phone"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/listing-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/core/events"
	"github.com/frahmantamala/listing-payment/internal/crypto"
	"github.com/frahmantamala/listing-payment/internal/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/retry"
)

const (
	gatewayService    = "payment gateway"
	checkoutTitle     = "Listing Fee"
	defaultCurrency   = "ETB"
	defaultSweepLimit = 4
	sideEffectTimeout = 30 * time.Second

	defaultReservationWait = 15 * time.Second
	defaultReservationPoll = 100 * time.Millisecond
	maxReserveAttempts     = 3
)

var errInitializationPending = errors.NewConflictError(
	"A payment for this request_id is still being initialized, retry shortly",
	errors.ErrCodeInitializationPending,
)

type Config struct {
	Currency          string
	CallbackURL       string
	ReturnURL         string
	FrontendReturnURL string
	// ScanLimit bounds the decrypt-and-compare scan over pending payments that
	// have no stored digest. Zero means unbounded.
	ScanLimit        int
	SweepConcurrency int
	// ReservationWait bounds how long a duplicate request waits for the first
	// request's gateway call before getting a conflict.
	ReservationWait time.Duration
	ReservationPoll time.Duration
}

// Service is the reconciliation engine. Every status change goes through
// RepositoryAPI.TransitionStatus, so a payment leaves PENDING exactly once no
// matter how webhooks, return redirects and the sweep interleave.
type Service struct {
	cfg     Config
	repo    RepositoryAPI
	gateway GatewayAPI
	cipher  crypto.Cipher
	users   UserDirectory
	events  Publisher
	metrics Metrics
	logger  *slog.Logger
}

var _ ServiceAPI = (*Service)(nil)

func NewService(
	cfg Config,
	repo RepositoryAPI,
	gateway GatewayAPI,
	cipher crypto.Cipher,
	users UserDirectory,
	publisher Publisher,
	metrics Metrics,
	logger *slog.Logger,
) *Service {
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaultSweepLimit
	}
	if cfg.ReservationWait <= 0 {
		cfg.ReservationWait = defaultReservationWait
	}
	if cfg.ReservationPoll <= 0 {
		cfg.ReservationPoll = defaultReservationPoll
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		cfg:     cfg,
		repo:    repo,
		gateway: gateway,
		cipher:  cipher,
		users:   users,
		events:  publisher,
		metrics: metrics,
		logger:  logger,
	}
}

// Initiate creates the payment for req.RequestID, or returns the one that
// already exists. The row is reserved before the gateway is called, so
// concurrent duplicates reach the gateway at most once between them, and a
// duplicate never sees a reservation the gateway has not accepted.
func (s *Service) Initiate(ctx context.Context, principal auth.Principal, req InitiateRequest) (*PaymentView, error) {
	s.metrics.InitiateCalled()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	requestID, propertyID, claimedUserID := req.parsed()
	amount := *req.Amount

	endUser, err := s.authorizeInitiate(principal, claimedUserID)
	if err != nil {
		return nil, err
	}

	existing, err := s.awaitReservation(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.replay(existing, endUser, propertyID, amount)
	}

	payer, err := s.resolvePayer(ctx, endUser, claimedUserID)
	if err != nil {
		return nil, err
	}

	txRef := "tx-" + uuid.NewString()
	sealed, err := s.cipher.Encrypt(txRef)
	if err != nil {
		return nil, errors.NewInternalError("Failed to protect transaction reference", err)
	}

	p := &datamodel.Payment{
		ID:                 uuid.New(),
		RequestID:          requestID,
		PropertyID:         propertyID,
		UserID:             payer.ID,
		Amount:             amount,
		Status:             datamodel.StatusPending,
		GatewayTxRef:       sealed,
		GatewayTxRefDigest: s.cipher.Digest(txRef),
	}

	for attempt := 1; ; attempt++ {
		created, err := s.repo.CreateIfAbsent(ctx, p)
		if err != nil {
			return nil, errors.NewInternalError("Failed to store payment", err)
		}
		if created {
			break
		}

		winner, err := s.awaitReservation(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			return s.replay(winner, endUser, propertyID, amount)
		}
		// the other reservation was discarded after its gateway call failed
		if attempt == maxReserveAttempts {
			return nil, errInitializationPending
		}
	}

	checkoutURL, err := s.initializeWithGateway(ctx, p, txRef, payer)
	if err != nil {
		s.discard(ctx, p)
		return nil, err
	}
	s.markInitialized(ctx, p)

	s.metrics.PaymentCreated()
	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"request_id", p.RequestID,
		"property_id", p.PropertyID,
		"user_id", p.UserID,
		"tx_ref", paymentgateway.MaskRef(txRef))

	s.publish(ctx, events.NewPaymentInitiatedEvent(
		p.ID.String(),
		p.PropertyID.String(),
		p.Amount.StringFixed(2),
		checkoutURL,
		events.Payer{
			UserID:            payer.ID.String(),
			Email:             payer.Email,
			PhoneNumber:       payer.PhoneNumber,
			PreferredLanguage: payer.PreferredLanguage,
		},
	))

	return toCheckoutView(p, checkoutURL), nil
}

// authorizeInitiate returns the end user when the caller is one. Service
// callers yield nil and must name the payer.
func (s *Service) authorizeInitiate(principal auth.Principal, claimedUserID uuid.UUID) (*auth.User, error) {
	switch p := principal.(type) {
	case auth.EndUser:
		if !p.HasRole(auth.RoleOwner) {
			return nil, errors.NewForbiddenError("Only property owners can initiate payments", errors.ErrCodeInsufficientRole)
		}
		if claimedUserID != uuid.Nil && claimedUserID != p.ID {
			return nil, errors.NewForbiddenError("user_id does not match the authenticated user", errors.ErrCodeUnauthorizedAccess)
		}
		u := p.User
		return &u, nil
	case auth.ServiceCaller:
		if claimedUserID == uuid.Nil {
			return nil, errors.NewValidationFieldError("user_id", "user_id is required for service calls", errors.ErrCodeValidationFailed)
		}
		return nil, nil
	default:
		return nil, errors.ErrMissingCredentials
	}
}

func (s *Service) resolvePayer(ctx context.Context, endUser *auth.User, userID uuid.UUID) (*auth.User, error) {
	if endUser != nil {
		return endUser, nil
	}

	u, err := s.users.LookupUserByID(ctx, userID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, errors.NewNotFoundError("User details not found for the provided user_id", errors.ErrCodeUserNotFound)
		}
		return nil, err
	}
	return u, nil
}

// replay returns an existing payment unchanged. A differing property or amount
// does not override the first write.
func (s *Service) replay(existing *datamodel.Payment, endUser *auth.User, propertyID uuid.UUID, amount decimal.Decimal) (*PaymentView, error) {
	if endUser != nil && existing.UserID != endUser.ID {
		s.logger.Warn("request id reused by another user",
			"payment_id", existing.ID,
			"request_id", existing.RequestID,
			"user_id", endUser.ID)
		return nil, errors.ErrUnauthorizedAccess
	}

	if existing.PropertyID != propertyID || !existing.Amount.Equal(amount) {
		s.logger.Info("idempotent replay with a different payload, keeping the stored payment",
			"payment_id", existing.ID,
			"request_id", existing.RequestID)
	} else {
		s.logger.Info("idempotent replay", "payment_id", existing.ID, "request_id", existing.RequestID)
	}

	view := ToView(existing)
	view.Replayed = true
	return view, nil
}

func (s *Service) initializeWithGateway(ctx context.Context, p *datamodel.Payment, txRef string, payer *auth.User) (string, error) {
	req := &gatewaytypes.InitializeRequest{
		Amount:      p.Amount.StringFixed(2),
		Currency:    s.cfg.Currency,
		Email:       payer.Email,
		FirstName:   "Owner",
		LastName:    "User",
		PhoneNumber: phone.Normalize(payer.PhoneNumber),
		TxRef:       txRef,
		CallbackURL: s.cfg.CallbackURL,
		ReturnURL:   s.cfg.ReturnURL,
		Customization: gatewaytypes.Customization{
			Title:       checkoutTitle,
			Description: "Payment for " + p.PropertyID.String(),
		},
		Meta: map[string]string{
			"user_id":     p.UserID.String(),
			"property_id": p.PropertyID.String(),
			"request_id":  p.RequestID.String(),
		},
	}

	resp, err := s.gateway.InitializePayment(ctx, req)
	if err != nil {
		if retry.IsTransient(err) {
			return "", errors.NewUpstreamUnavailableError(gatewayService, err)
		}
		return "", errors.NewUpstreamRejectedError("Payment gateway refused the request", errors.ErrCodeUpstreamRejected, http.StatusBadGateway).WithCause(err)
	}

	if !resp.Succeeded() {
		s.logger.Warn("gateway declined payment initialization",
			"payment_id", p.ID,
			"property_id", p.PropertyID,
			"gateway_message", resp.Message)
		return "", errors.NewUpstreamRejectedError(
			"Payment initialization failed: "+resp.Message,
			errors.ErrCodePaymentInitialization,
			http.StatusBadRequest,
		)
	}

	return resp.Data.CheckoutURL, nil
}

// awaitReservation returns the payment holding requestID, or nil when there is
// none. A reservation still waiting on the gateway is polled until the first
// caller confirms or discards it. Past ReservationWait the caller gets a
// retryable conflict instead of a payment that may never exist.
func (s *Service) awaitReservation(ctx context.Context, requestID uuid.UUID) (*datamodel.Payment, error) {
	var found *datamodel.Payment
	err := retry.Poll(ctx, s.cfg.ReservationPoll, s.cfg.ReservationWait, func(ctx context.Context) (bool, error) {
		p, err := s.repo.GetByRequestID(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			found = nil
			return true, nil
		}
		if err != nil {
			return false, err
		}
		found = p
		return p.Initialized() || p.Status.IsTerminal(), nil
	})

	switch {
	case err == nil:
		return found, nil
	case errors.Is(err, retry.ErrPollTimeout):
		s.logger.Info("request id still reserved by an unconfirmed payment",
			"payment_id", found.ID,
			"request_id", requestID)
		return nil, errInitializationPending
	default:
		return nil, errors.NewInternalError("Failed to look up payment", err)
	}
}

func (s *Service) markInitialized(ctx context.Context, p *datamodel.Payment) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := s.repo.MarkInitialized(ctx, p.ID, now); err != nil {
		s.logger.Error("failed to confirm payment reservation", "payment_id", p.ID, "error", err)
		return
	}
	p.InitializedAt = &now
}

func (s *Service) discard(ctx context.Context, p *datamodel.Payment) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.repo.Discard(ctx, p.ID); err != nil {
		s.logger.Error("failed to discard payment reservation", "payment_id", p.ID, "error", err)
	}
}

func (s *Service) GetStatus(ctx context.Context, principal auth.Principal, paymentID string) (*PaymentView, error) {
	s.metrics.StatusCalled()

	id, err := uuid.Parse(paymentID)
	if err != nil {
		return nil, errors.NewValidationError("Invalid payment id", errors.ErrCodeInvalidPaymentID)
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.ErrPaymentNotFound
		}
		return nil, errors.NewInternalError("Failed to load payment", err)
	}

	user, ok := principal.(auth.EndUser)
	if !ok {
		return nil, errors.ErrUnauthorizedAccess
	}
	if user.ID != p.UserID && !user.HasRole(auth.RoleAdmin) {
		s.logger.Warn("payment status requested by another user",
			"payment_id", p.ID,
			"user_id", user.ID,
			"role", user.Role)
		return nil, errors.ErrUnauthorizedAccess
	}

	return ToView(p), nil
}

// HandleGatewayCallback authenticates and parses a webhook delivery, then
// reconciles it. Once the body is trusted and well formed the result is
// always a Resolution, never an error.
func (s *Service) HandleGatewayCallback(ctx context.Context, signature string, body []byte) (*Resolution, error) {
	s.metrics.WebhookCalled()

	if !s.gateway.VerifyWebhookSignature(body, signature) {
		s.logger.Warn("webhook signature rejected", "has_signature", signature != "")
		return nil, errors.ErrUnauthorizedWebhook
	}

	var event gatewaytypes.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.NewValidationError("Invalid JSON payload", errors.ErrCodeMalformedWebhook)
	}
	if event.Data.TxRef == "" || event.Data.Status == "" {
		return nil, errors.NewValidationError("Invalid webhook payload", errors.ErrCodeMalformedWebhook)
	}

	s.logger.Info("webhook received",
		"tx_ref", paymentgateway.MaskRef(event.Data.TxRef),
		"reported_status", event.Data.Status)

	res, err := s.reconcile(ctx, event.Data.TxRef, events.TriggerWebhook)
	if err != nil {
		s.logger.Error("webhook reconciliation failed",
			"tx_ref", paymentgateway.MaskRef(event.Data.TxRef),
			"error", err)
		return &Resolution{Outcome: OutcomeNoAction}, nil
	}
	return res, nil
}

// HandleUserReturn reconciles the payment the payer returned from and builds
// the frontend redirect. Failures of any kind surface as status=failed.
func (s *Service) HandleUserReturn(ctx context.Context, txRef string) string {
	s.metrics.ReturnCalled()

	if txRef == "" {
		return s.redirectURL("failed", "")
	}

	res, err := s.reconcile(ctx, txRef, events.TriggerReturn)
	if err != nil {
		s.logger.Error("return reconciliation failed", "tx_ref", paymentgateway.MaskRef(txRef), "error", err)
		return s.redirectURL("failed", "")
	}
	if res.Payment == nil {
		s.logger.Info("return for unknown transaction", "tx_ref", paymentgateway.MaskRef(txRef))
		return s.redirectURL("failed", "")
	}

	return s.redirectURL(redirectStatus(res.Status), res.Payment.ID.String())
}

func redirectStatus(status datamodel.Status) string {
	switch status {
	case datamodel.StatusSuccess:
		return "success"
	case datamodel.StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (s *Service) redirectURL(status, paymentID string) string {
	u, err := url.Parse(s.cfg.FrontendReturnURL)
	if err != nil {
		s.logger.Error("invalid frontend return url", "error", err)
		u = &url.URL{Path: "/"}
	}

	q := u.Query()
	q.Set("status", status)
	q.Set("payment_id", paymentID)
	u.RawQuery = q.Encode()
	return u.String()
}

// reconcile finds the payment for txRef and, when it is still pending,
// settles it from the gateway's own verification. Only the caller whose
// conditional update succeeds publishes the resolution.
func (s *Service) reconcile(ctx context.Context, txRef string, trigger events.Trigger) (*Resolution, error) {
	p, err := s.findByTxRef(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Resolution{Outcome: OutcomeNoAction}, nil
	}
	if p.Status.IsTerminal() {
		s.logger.Info("payment already processed", "payment_id", p.ID, "status", p.Status, "trigger", trigger)
		return &Resolution{Outcome: OutcomeAlreadyProcessed, Payment: p, Status: p.Status}, nil
	}

	target := s.verify(ctx, p, txRef)

	changed, err := s.repo.TransitionStatus(ctx, p.ID, target)
	if err != nil {
		return nil, fmt.Errorf("transition payment %s: %w", p.ID, err)
	}
	if !changed {
		res := &Resolution{Outcome: OutcomeAlreadyProcessed, Payment: p}
		if current, err := s.repo.GetByID(ctx, p.ID); err == nil {
			res.Payment = current
			res.Status = current.Status
		}
		s.logger.Info("payment resolved concurrently", "payment_id", p.ID, "status", res.Status, "trigger", trigger)
		return res, nil
	}

	p.Status = target
	s.metrics.PaymentResolved(target)
	s.logger.Info("payment resolved", "payment_id", p.ID, "status", target, "trigger", trigger)

	s.publish(ctx, events.NewPaymentResolvedEvent(
		p.ID.String(),
		p.PropertyID.String(),
		p.UserID.String(),
		string(target),
		trigger,
	))

	return &Resolution{Outcome: OutcomeProcessed, Payment: p, Status: target}, nil
}

// verify maps the gateway's verification to a terminal status. Anything short
// of a confirmed success fails the payment.
func (s *Service) verify(ctx context.Context, p *datamodel.Payment, txRef string) datamodel.Status {
	resp, err := s.gateway.VerifyPayment(ctx, txRef)
	switch {
	case err != nil:
		s.logger.Warn("gateway verification errored, failing payment", "payment_id", p.ID, "error", err)
		return datamodel.StatusFailed
	case resp.Confirmed():
		return datamodel.StatusSuccess
	default:
		gatewayStatus := ""
		if resp.Data != nil {
			gatewayStatus = resp.Data.Status
		}
		s.logger.Info("gateway did not confirm payment",
			"payment_id", p.ID,
			"status", resp.Status,
			"transaction_status", gatewayStatus)
		return datamodel.StatusFailed
	}
}

// findByTxRef looks the reference up by digest first and falls back to
// decrypting pending rows that predate digests.
func (s *Service) findByTxRef(ctx context.Context, txRef string) (*datamodel.Payment, error) {
	candidates, err := s.repo.FindByTxRefDigest(ctx, s.cipher.Digest(txRef))
	if err != nil {
		return nil, fmt.Errorf("find by reference digest: %w", err)
	}
	for _, c := range candidates {
		if s.matches(c, txRef) {
			return c, nil
		}
	}

	legacy, err := s.repo.ListLegacyPending(ctx, s.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	if s.cfg.ScanLimit > 0 && len(legacy) >= s.cfg.ScanLimit {
		s.logger.Warn("pending scan hit its limit, older payments were not compared", "limit", s.cfg.ScanLimit)
	}
	for _, c := range legacy {
		if s.matches(c, txRef) {
			return c, nil
		}
	}

	return nil, nil
}

func (s *Service) matches(p *datamodel.Payment, txRef string) bool {
	plain, err := s.cipher.Decrypt(p.GatewayTxRef)
	if err != nil {
		s.logger.Debug("stored reference did not decrypt", "payment_id", p.ID, "error", err)
		return false
	}
	return plain == txRef
}

// SweepTimedOutPayments fails every payment still pending at now-window.
// Payments resolved by a webhook or return in the meantime are skipped.
func (s *Service) SweepTimedOutPayments(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)

	stale, err := s.repo.ListPendingCreatedBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("list timed out payments: %w", err)
	}

	var swept atomic.Int64
	workers := pool.New().WithContext(ctx).WithMaxGoroutines(s.cfg.SweepConcurrency)
	for _, candidate := range stale {
		candidate := candidate
		workers.Go(func(ctx context.Context) error {
			changed, err := s.repo.TransitionStatus(ctx, candidate.ID, datamodel.StatusFailed)
			if err != nil {
				return fmt.Errorf("time out payment %s: %w", candidate.ID, err)
			}
			if !changed {
				s.logger.Debug("payment resolved before the sweep reached it", "payment_id", candidate.ID)
				return nil
			}

			swept.Add(1)
			s.metrics.PaymentResolved(datamodel.StatusFailed)
			s.publish(ctx, events.NewPaymentResolvedEvent(
				candidate.ID.String(),
				candidate.PropertyID.String(),
				candidate.UserID.String(),
				string(datamodel.StatusFailed),
				events.TriggerTimeout,
			))
			return nil
		})
	}
	err = workers.Wait()

	count := int(swept.Load())
	s.metrics.SweepRan(count)
	s.logger.Info("timeout sweep finished",
		"cutoff", cutoff,
		"candidates", len(stale),
		"timed_out", count,
		"errors", err != nil)

	return count, err
}

// publish runs downstream side effects. They outlive the triggering request
// and never fail it.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if err := s.events.PublishSync(ctx, event); err != nil {
		s.logger.Warn("payment side effects incomplete",
			"event_type", event.EventType(),
			"event_id", event.EventID(),
			"error", err)
	}
}
