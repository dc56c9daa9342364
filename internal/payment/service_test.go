package payment_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	"github.com/frahmantamala/listing-payment/internal/core/events"
	"github.com/frahmantamala/listing-payment/internal/crypto"
	"github.com/frahmantamala/listing-payment/internal/metrics"
	"github.com/frahmantamala/listing-payment/internal/notification"
	paymentPkg "github.com/frahmantamala/listing-payment/internal/payment"
	"github.com/frahmantamala/listing-payment/internal/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/retry"
)

const (
	webhookSecret = "whsec_test"
	frontendURL   = "https://app.rent.et/payments/result"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEnvelope() *crypto.Envelope {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	env, err := crypto.NewEnvelope(key)
	Expect(err).NotTo(HaveOccurred())
	return env
}

func amountOf(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func webhookBody(txRef, status string) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data":  map[string]string{"tx_ref": txRef, "status": status},
	})
	Expect(err).NotTo(HaveOccurred())
	return body
}

var _ = Describe("Payment Service", func() {
	var (
		repo      *memoryRepository
		gateway   *fakeGateway
		envelope  *crypto.Envelope
		directory *fakeDirectory
		notifier  *recordingNotifier
		approver  *recordingApprover
		counters  *metrics.Counters
		service   *paymentPkg.Service

		owner    auth.EndUser
		ownerID  uuid.UUID
		property uuid.UUID
		ctx      context.Context
		logger   *slog.Logger
	)

	initiate := func(p auth.Principal, requestID uuid.UUID, amount string) (*paymentPkg.PaymentView, error) {
		return service.Initiate(ctx, p, paymentPkg.InitiateRequest{
			RequestID:  requestID.String(),
			PropertyID: property.String(),
			Amount:     amountOf(amount),
		})
	}

	mustInitiate := func() (*paymentPkg.PaymentView, string) {
		view, err := initiate(owner, uuid.New(), "250.00")
		Expect(err).NotTo(HaveOccurred())
		return view, gateway.lastTxRef()
	}

	deliver := func(txRef string) (*paymentPkg.Resolution, error) {
		body := webhookBody(txRef, "success")
		return service.HandleGatewayCallback(ctx, paymentgateway.Sign(webhookSecret, body), body)
	}

	resolvedMessages := func() int {
		return notifier.count(notification.TemplatePaymentSuccess) +
			notifier.count(notification.TemplatePaymentFailed) +
			notifier.count(notification.TemplatePaymentTimedOut)
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = quietLogger()

		repo = newMemoryRepository()
		gateway = newFakeGateway(webhookSecret)
		envelope = testEnvelope()
		notifier = &recordingNotifier{}
		approver = &recordingApprover{}
		counters = metrics.NewCounters()

		ownerID = uuid.New()
		property = uuid.New()
		owner = auth.EndUser{User: auth.User{
			ID:                ownerID,
			Role:              auth.RoleOwner,
			Email:             "owner@rent.et",
			PhoneNumber:       "0911234567",
			PreferredLanguage: "am",
		}}
		directory = &fakeDirectory{users: map[uuid.UUID]*auth.User{ownerID: &owner.User}}

		bus := events.NewEventBus(logger)
		paymentPkg.NewFulfillment(directory, notifier, approver, logger).RegisterEventHandlers(bus)

		cfg := paymentPkg.Config{
			CallbackURL:       "http://localhost:8120/api/v1/webhook/chapa",
			ReturnURL:         "http://localhost:8120/api/v1/payments/return",
			FrontendReturnURL: frontendURL,
			ScanLimit:         100,
			ReservationWait:   2 * time.Second,
			ReservationPoll:   5 * time.Millisecond,
		}
		service = paymentPkg.NewService(cfg, repo, gateway, envelope, directory, bus, counters, logger)
	})

	Describe("Initiate", func() {
		It("should create a pending payment and hand back the checkout url", func() {
			requestID := uuid.New()

			view, err := initiate(owner, requestID, "250.00")

			Expect(err).NotTo(HaveOccurred())
			Expect(view.Replayed).To(BeFalse())
			Expect(view.Status).To(Equal("PENDING"))
			Expect(view.Amount).To(Equal("250.00"))
			Expect(view.UserID).To(Equal(ownerID.String()))
			Expect(view.CheckoutURL).To(Equal("https://checkout.chapa.co/checkout/payment/abc"))
			Expect(view.GatewayTxRef).To(Equal(view.CheckoutURL))
			Expect(gateway.initializeCalls()).To(Equal(1))
			Expect(notifier.count(notification.TemplatePaymentInitiated)).To(Equal(1))
			Expect(counters.Snapshot().PendingPayments).To(Equal(int64(1)))
		})

		It("should store the reference only as ciphertext", func() {
			view, txRef := mustInitiate()

			stored, err := repo.GetByID(ctx, uuid.MustParse(view.ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.GatewayTxRef).NotTo(ContainSubstring(txRef))
			Expect(stored.GatewayTxRefDigest).To(Equal(envelope.Digest(txRef)))

			plain, err := envelope.Decrypt(stored.GatewayTxRef)
			Expect(err).NotTo(HaveOccurred())
			Expect(plain).To(Equal(txRef))
		})

		It("should send the gateway normalized contact details", func() {
			mustInitiate()

			Expect(gateway.lastInit.PhoneNumber).To(Equal("+251911234567"))
			Expect(gateway.lastInit.Email).To(Equal("owner@rent.et"))
			Expect(gateway.lastInit.Currency).To(Equal("ETB"))
			Expect(gateway.lastInit.Amount).To(Equal("250.00"))
			Expect(gateway.lastInit.TxRef).To(HavePrefix("tx-"))
		})

		It("should replay a repeated request without calling the gateway again", func() {
			requestID := uuid.New()
			first, err := initiate(owner, requestID, "250.00")
			Expect(err).NotTo(HaveOccurred())

			second, err := initiate(owner, requestID, "250.00")

			Expect(err).NotTo(HaveOccurred())
			Expect(second.Replayed).To(BeTrue())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.GatewayTxRef).To(Equal(paymentPkg.MaskedTxRef))
			Expect(second.CheckoutURL).To(BeEmpty())
			Expect(gateway.initializeCalls()).To(Equal(1))
			Expect(notifier.count(notification.TemplatePaymentInitiated)).To(Equal(1))
			Expect(repo.count()).To(Equal(1))
		})

		It("should keep the first write when a replay carries a different amount", func() {
			requestID := uuid.New()
			_, err := initiate(owner, requestID, "250.00")
			Expect(err).NotTo(HaveOccurred())

			replay, err := initiate(owner, requestID, "999.99")

			Expect(err).NotTo(HaveOccurred())
			Expect(replay.Amount).To(Equal("250.00"))
		})

		It("should refuse a request id already used by another owner", func() {
			requestID := uuid.New()
			_, err := initiate(owner, requestID, "250.00")
			Expect(err).NotTo(HaveOccurred())

			intruder := auth.EndUser{User: auth.User{ID: uuid.New(), Role: auth.RoleOwner}}
			_, err = initiate(intruder, requestID, "250.00")

			Expect(err).To(Equal(errors.ErrUnauthorizedAccess))
		})

		It("should create exactly one payment for concurrent duplicates", func() {
			gateway.initDelay = 20 * time.Millisecond
			requestID := uuid.New()

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ids = map[string]struct{}{}
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					view, err := initiate(owner, requestID, "250.00")
					Expect(err).NotTo(HaveOccurred())

					mu.Lock()
					ids[view.ID] = struct{}{}
					mu.Unlock()
				}()
			}
			wg.Wait()

			Expect(ids).To(HaveLen(1))
			Expect(repo.count()).To(Equal(1))
			Expect(gateway.initializeCalls()).To(Equal(1))
			Expect(notifier.count(notification.TemplatePaymentInitiated)).To(Equal(1))
		})

		It("should not hand a duplicate a reservation the gateway later declines", func() {
			gateway.initDelay = 200 * time.Millisecond
			gateway.initResp = declinedInitialize("declined")
			requestID := uuid.New()

			firstErr := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := initiate(owner, requestID, "250.00")
				firstErr <- err
			}()
			Eventually(repo.count).Should(Equal(1))

			view, err := initiate(owner, requestID, "250.00")

			Expect(err).To(HaveOccurred())
			Expect(view).To(BeNil())
			Expect(errors.IsType(err, errors.ErrorTypeUpstreamRejected)).To(BeTrue())
			Expect(errors.IsType(<-firstErr, errors.ErrorTypeUpstreamRejected)).To(BeTrue())
			Expect(repo.count()).To(BeZero())
			Expect(notifier.count(notification.TemplatePaymentInitiated)).To(BeZero())
		})

		It("should answer a duplicate with a retryable conflict while the gateway is slow", func() {
			service = paymentPkg.NewService(paymentPkg.Config{
				FrontendReturnURL: frontendURL,
				ReservationWait:   30 * time.Millisecond,
				ReservationPoll:   5 * time.Millisecond,
			}, repo, gateway, envelope, directory, events.NewEventBus(logger), counters, logger)
			gateway.initDelay = 300 * time.Millisecond
			requestID := uuid.New()

			firstView := make(chan *paymentPkg.PaymentView, 1)
			go func() {
				defer GinkgoRecover()
				view, err := initiate(owner, requestID, "250.00")
				Expect(err).NotTo(HaveOccurred())
				firstView <- view
			}()
			Eventually(repo.count).Should(Equal(1))

			_, err := initiate(owner, requestID, "250.00")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusConflict))
			Expect(appErr.Code).To(Equal(errors.ErrCodeInitializationPending))

			first := <-firstView
			replay, err := initiate(owner, requestID, "250.00")
			Expect(err).NotTo(HaveOccurred())
			Expect(replay.ID).To(Equal(first.ID))
			Expect(replay.Replayed).To(BeTrue())
			Expect(gateway.initializeCalls()).To(Equal(1))
		})

		It("should mark the payment initialized once the gateway accepts it", func() {
			view, _ := mustInitiate()

			stored, err := repo.GetByID(ctx, uuid.MustParse(view.ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Initialized()).To(BeTrue())
		})

		It("should surface a gateway decline as a bad request and keep nothing", func() {
			gateway.initResp = declinedInitialize("The amount must be at least 1")

			_, err := initiate(owner, uuid.New(), "250.00")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(appErr.Code).To(Equal(errors.ErrCodePaymentInitialization))
			Expect(appErr.Message).To(Equal("Payment initialization failed: The amount must be at least 1"))
			Expect(repo.count()).To(BeZero())
			Expect(notifier.messages()).To(BeEmpty())
		})

		It("should report an unreachable gateway as unavailable and keep nothing", func() {
			gateway.initErr = retry.Transient(&retry.StatusError{StatusCode: http.StatusServiceUnavailable})

			_, err := initiate(owner, uuid.New(), "250.00")

			Expect(errors.IsType(err, errors.ErrorTypeUpstreamUnavailable)).To(BeTrue())
			Expect(repo.count()).To(BeZero())
		})

		It("should let a retry succeed after a failed attempt", func() {
			requestID := uuid.New()
			gateway.initErr = retry.Transient(&retry.StatusError{StatusCode: http.StatusServiceUnavailable})
			_, err := initiate(owner, requestID, "250.00")
			Expect(err).To(HaveOccurred())

			gateway.initErr = nil
			view, err := initiate(owner, requestID, "250.00")

			Expect(err).NotTo(HaveOccurred())
			Expect(view.Replayed).To(BeFalse())
			Expect(gateway.initializeCalls()).To(Equal(2))
		})

		It("should reject invalid input before touching storage", func() {
			_, err := service.Initiate(ctx, owner, paymentPkg.InitiateRequest{
				RequestID:  "not-a-uuid",
				PropertyID: property.String(),
				Amount:     amountOf("-1"),
			})

			Expect(errors.IsType(err, errors.ErrorTypeValidation)).To(BeTrue())
			reads, writes := repo.counters()
			Expect(reads).To(BeZero())
			Expect(writes).To(BeZero())
		})

		It("should reject amounts with more than two decimals", func() {
			_, err := initiate(owner, uuid.New(), "10.001")

			Expect(errors.IsType(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("should accept a zero amount", func() {
			view, err := initiate(owner, uuid.New(), "0")

			Expect(err).NotTo(HaveOccurred())
			Expect(view.Amount).To(Equal("0.00"))
		})

		It("should forbid non-owners", func() {
			admin := auth.EndUser{User: auth.User{ID: uuid.New(), Role: auth.RoleAdmin}}

			_, err := initiate(admin, uuid.New(), "250.00")

			Expect(errors.IsType(err, errors.ErrorTypeForbidden)).To(BeTrue())
			Expect(gateway.initializeCalls()).To(BeZero())
		})

		It("should forbid an owner paying on behalf of someone else", func() {
			_, err := service.Initiate(ctx, owner, paymentPkg.InitiateRequest{
				RequestID:  uuid.NewString(),
				PropertyID: property.String(),
				UserID:     uuid.NewString(),
				Amount:     amountOf("250.00"),
			})

			Expect(errors.IsType(err, errors.ErrorTypeForbidden)).To(BeTrue())
		})

		Context("when called by another service", func() {
			caller := auth.ServiceCaller{Name: "Service"}

			It("should require a user id", func() {
				_, err := initiate(caller, uuid.New(), "250.00")

				Expect(errors.IsType(err, errors.ErrorTypeValidation)).To(BeTrue())
			})

			It("should report an unknown user as not found", func() {
				_, err := service.Initiate(ctx, caller, paymentPkg.InitiateRequest{
					RequestID:  uuid.NewString(),
					PropertyID: property.String(),
					UserID:     uuid.NewString(),
					Amount:     amountOf("250.00"),
				})

				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusNotFound))
				Expect(appErr.Message).To(Equal("User details not found for the provided user_id"))
			})

			It("should charge the named user with their directory details", func() {
				directory.users[ownerID] = &auth.User{
					ID:          ownerID,
					Role:        auth.RoleOwner,
					Email:       "payer@rent.et",
					PhoneNumber: "251 911 000 000",
				}

				view, err := service.Initiate(ctx, caller, paymentPkg.InitiateRequest{
					RequestID:  uuid.NewString(),
					PropertyID: property.String(),
					UserID:     ownerID.String(),
					Amount:     amountOf("100"),
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(view.UserID).To(Equal(ownerID.String()))
				Expect(gateway.lastInit.Email).To(Equal("payer@rent.et"))
				Expect(gateway.lastInit.PhoneNumber).To(Equal("+251911000000"))
			})
		})
	})

	Describe("HandleGatewayCallback", func() {
		It("should reject an unsigned delivery without touching storage", func() {
			body := webhookBody("tx-anything", "success")

			_, err := service.HandleGatewayCallback(ctx, "deadbeef", body)

			Expect(err).To(Equal(errors.ErrUnauthorizedWebhook))
			reads, _ := repo.counters()
			Expect(reads).To(BeZero())
		})

		It("should reject a signed body that is not json", func() {
			body := []byte("not json")

			_, err := service.HandleGatewayCallback(ctx, paymentgateway.Sign(webhookSecret, body), body)

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(appErr.Message).To(Equal("Invalid JSON payload"))
		})

		It("should reject a payload without a reference", func() {
			body := []byte(`{"data":{"status":"success"}}`)

			_, err := service.HandleGatewayCallback(ctx, paymentgateway.Sign(webhookSecret, body), body)

			Expect(errors.IsType(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("should take no action for an unknown reference", func() {
			res, err := deliver("tx-unknown")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentPkg.OutcomeNoAction))
			Expect(res.Message()).To(Equal("Payment not found or not in PENDING state, no action taken"))
			Expect(gateway.verifications()).To(BeZero())
		})

		It("should settle a verified payment, approve the listing and notify once", func() {
			view, txRef := mustInitiate()

			res, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentPkg.OutcomeProcessed))
			Expect(res.Message()).To(Equal("Webhook processed successfully"))
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusSuccess))
			Expect(approver.calls()).To(Equal([]uuid.UUID{property}))
			Expect(notifier.count(notification.TemplatePaymentSuccess)).To(Equal(1))

			snap := counters.Snapshot()
			Expect(snap.SuccessPayments).To(Equal(int64(1)))
			Expect(snap.PendingPayments).To(BeZero())
		})

		It("should ignore a duplicate delivery", func() {
			_, txRef := mustInitiate()
			_, err := deliver(txRef)
			Expect(err).NotTo(HaveOccurred())

			res, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentPkg.OutcomeAlreadyProcessed))
			Expect(res.Message()).To(Equal("Payment already processed, no action taken"))
			Expect(gateway.verifications()).To(Equal(1))
			Expect(approver.calls()).To(HaveLen(1))
			Expect(notifier.count(notification.TemplatePaymentSuccess)).To(Equal(1))
		})

		It("should fail the payment when the gateway does not confirm it", func() {
			gateway.verifyResp.Data.Status = "failed"
			view, txRef := mustInitiate()

			res, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(datamodel.StatusFailed))
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusFailed))
			Expect(approver.calls()).To(BeEmpty())
			Expect(notifier.count(notification.TemplatePaymentFailed)).To(Equal(1))
		})

		It("should fail the payment when verification errors", func() {
			gateway.verifyErr = &retry.StatusError{StatusCode: http.StatusBadGateway}
			view, txRef := mustInitiate()

			_, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusFailed))
		})

		It("should trust verification over the status the webhook claims", func() {
			gateway.verifyResp.Data.Status = "pending"
			view, txRef := mustInitiate()
			body := webhookBody(txRef, "success")

			_, err := service.HandleGatewayCallback(ctx, paymentgateway.Sign(webhookSecret, body), body)

			Expect(err).NotTo(HaveOccurred())
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusFailed))
		})

		It("should find payments stored before reference digests existed", func() {
			txRef := "tx-" + uuid.NewString()
			sealed, err := envelope.Encrypt(txRef)
			Expect(err).NotTo(HaveOccurred())
			legacy := &datamodel.Payment{
				ID:           uuid.New(),
				RequestID:    uuid.New(),
				PropertyID:   property,
				UserID:       ownerID,
				Amount:       decimal.RequireFromString("75"),
				Status:       datamodel.StatusPending,
				GatewayTxRef: sealed,
				CreatedAt:    time.Now().UTC(),
			}
			repo.insert(legacy)

			res, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentPkg.OutcomeProcessed))
			Expect(repo.status(legacy.ID)).To(Equal(datamodel.StatusSuccess))
		})

		It("should still succeed when side effects fail", func() {
			notifier.err = io.ErrUnexpectedEOF
			approver.err = io.ErrUnexpectedEOF
			view, txRef := mustInitiate()

			res, err := deliver(txRef)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentPkg.OutcomeProcessed))
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusSuccess))
		})
	})

	Describe("HandleUserReturn", func() {
		parse := func(target string) url.Values {
			u, err := url.Parse(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Host).To(Equal("app.rent.et"))
			return u.Query()
		}

		It("should redirect an unknown reference as failed", func() {
			q := parse(service.HandleUserReturn(ctx, "tx-unknown"))

			Expect(q.Get("status")).To(Equal("failed"))
			Expect(q.Get("payment_id")).To(BeEmpty())
		})

		It("should redirect a missing reference as failed", func() {
			q := parse(service.HandleUserReturn(ctx, ""))

			Expect(q.Get("status")).To(Equal("failed"))
		})

		It("should settle the payment and redirect with its id", func() {
			view, txRef := mustInitiate()

			q := parse(service.HandleUserReturn(ctx, txRef))

			Expect(q.Get("status")).To(Equal("success"))
			Expect(q.Get("payment_id")).To(Equal(view.ID))
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusSuccess))
		})

		It("should report the stored outcome after a webhook already settled it", func() {
			gateway.verifyResp.Data.Status = "failed"
			view, txRef := mustInitiate()
			_, err := deliver(txRef)
			Expect(err).NotTo(HaveOccurred())

			q := parse(service.HandleUserReturn(ctx, txRef))

			Expect(q.Get("status")).To(Equal("failed"))
			Expect(q.Get("payment_id")).To(Equal(view.ID))
			Expect(gateway.verifications()).To(Equal(1))
			Expect(resolvedMessages()).To(Equal(1))
		})
	})

	Describe("SweepTimedOutPayments", func() {
		It("should fail only payments older than the window", func() {
			stale, _ := mustInitiate()
			fresh, _ := mustInitiate()
			repo.age(uuid.MustParse(stale.ID), 8*24*time.Hour)
			repo.age(uuid.MustParse(fresh.ID), 24*time.Hour)

			count, err := service.SweepTimedOutPayments(ctx, time.Now().UTC(), 7*24*time.Hour)

			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(repo.status(uuid.MustParse(stale.ID))).To(Equal(datamodel.StatusFailed))
			Expect(repo.status(uuid.MustParse(fresh.ID))).To(Equal(datamodel.StatusPending))
			Expect(notifier.count(notification.TemplatePaymentTimedOut)).To(Equal(1))
			Expect(approver.calls()).To(BeEmpty())
			Expect(counters.Snapshot().SweptPayments).To(Equal(int64(1)))
		})

		It("should leave settled payments alone", func() {
			view, txRef := mustInitiate()
			repo.age(uuid.MustParse(view.ID), 8*24*time.Hour)
			_, err := deliver(txRef)
			Expect(err).NotTo(HaveOccurred())

			count, err := service.SweepTimedOutPayments(ctx, time.Now().UTC(), 7*24*time.Hour)

			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(repo.status(uuid.MustParse(view.ID))).To(Equal(datamodel.StatusSuccess))
		})

		It("should resolve a payment once when a webhook races the sweep", func() {
			view, txRef := mustInitiate()
			id := uuid.MustParse(view.ID)
			repo.age(id, 8*24*time.Hour)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := deliver(txRef)
				Expect(err).NotTo(HaveOccurred())
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := service.SweepTimedOutPayments(ctx, time.Now().UTC(), 7*24*time.Hour)
				Expect(err).NotTo(HaveOccurred())
			}()
			wg.Wait()

			Expect(repo.status(id).IsTerminal()).To(BeTrue())
			Expect(resolvedMessages()).To(Equal(1))
			if repo.status(id) == datamodel.StatusSuccess {
				Expect(approver.calls()).To(HaveLen(1))
			} else {
				Expect(approver.calls()).To(BeEmpty())
			}
		})

		It("should be driven by the sweeper", func() {
			view, _ := mustInitiate()
			repo.age(uuid.MustParse(view.ID), 8*24*time.Hour)

			sweeper := paymentPkg.NewSweeper(service, time.Hour, 7*24*time.Hour, logger)

			Expect(sweeper.RunOnce(ctx)).To(Equal(1))
			Expect(sweeper.RunOnce(ctx)).To(BeZero())
		})
	})

	Describe("GetStatus", func() {
		It("should show the owner their payment with a masked reference", func() {
			created, _ := mustInitiate()

			view, err := service.GetStatus(ctx, owner, created.ID)

			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal("PENDING"))
			Expect(view.GatewayTxRef).To(Equal(paymentPkg.MaskedTxRef))
		})

		It("should hide the payment from other owners", func() {
			created, _ := mustInitiate()
			other := auth.EndUser{User: auth.User{ID: uuid.New(), Role: auth.RoleOwner}}

			_, err := service.GetStatus(ctx, other, created.ID)

			Expect(err).To(Equal(errors.ErrUnauthorizedAccess))
		})

		It("should let admins read any payment", func() {
			created, _ := mustInitiate()
			admin := auth.EndUser{User: auth.User{ID: uuid.New(), Role: auth.RoleAdmin}}

			view, err := service.GetStatus(ctx, admin, created.ID)

			Expect(err).NotTo(HaveOccurred())
			Expect(view.ID).To(Equal(created.ID))
		})

		It("should reject a malformed id", func() {
			_, err := service.GetStatus(ctx, owner, "nope")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(errors.ErrCodeInvalidPaymentID))
		})

		It("should report an unknown payment as not found", func() {
			_, err := service.GetStatus(ctx, owner, uuid.NewString())

			Expect(err).To(Equal(errors.ErrPaymentNotFound))
		})
	})
})
