package payment_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	datamodel "github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/listing-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/notification"
	paymentPkg "github.com/frahmantamala/listing-payment/internal/payment"
	"github.com/frahmantamala/listing-payment/internal/paymentgateway"
)

// memoryRepository enforces the same conditional-update rule as the SQL store.
type memoryRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*datamodel.Payment
	reads    int
	writes   int
}

var _ paymentPkg.RepositoryAPI = (*memoryRepository)(nil)

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{payments: make(map[uuid.UUID]*datamodel.Payment)}
}

func clonePayment(p *datamodel.Payment) *datamodel.Payment {
	c := *p
	return &c
}

func (m *memoryRepository) CreateIfAbsent(_ context.Context, p *datamodel.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payments {
		if existing.RequestID == p.RequestID {
			return false, nil
		}
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.payments[p.ID] = clonePayment(p)
	m.writes++
	return true, nil
}

func (m *memoryRepository) GetByID(_ context.Context, id uuid.UUID) (*datamodel.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	p, ok := m.payments[id]
	if !ok {
		return nil, paymentPkg.ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *memoryRepository) GetByRequestID(_ context.Context, requestID uuid.UUID) (*datamodel.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	for _, p := range m.payments {
		if p.RequestID == requestID {
			return clonePayment(p), nil
		}
	}
	return nil, paymentPkg.ErrNotFound
}

func (m *memoryRepository) FindByTxRefDigest(_ context.Context, digest string) ([]*datamodel.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	var out []*datamodel.Payment
	for _, p := range m.payments {
		if digest != "" && p.GatewayTxRefDigest == digest {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (m *memoryRepository) ListLegacyPending(_ context.Context, limit int) ([]*datamodel.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	var out []*datamodel.Payment
	for _, p := range m.payments {
		if p.Status == datamodel.StatusPending && p.GatewayTxRefDigest == "" {
			out = append(out, clonePayment(p))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryRepository) ListPendingCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]*datamodel.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	var out []*datamodel.Payment
	for _, p := range m.payments {
		if p.Status == datamodel.StatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, clonePayment(p))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryRepository) TransitionStatus(_ context.Context, id uuid.UUID, to datamodel.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != datamodel.StatusPending {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	m.writes++
	return true, nil
}

func (m *memoryRepository) MarkInitialized(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.payments[id]; ok && p.InitializedAt == nil {
		t := at.UTC()
		p.InitializedAt = &t
		m.writes++
	}
	return nil
}

func (m *memoryRepository) Discard(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.payments[id]; ok && p.Status == datamodel.StatusPending {
		delete(m.payments, id)
		m.writes++
	}
	return nil
}

func (m *memoryRepository) insert(p *datamodel.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
}

func (m *memoryRepository) age(id uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id].CreatedAt = m.payments[id].CreatedAt.Add(-by)
}

func (m *memoryRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memoryRepository) status(id uuid.UUID) datamodel.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id].Status
}

func (m *memoryRepository) counters() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}

type fakeGateway struct {
	mu          sync.Mutex
	secret      string
	initCalls   int
	verifyCalls int
	initDelay   time.Duration
	initResp    *gatewaytypes.InitializeResponse
	initErr     error
	verifyResp  *gatewaytypes.VerifyResponse
	verifyErr   error
	lastInit    *gatewaytypes.InitializeRequest
}

func newFakeGateway(secret string) *fakeGateway {
	return &fakeGateway{
		secret: secret,
		initResp: &gatewaytypes.InitializeResponse{
			Message: "Hosted Link",
			Status:  "success",
			Data:    &gatewaytypes.InitializeData{CheckoutURL: "https://checkout.chapa.co/checkout/payment/abc"},
		},
		verifyResp: &gatewaytypes.VerifyResponse{
			Message: "Payment details",
			Status:  "success",
			Data:    &gatewaytypes.VerifyData{Status: "success"},
		},
	}
}

func (g *fakeGateway) InitializePayment(_ context.Context, req *gatewaytypes.InitializeRequest) (*gatewaytypes.InitializeResponse, error) {
	g.mu.Lock()
	g.initCalls++
	g.lastInit = req
	delay, resp, err := g.initDelay, g.initResp, g.initErr
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return resp, err
}

func (g *fakeGateway) VerifyPayment(_ context.Context, _ string) (*gatewaytypes.VerifyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	return g.verifyResp, g.verifyErr
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return g.secret != "" && signature == paymentgateway.Sign(g.secret, body)
}

func (g *fakeGateway) initializeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls
}

func (g *fakeGateway) verifications() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

func (g *fakeGateway) lastTxRef() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastInit == nil {
		return ""
	}
	return g.lastInit.TxRef
}

type fakeDirectory struct {
	users map[uuid.UUID]*auth.User
	err   error
}

func (d *fakeDirectory) LookupUserByID(_ context.Context, id uuid.UUID) (*auth.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, errors.NewNotFoundError("user not found", errors.ErrCodeUserNotFound)
	}
	return u, nil
}

type sentMessage struct {
	To       notification.Recipient
	Template notification.TemplateName
	Vars     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, to notification.Recipient, name notification.TemplateName, vars map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{To: to, Template: name, Vars: vars})
	return n.err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

func (n *recordingNotifier) count(name notification.TemplateName) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m.Template == name {
			c++
		}
	}
	return c
}

type recordingApprover struct {
	mu       sync.Mutex
	approved []uuid.UUID
	err      error
}

func (a *recordingApprover) Approve(_ context.Context, propertyID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approved = append(a.approved, propertyID)
	return a.err
}

func (a *recordingApprover) calls() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uuid.UUID(nil), a.approved...)
}

func declinedInitialize(message string) *gatewaytypes.InitializeResponse {
	return &gatewaytypes.InitializeResponse{Message: message, Status: "failed"}
}
