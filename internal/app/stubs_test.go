package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/mercadopago"
	"github.com/revendapro/billing-engine/pkg/renewalclient"
	"github.com/revendapro/billing-engine/pkg/wuzapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

// memRepo is an in-memory store satisfying every repository interface in
// this package.
type memRepo struct {
	mu sync.Mutex

	settings    domain.RenewalSettings
	settingsErr error
	profiles    map[string]*domain.Profile
	profileErr  error

	clientOrder []string
	clients     map[string]*domain.Client
	plans       map[string]*domain.Plan
	creds       map[string]*domain.PanelCredential

	payments  map[string]*domain.Payment
	created   []*domain.Payment
	updateErr error

	activity    []domain.ActivityLog
	retries     []domain.RenewalRetryEntry
	extendCalls int
	extendErr   error

	reminders []domain.Reminder
	clientErr error
	marked    map[string]time.Time

	platformPlans    map[string]*domain.PlatformPlan
	adminToken       string
	platformPayments map[string]*domain.PlatformPayment
	subscriptionEnd  map[string]time.Time
	maxClients       map[string]int
	platformErr      error
}

func newMemRepo() *memRepo {
	return &memRepo{
		profiles: map[string]*domain.Profile{},
		clients:  map[string]*domain.Client{},
		plans:    map[string]*domain.Plan{},
		creds:    map[string]*domain.PanelCredential{},
		payments: map[string]*domain.Payment{},
		marked:   map[string]time.Time{},

		platformPlans:    map[string]*domain.PlatformPlan{},
		platformPayments: map[string]*domain.PlatformPayment{},
		subscriptionEnd:  map[string]time.Time{},
		maxClients:       map[string]int{},
	}
}

func (r *memRepo) addClient(c domain.Client) {
	r.clientOrder = append(r.clientOrder, c.ID)
	r.clients[c.ID] = &c
}

func (r *memRepo) LoadRenewalSettings(ctx context.Context) (domain.RenewalSettings, error) {
	return r.settings, r.settingsErr
}

func (r *memRepo) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if r.profileErr != nil {
		return nil, r.profileErr
	}
	p, ok := r.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) FindClientByID(ctx context.Context, ownerID, clientID string) (*domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok || c.UserID != ownerID {
		return nil, store.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) FindClientByPaymentToken(ctx context.Context, paymentToken string) (*domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.clientOrder {
		c := r.clients[id]
		if domain.StringValue(c.PaymentToken) == paymentToken {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrClientNotFound
}

func (r *memRepo) FindPlanByID(ctx context.Context, planID string) (*domain.Plan, error) {
	p, ok := r.plans[planID]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) FindPanelCredentialByID(ctx context.Context, ownerID, credentialID string) (*domain.PanelCredential, error) {
	c, ok := r.creds[credentialID]
	if !ok || c.UserID != ownerID {
		return nil, store.ErrPanelCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) ExtendClientDueDate(ctx context.Context, clientID string, today time.Time, months int) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.extendErr != nil {
		return time.Time{}, r.extendErr
	}
	c, ok := r.clients[clientID]
	if !ok {
		return time.Time{}, store.ErrClientNotFound
	}
	next := domain.ExtendDueDate(c.DueDate, today, months)
	c.DueDate = &next
	c.IsActive = true
	r.extendCalls++
	return next, nil
}

func (r *memRepo) FindPaymentByMPPaymentID(ctx context.Context, mpPaymentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[mpPaymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment.ID = "pay-" + domain.StringValue(payment.MPPaymentID)
	r.created = append(r.created, payment)
	r.payments[domain.StringValue(payment.MPPaymentID)] = payment
	return nil
}

func (r *memRepo) UpdatePaymentStatus(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate) (domain.PaymentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return "", r.updateErr
	}
	p, ok := r.payments[mpPaymentID]
	if !ok {
		return "", store.ErrPaymentNotFound
	}
	previous := p.Status
	p.Status = update.Status
	p.MPStatus = &update.MPStatus
	if update.PaymentMethod != nil {
		p.PaymentMethod = update.PaymentMethod
	}
	return previous, nil
}

// ApplyApprovedPayment fails before touching anything when extendErr is set,
// like a rolled back transaction.
func (r *memRepo) ApplyApprovedPayment(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate, clientID string, today time.Time, months int) (domain.ApprovalOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return domain.ApprovalOutcome{}, r.updateErr
	}
	p, ok := r.payments[mpPaymentID]
	if !ok {
		return domain.ApprovalOutcome{}, store.ErrPaymentNotFound
	}
	c, ok := r.clients[clientID]
	if !ok {
		return domain.ApprovalOutcome{}, store.ErrClientNotFound
	}
	outcome := domain.ApprovalOutcome{Previous: p.Status}
	if p.Status != domain.PaymentStatusPaid {
		if r.extendErr != nil {
			return domain.ApprovalOutcome{}, r.extendErr
		}
		next := domain.ExtendDueDate(c.DueDate, today, months)
		c.DueDate = &next
		c.IsActive = true
		r.extendCalls++
		outcome.NewDueDate = &next
	}
	p.Status = update.Status
	p.MPStatus = &update.MPStatus
	if update.PaymentMethod != nil {
		p.PaymentMethod = update.PaymentMethod
	}
	return outcome, nil
}

func (r *memRepo) InsertActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity = append(r.activity, entry)
	return nil
}

func (r *memRepo) EnqueueRenewalRetry(ctx context.Context, entry domain.RenewalRetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, entry)
	return nil
}

// FindDueReminders returns every stored reminder for sendTime; the
// dispatcher must do its own same-day filtering.
func (r *memRepo) FindDueReminders(ctx context.Context, sendTime string, today time.Time) ([]domain.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Reminder, len(r.reminders))
	copy(out, r.reminders)
	return out, nil
}

func (r *memRepo) FindClientsDueOn(ctx context.Context, ownerID string, dueDate time.Time) ([]domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clientErr != nil {
		return nil, r.clientErr
	}
	var out []domain.Client
	for _, id := range r.clientOrder {
		c := r.clients[id]
		if c.UserID != ownerID || !c.IsActive || c.WhatsAppNumber == nil || c.DueDate == nil {
			continue
		}
		if c.DueDate.Equal(domain.DateOf(dueDate)) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepo) MarkReminderSent(ctx context.Context, reminderID string, date time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked[reminderID] = date
	for i := range r.reminders {
		if r.reminders[i].ID == reminderID {
			d := domain.DateOf(date)
			r.reminders[i].LastSentDate = &d
		}
	}
	return nil
}

func (r *memRepo) FindActivePlatformPlan(ctx context.Context, planID string) (*domain.PlatformPlan, error) {
	p, ok := r.platformPlans[planID]
	if !ok || !p.IsActive {
		return nil, store.ErrPlatformPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) LoadAdminGatewayToken(ctx context.Context) (string, error) {
	return r.adminToken, nil
}

func (r *memRepo) CreatePlatformPayment(ctx context.Context, payment *domain.PlatformPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment.ID = fmt.Sprintf("pp-%d", len(r.platformPayments)+1)
	cp := *payment
	r.platformPayments[payment.ID] = &cp
	return nil
}

func (r *memRepo) ApplyPlatformPayment(ctx context.Context, platformPaymentID, mpPaymentID string, update domain.PaymentUpdate, now time.Time) (domain.SubscriptionOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.platformErr != nil {
		return domain.SubscriptionOutcome{}, r.platformErr
	}
	p, ok := r.platformPayments[platformPaymentID]
	if !ok {
		return domain.SubscriptionOutcome{}, store.ErrPlatformPaymentNotFound
	}
	outcome := domain.SubscriptionOutcome{UserID: p.UserID, Previous: p.Status}
	p.Status = update.Status
	p.MPStatus = &update.MPStatus
	p.MPPaymentID = &mpPaymentID
	if update.Status == domain.PaymentStatusPaid && outcome.Previous != domain.PaymentStatusPaid {
		if plan, ok := r.platformPlans[p.PlatformPlanID]; ok {
			var current *time.Time
			if end, ok := r.subscriptionEnd[p.UserID]; ok {
				current = &end
			}
			end := domain.ExtendSubscription(current, now, plan.DurationDays)
			r.subscriptionEnd[p.UserID] = end
			if plan.MaxClients != nil {
				r.maxClients[p.UserID] = *plan.MaxClients
			}
			outcome.SubscriptionEnd = &end
		}
	}
	return outcome, nil
}

// renewalAPIStub records every call to the renewal API.
type renewalAPIStub struct {
	mu       sync.Mutex
	response *renewalclient.RenewResponse
	err      error
	bodies   [][]byte
	packages json.RawMessage
}

func (s *renewalAPIStub) Renew(ctx context.Context, endpoint renewalclient.Endpoint, body []byte) (*renewalclient.RenewResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *renewalAPIStub) ListSigmaPackages(ctx context.Context, endpoint renewalclient.Endpoint, creds renewalclient.SigmaCredentials) (json.RawMessage, error) {
	return s.packages, s.err
}

// publisherStub collects published events. Renewal publishes fail so tests
// also cover that publishing never changes an outcome.
type publisherStub struct {
	mu       sync.Mutex
	approved []domain.PaymentApprovedEvent
	renewals []domain.RenewalOutcomeEvent
}

func (p *publisherStub) PublishPaymentApproved(ctx context.Context, event domain.PaymentApprovedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approved = append(p.approved, event)
	return nil
}

func (p *publisherStub) PublishRenewalOutcome(ctx context.Context, event domain.RenewalOutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renewals = append(p.renewals, event)
	return errors.New("broker down")
}

// gatewayStub plays Mercado Pago.
type gatewayStub struct {
	payment     *mercadopago.Payment
	err         error
	tokens      []string
	pix         *mercadopago.Payment
	pixErr      error
	pixRequests []mercadopago.PixPaymentRequest
	pref        *mercadopago.Preference
	prefErr     error
	prefReqs    []mercadopago.PreferenceRequest
}

func (g *gatewayStub) GetPayment(ctx context.Context, accessToken, paymentID string) (*mercadopago.Payment, error) {
	g.tokens = append(g.tokens, accessToken)
	if g.err != nil {
		return nil, g.err
	}
	cp := *g.payment
	return &cp, nil
}

func (g *gatewayStub) CreatePixPayment(ctx context.Context, accessToken, idempotencyKey string, req mercadopago.PixPaymentRequest) (*mercadopago.Payment, error) {
	g.tokens = append(g.tokens, accessToken)
	g.pixRequests = append(g.pixRequests, req)
	return g.pix, g.pixErr
}

func (g *gatewayStub) CreatePreference(ctx context.Context, accessToken string, req mercadopago.PreferenceRequest) (*mercadopago.Preference, error) {
	g.tokens = append(g.tokens, accessToken)
	g.prefReqs = append(g.prefReqs, req)
	return g.pref, g.prefErr
}

// sentMessage is one SendText call.
type sentMessage struct {
	account wuzapi.Account
	phone   string
	body    string
	at      time.Time
}

// messagingStub plays WuzAPI.
type messagingStub struct {
	mu         sync.Mutex
	connected  map[string]bool
	probeErr   error
	probes     int
	sendErrFor map[string]error
	sent       []sentMessage
}

func (m *messagingStub) SessionConnected(ctx context.Context, acct wuzapi.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.probeErr != nil {
		return false, m.probeErr
	}
	return m.connected[acct.Token], nil
}

func (m *messagingStub) SendText(ctx context.Context, acct wuzapi.Account, phone, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrFor[phone]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{account: acct, phone: phone, body: body, at: time.Now()})
	return nil
}

func (m *messagingStub) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.phone)
	}
	return out
}
